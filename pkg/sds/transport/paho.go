package transport

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/pmonclus/sds/pkg/util"
)

// PahoClient is the production transport over the Eclipse Paho MQTT client.
//
// Auto-reconnect is deliberately disabled: the engine's reconnect controller
// owns backoff and resubscription, and needs to observe the disconnected
// state from its loop.
type PahoClient struct {
	client mqtt.Client
	opts   Options
}

// NewPahoClient creates an unconnected Paho-backed transport.
func NewPahoClient() *PahoClient {
	return &PahoClient{}
}

// Connect dials the broker with the configured will and routes every inbound
// message to opts.OnMessage.
func (p *PahoClient) Connect(ctx context.Context, opts Options) error {
	if p.client != nil && p.client.IsConnected() {
		return util.ErrAlreadyInitialized
	}
	p.opts = opts

	timeout := opts.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(fmt.Sprintf("tcp://%s:%d", opts.BrokerHost, opts.BrokerPort))
	co.SetClientID(opts.ClientID)
	co.SetCleanSession(true)
	co.SetAutoReconnect(false)
	co.SetConnectTimeout(timeout)
	co.SetKeepAlive(60 * time.Second)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	if opts.Will != nil {
		co.SetBinaryWill(opts.Will.Topic, opts.Will.Payload, 0, opts.Will.Retain)
	}
	if opts.OnMessage != nil {
		handler := opts.OnMessage
		co.SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
			handler(Message{Topic: m.Topic(), Payload: m.Payload()})
		})
	}
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		util.WithField("broker", opts.BrokerHost).Warnf("mqtt connection lost: %v", err)
	})

	p.client = mqtt.NewClient(co)

	connectTok := p.client.Connect()
	done := make(chan struct{})
	go func() {
		connectTok.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.client.Disconnect(0)
		return fmt.Errorf("%w: %v", util.ErrMqttConnectFailed, ctx.Err())
	}
	if err := connectTok.Error(); err != nil {
		return fmt.Errorf("%w: %v", util.ErrMqttConnectFailed, err)
	}
	return nil
}

// Disconnect closes the connection, allowing a short drain for in-flight
// messages.
func (p *PahoClient) Disconnect() {
	if p.client != nil {
		p.client.Disconnect(250)
	}
}

// IsConnected reports the link state.
func (p *PahoClient) IsConnected() bool {
	return p.client != nil && p.client.IsConnected()
}

// Publish sends a QoS 0 message and waits for the client to hand it to the
// network layer.
func (p *PahoClient) Publish(topic string, payload []byte, retain bool) error {
	if p.client == nil {
		return util.ErrMqttDisconnected
	}
	tok := p.client.Publish(topic, 0, retain, payload)
	if !tok.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("%w: publish timed out on %s", util.ErrMqttDisconnected, topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("publishing on %s: %w", topic, err)
	}
	return nil
}

// Subscribe adds a QoS 0 subscription routed to the connect-time handler.
func (p *PahoClient) Subscribe(topic string) error {
	if p.client == nil {
		return util.ErrMqttDisconnected
	}
	tok := p.client.Subscribe(topic, 0, nil)
	if !tok.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("%w: subscribe timed out on %s", util.ErrMqttDisconnected, topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes subscriptions.
func (p *PahoClient) Unsubscribe(topics ...string) error {
	if p.client == nil {
		return util.ErrMqttDisconnected
	}
	tok := p.client.Unsubscribe(topics...)
	if !tok.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("%w: unsubscribe timed out", util.ErrMqttDisconnected)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("unsubscribing: %w", err)
	}
	return nil
}

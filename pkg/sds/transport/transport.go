// Package transport abstracts the MQTT client used by the sync engine.
//
// The engine only needs connect-with-will, QoS 0 publish with an optional
// retain flag, wildcard subscribe, and an inbound message callback. Keeping
// that surface behind an interface lets unit tests run against an in-memory
// fake while production nodes use the Eclipse Paho client.
package transport

import (
	"context"
	"time"
)

// Message is one inbound publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler receives inbound publications. It is called from the transport's
// delivery goroutine; implementations must hand off to the engine thread.
type Handler func(Message)

// Will is the broker-registered last-will message published on ungraceful
// disconnect.
type Will struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// Options configures a connection attempt.
type Options struct {
	BrokerHost string
	BrokerPort uint16
	ClientID   string
	Username   string
	Password   string
	Will       *Will
	OnMessage  Handler

	// ConnectTimeout bounds the blocking connect. Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// DefaultConnectTimeout bounds a connect attempt when Options leaves it zero.
const DefaultConnectTimeout = 10 * time.Second

// Client is the engine-facing transport surface. All methods follow the
// underlying client's blocking semantics.
type Client interface {
	// Connect dials the broker, registering the will. Calling Connect on an
	// already connected client is an error.
	Connect(ctx context.Context, opts Options) error

	// Disconnect tears the connection down. Safe to call when disconnected.
	Disconnect()

	// IsConnected reports the current link state.
	IsConnected() bool

	// Publish sends a QoS 0 message.
	Publish(topic string, payload []byte, retain bool) error

	// Subscribe adds a QoS 0 subscription. Topic may contain + and # wildcards.
	Subscribe(topic string) error

	// Unsubscribe removes subscriptions.
	Unsubscribe(topics ...string) error
}

// Package testutil provides test helpers for the sync engine: an in-memory
// transport fake for unit tests and broker discovery for e2e tests.
package testutil

import (
	"context"
	"fmt"

	"github.com/pmonclus/sds/pkg/sds/transport"
)

// Published is one recorded outbound message.
type Published struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// FakeTransport is an in-memory transport.Client. It records publishes and
// subscriptions and lets tests inject inbound messages and link failures.
// Injected messages are delivered synchronously to the connect-time
// handler, which enqueues them for the next Loop, matching the real
// transport's hand-off.
type FakeTransport struct {
	connected bool
	opts      transport.Options

	// FailConnects makes the next n Connect calls fail.
	FailConnects int
	// FailPublish makes every Publish fail while set.
	FailPublish bool

	ConnectCalls  int
	Publishes     []Published
	Subscriptions []string
	Unsubscribed  []string
}

// NewFakeTransport returns an unconnected fake.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

func (f *FakeTransport) Connect(_ context.Context, opts transport.Options) error {
	f.ConnectCalls++
	if f.FailConnects > 0 {
		f.FailConnects--
		return fmt.Errorf("fake transport: connect refused")
	}
	f.opts = opts
	f.connected = true
	return nil
}

func (f *FakeTransport) Disconnect() {
	f.connected = false
}

func (f *FakeTransport) IsConnected() bool {
	return f.connected
}

func (f *FakeTransport) Publish(topic string, payload []byte, retain bool) error {
	if !f.connected {
		return fmt.Errorf("fake transport: not connected")
	}
	if f.FailPublish {
		return fmt.Errorf("fake transport: publish refused")
	}
	f.Publishes = append(f.Publishes, Published{
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
		Retain:  retain,
	})
	return nil
}

func (f *FakeTransport) Subscribe(topic string) error {
	if !f.connected {
		return fmt.Errorf("fake transport: not connected")
	}
	for _, t := range f.Subscriptions {
		if t == topic {
			return nil
		}
	}
	f.Subscriptions = append(f.Subscriptions, topic)
	return nil
}

func (f *FakeTransport) Unsubscribe(topics ...string) error {
	f.Unsubscribed = append(f.Unsubscribed, topics...)
	for _, topic := range topics {
		for i, t := range f.Subscriptions {
			if t == topic {
				f.Subscriptions = append(f.Subscriptions[:i], f.Subscriptions[i+1:]...)
				break
			}
		}
	}
	return nil
}

// Options returns the options of the most recent Connect.
func (f *FakeTransport) Options() transport.Options {
	return f.opts
}

// Inject delivers an inbound message to the connect-time handler.
func (f *FakeTransport) Inject(topic, payload string) {
	if f.opts.OnMessage != nil {
		f.opts.OnMessage(transport.Message{Topic: topic, Payload: []byte(payload)})
	}
}

// Drop simulates a broken link without clearing recorded traffic.
func (f *FakeTransport) Drop() {
	f.connected = false
}

// To returns every recorded publish on a topic.
func (f *FakeTransport) To(topic string) []Published {
	var out []Published
	for _, p := range f.Publishes {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// Last returns the most recent publish on a topic, or nil.
func (f *FakeTransport) Last(topic string) *Published {
	msgs := f.To(topic)
	if len(msgs) == 0 {
		return nil
	}
	return &msgs[len(msgs)-1]
}

// Subscribed reports whether the topic filter is currently subscribed.
func (f *FakeTransport) Subscribed(topic string) bool {
	for _, t := range f.Subscriptions {
		if t == topic {
			return true
		}
	}
	return false
}

// Reset clears recorded traffic, keeping the connection state.
func (f *FakeTransport) Reset() {
	f.Publishes = nil
	f.Unsubscribed = nil
}

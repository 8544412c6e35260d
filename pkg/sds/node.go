// Package sds maintains topic-addressed replicated state between an owner
// node and a fleet of device nodes over MQTT.
//
// Each replicated datum is a named table with up to three sections: config
// (owner to devices, retained), state (device to owner) and status (per
// device, with liveness heartbeats). A Node owns the transport connection,
// the table registrations with their shadow buffers, and the reconnect
// controller; Loop drives one cooperative tick of change detection,
// publishing, dispatch and eviction.
package sds

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/pmonclus/sds/pkg/audit"
	"github.com/pmonclus/sds/pkg/sds/jsonenc"
	"github.com/pmonclus/sds/pkg/sds/schema"
	"github.com/pmonclus/sds/pkg/sds/transport"
	"github.com/pmonclus/sds/pkg/util"
)

// Role binds a registration to one side of the replication protocol.
type Role int

const (
	// RoleOwner publishes config and aggregates device state and status.
	RoleOwner Role = iota + 1
	// RoleDevice receives config and publishes state and status.
	RoleDevice
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleDevice:
		return "device"
	}
	return "invalid"
}

// Fixed capacities of a node.
const (
	MaxTables        = 16
	MaxTypeLen       = 32
	MaxNodeIDLen     = 32
	MaxBrokerLen     = 127
	MaxCredentialLen = 63

	// DefaultMaxPayload is the serialization buffer (and shadow) capacity
	// when Config.MaxPayload is zero.
	DefaultMaxPayload = 1024

	// DefaultSchemaVersion is used when Config.SchemaVersion is empty.
	DefaultSchemaVersion = "1.0.0"

	inboundQueueLen = 256
)

// Config configures a Node.
type Config struct {
	// NodeID identifies this node on the wire. Auto-generated as
	// "node_XXXXXXXX" when empty.
	NodeID string `yaml:"node_id"`

	// Broker is the MQTT broker host. Required.
	Broker string `yaml:"mqtt_broker"`

	// Port is the MQTT broker port. Defaults to 1883.
	Port uint16 `yaml:"mqtt_port"`

	// Username and Password enable broker authentication when Username is
	// non-empty.
	Username string `yaml:"mqtt_username"`
	Password string `yaml:"mqtt_password"`

	// EvictionGrace is how long an offline device's status slot is kept
	// before it is freed. Zero disables eviction.
	EvictionGrace time.Duration `yaml:"eviction_grace"`

	// EnableDeltaSync turns on field-level change transmission for config
	// and state sections.
	EnableDeltaSync bool `yaml:"enable_delta_sync"`

	// DeltaFloatTolerance treats float fields whose absolute change is at
	// or below the tolerance as unchanged during delta sync.
	DeltaFloatTolerance float32 `yaml:"delta_float_tolerance"`

	// SchemaVersion is stamped into status payloads as "sv".
	SchemaVersion string `yaml:"schema_version"`

	// RearmEvictionOnOffline controls whether a repeated offline status for
	// an already eviction-pending slot resets the eviction deadline. Nil
	// means true, matching the historical behavior.
	RearmEvictionOnOffline *bool `yaml:"rearm_eviction_on_offline"`

	// MaxPayload is the serialization buffer capacity in bytes. Defaults
	// to DefaultMaxPayload.
	MaxPayload int `yaml:"max_payload"`
}

// Callbacks are the application-facing notification hooks. All callbacks
// run synchronously on the goroutine driving Loop.
type Callbacks struct {
	OnConfigUpdate func(tableType string)
	OnStateUpdate  func(tableType, fromNode string)
	OnStatusUpdate func(tableType, fromNode string)
	OnError        func(err error, context string)

	// OnVersionMismatch decides whether a status payload with a foreign
	// schema version is accepted. When nil, mismatches are accepted with a
	// warning.
	OnVersionMismatch func(tableType, fromNode, localVersion, remoteVersion string) bool

	OnDeviceEvicted func(tableType, nodeID string)
}

// Stats is a snapshot of the node's counters.
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	ReconnectCount   uint64
	Errors           uint64
}

// Node is one participant in the replication protocol. A Node is not safe
// for concurrent use: every operation must run on the same goroutine that
// drives Loop.
type Node struct {
	cfg Config
	id  string
	cb  Callbacks

	clk   clock.Clock
	start time.Time

	tr       transport.Client
	registry *schema.Registry
	tables   []*tableContext
	inbound  chan transport.Message

	initialized   bool
	lwtSubscribed bool

	recon reconnectState

	auditLog audit.Logger

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	reconnectCount   atomic.Uint64
	errorCount       atomic.Uint64
}

// Option customizes a Node at construction.
type Option func(*Node)

// WithTransport replaces the default Paho transport. Used by tests and by
// applications embedding their own client.
func WithTransport(tr transport.Client) Option {
	return func(n *Node) { n.tr = tr }
}

// WithClock replaces the wall clock, enabling deterministic tests.
func WithClock(clk clock.Clock) Option {
	return func(n *Node) { n.clk = clk }
}

// WithCallbacks installs the notification hooks.
func WithCallbacks(cb Callbacks) Option {
	return func(n *Node) { n.cb = cb }
}

// WithRegistry installs the table metadata registry consulted by Register.
func WithRegistry(reg *schema.Registry) Option {
	return func(n *Node) { n.registry = reg }
}

// WithAudit records sync events to the given audit logger.
func WithAudit(l audit.Logger) Option {
	return func(n *Node) { n.auditLog = l }
}

// NewNode validates the configuration and builds an unconnected node.
func NewNode(cfg Config, opts ...Option) (*Node, error) {
	var v util.ValidationBuilder
	v.Add(cfg.Broker != "", "mqtt broker is required")
	v.Add(len(cfg.Broker) <= MaxBrokerLen, "mqtt broker exceeds 127 bytes")
	v.Add(len(cfg.Username) <= MaxCredentialLen, "mqtt username exceeds 63 bytes")
	v.Add(len(cfg.Password) <= MaxCredentialLen, "mqtt password exceeds 63 bytes")
	v.Add(len(cfg.NodeID) <= MaxNodeIDLen, "node id exceeds 32 bytes")
	v.Add(cfg.MaxPayload >= 0, "max payload must not be negative")
	if err := v.Build(); err != nil {
		return nil, err
	}

	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = DefaultSchemaVersion
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.NodeID == "" {
		cfg.NodeID = generateNodeID()
	}

	n := &Node{
		cfg:      cfg,
		id:       cfg.NodeID,
		clk:      clock.New(),
		registry: schema.NewRegistry(),
		inbound:  make(chan transport.Message, inboundQueueLen),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.tr == nil {
		n.tr = transport.NewPahoClient()
	}
	n.start = n.clk.Now()
	return n, nil
}

// generateNodeID derives "node_XXXXXXXX" from a fresh UUID.
func generateNodeID() string {
	id := uuid.New()
	return fmt.Sprintf("node_%x", id[:4])
}

// ID returns the node's wire identity.
func (n *Node) ID() string { return n.id }

// Registry returns the table metadata registry consulted by Register.
func (n *Node) Registry() *schema.Registry { return n.registry }

// SchemaVersion returns the version string stamped into status payloads.
func (n *Node) SchemaVersion() string { return n.cfg.SchemaVersion }

// nowMs returns monotonic milliseconds since the node was constructed.
func (n *Node) nowMs() int64 {
	return n.clk.Now().Sub(n.start).Milliseconds()
}

// Connect dials the broker, registering the last-will message, and marks
// the node initialized. Inbound messages are queued and drained by Loop.
func (n *Node) Connect(ctx context.Context) error {
	if n.initialized {
		return util.ErrAlreadyInitialized
	}
	if err := n.tr.Connect(ctx, n.connectOptions()); err != nil {
		return err
	}
	n.initialized = true
	n.lwtSubscribed = false
	util.WithNode(n.id).WithField("broker", n.cfg.Broker).Info("connected")
	return nil
}

// connectOptions builds the transport options, including the LWT payload
// the broker publishes on ungraceful disconnect.
func (n *Node) connectOptions() transport.Options {
	return transport.Options{
		BrokerHost: n.cfg.Broker,
		BrokerPort: n.cfg.Port,
		ClientID:   n.id,
		Username:   n.cfg.Username,
		Password:   n.cfg.Password,
		Will: &transport.Will{
			Topic:   lwtTopic(n.id),
			Payload: n.lwtPayload(0),
			Retain:  true,
		},
		OnMessage: n.enqueue,
	}
}

// enqueue hands an inbound message to the engine thread. Called from the
// transport's delivery goroutine; a full queue drops the message.
func (n *Node) enqueue(msg transport.Message) {
	select {
	case n.inbound <- msg:
	default:
		n.errorCount.Add(1)
		util.WithTopic(msg.Topic).Warn("inbound queue full, dropping message")
	}
}

// Shutdown unsubscribes every active table, publishes the graceful retained
// offline LWT so the broker will not fire the session will, disconnects and
// marks the node uninitialized.
func (n *Node) Shutdown() error {
	if !n.initialized {
		return util.ErrNotInitialized
	}
	for _, tc := range n.tables {
		if tc.active {
			n.unsubscribeTable(tc)
			tc.active = false
		}
	}
	n.tables = nil
	if n.tr.IsConnected() {
		if err := n.tr.Publish(lwtTopic(n.id), n.lwtPayload(uint64(n.nowMs())), true); err != nil {
			util.WithNode(n.id).Warnf("graceful offline publish failed: %v", err)
		}
	}
	n.tr.Disconnect()
	n.initialized = false
	n.audit(audit.EventDisconnect, "", "", "graceful shutdown")
	util.WithNode(n.id).Info("shut down")
	return nil
}

// lwtPayload builds {"online":false,"node":"<id>","ts":<ts>}.
func (n *Node) lwtPayload(ts uint64) []byte {
	w := jsonenc.NewWriter(n.cfg.MaxPayload)
	w.StartObject()
	w.AddBool("online", false)
	w.AddString("node", n.id)
	w.AddUint("ts", ts)
	w.EndObject()
	return append([]byte(nil), w.Bytes()...)
}

// Stats returns a snapshot of the node's counters. Safe to call from any
// goroutine.
func (n *Node) Stats() Stats {
	return Stats{
		MessagesSent:     n.messagesSent.Load(),
		MessagesReceived: n.messagesReceived.Load(),
		ReconnectCount:   n.reconnectCount.Load(),
		Errors:           n.errorCount.Load(),
	}
}

// TableCount returns the number of active registrations.
func (n *Node) TableCount() int {
	count := 0
	for _, tc := range n.tables {
		if tc.active {
			count++
		}
	}
	return count
}

// Connected reports the transport link state.
func (n *Node) Connected() bool {
	return n.initialized && n.tr.IsConnected()
}

// reportError surfaces an asynchronous fault through the error callback and
// the errors counter. Loop never returns errors upward.
func (n *Node) reportError(err error, context string) {
	n.errorCount.Add(1)
	util.WithNode(n.id).WithField("context", context).Warn(err)
	if n.cb.OnError != nil {
		n.cb.OnError(err, context)
	}
}

// rearmEviction reports whether a repeated offline event resets the
// eviction deadline.
func (n *Node) rearmEviction() bool {
	if n.cfg.RearmEvictionOnOffline == nil {
		return true
	}
	return *n.cfg.RearmEvictionOnOffline
}

// audit records a sync event when an audit logger is installed.
func (n *Node) audit(eventType audit.EventType, tableType, peer, detail string) {
	if n.auditLog == nil {
		return
	}
	ev := audit.NewEvent(eventType, n.id)
	ev.Table = tableType
	ev.Peer = peer
	ev.Detail = detail
	if err := n.auditLog.Log(ev); err != nil {
		util.WithNode(n.id).Warnf("audit log write failed: %v", err)
	}
}

// Run drives Loop at the given cadence until ctx is cancelled, then shuts
// the node down.
func (n *Node) Run(ctx context.Context, interval time.Duration) error {
	if !n.initialized {
		return util.ErrNotInitialized
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := n.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return n.Shutdown()
		case <-ticker.C:
			n.Loop()
		}
	}
}

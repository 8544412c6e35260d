package sds

import (
	"github.com/pmonclus/sds/pkg/audit"
	"github.com/pmonclus/sds/pkg/sds/jsonenc"
	"github.com/pmonclus/sds/pkg/sds/transport"
	"github.com/pmonclus/sds/pkg/util"
)

// dispatch routes one inbound message. Every message entering the
// dispatcher counts toward messages_received, including ones that are
// subsequently dropped.
func (n *Node) dispatch(msg transport.Message) {
	n.messagesReceived.Add(1)

	kind, tableType, nodeID := parseTopic(msg.Topic)
	switch kind {
	case inboundLWT:
		n.handleLWT(nodeID, msg.Payload)
		return
	case inboundInvalid:
		util.WithTopic(msg.Topic).Debug("dropping unroutable topic")
		return
	}

	tc := n.findTable(tableType)
	if tc == nil {
		util.WithTopic(msg.Topic).WithField("table", tableType).Debug("dropping message for unknown table")
		return
	}

	switch kind {
	case inboundConfig:
		n.handleConfig(tc, msg.Payload)
	case inboundState:
		n.handleState(tc, msg.Payload)
	case inboundStatus:
		n.handleStatus(tc, nodeID, msg.Payload)
	}
}

// handleConfig applies an owner-published config onto a device
// registration. Malformed payloads are dropped without touching the local
// section or firing the callback.
func (n *Node) handleConfig(tc *tableContext, payload []byte) {
	if tc.role != RoleDevice || !tc.config.present() {
		return
	}
	b := tc.config
	if err := b.codec.Decode(jsonenc.NewReader(payload), b.value); err != nil {
		util.WithTable(tc.typeName).Debugf("dropping malformed config: %v", err)
		return
	}
	// The shadow tracks the applied config so the next tick does not treat
	// the inbound write as a local change.
	if err := b.section.Image(b.shadow, b.value); err != nil {
		n.reportError(err, "config shadow")
		return
	}
	n.audit(audit.EventReceive, tc.typeName, "", "config")
	if tc.onConfig != nil {
		tc.onConfig(tc.typeName)
	} else if n.cb.OnConfigUpdate != nil {
		n.cb.OnConfigUpdate(tc.typeName)
	}
}

// handleState applies a device-published state onto an owner aggregate.
// The node's own state echoes are suppressed.
func (n *Node) handleState(tc *tableContext, payload []byte) {
	if tc.role != RoleOwner || !tc.state.present() {
		return
	}
	r := jsonenc.NewReader(payload)
	from, ok := r.GetString("node", MaxNodeIDLen)
	if !ok {
		util.WithTable(tc.typeName).Debug("dropping state without node origin")
		return
	}
	if from == n.id {
		return
	}

	b := tc.state
	if err := b.codec.Decode(r, b.value); err != nil {
		util.WithTable(tc.typeName).WithField("node", from).Debugf("dropping malformed state: %v", err)
		return
	}
	if err := b.section.Image(b.shadow, b.value); err != nil {
		n.reportError(err, "state shadow")
		return
	}
	n.audit(audit.EventReceive, tc.typeName, from, "state")
	if tc.onState != nil {
		tc.onState(tc.typeName, from)
	} else if n.cb.OnStateUpdate != nil {
		n.cb.OnStateUpdate(tc.typeName, from)
	}
}

// handleStatus ingests a device status into the owner's slot for the
// origin node: version gate, slot find-or-alloc, liveness stamping, then
// payload decode for online beats.
func (n *Node) handleStatus(tc *tableContext, from string, payload []byte) {
	if tc.role != RoleOwner || tc.slots == nil {
		return
	}
	if from == "" || len(from) > MaxNodeIDLen {
		return
	}
	r := jsonenc.NewReader(payload)

	if remote, ok := r.GetString("sv", 32); ok && remote != n.cfg.SchemaVersion {
		if n.cb.OnVersionMismatch != nil {
			if !n.cb.OnVersionMismatch(tc.typeName, from, n.cfg.SchemaVersion, remote) {
				util.WithTable(tc.typeName).WithField("node", from).Debugf(
					"rejecting status with schema version %s", remote)
				return
			}
		} else {
			util.WithTable(tc.typeName).WithField("node", from).Warnf(
				"accepting status with schema version %s, local %s", remote, n.cfg.SchemaVersion)
		}
	}

	now := n.nowMs()
	s := tc.allocSlot(from, now)
	if s == nil {
		util.WithTable(tc.typeName).WithField("node", from).Warn("status slots exhausted, payload not stored")
		n.fireStatus(tc, from)
		return
	}

	online, ok := r.GetBool("online")
	if !ok {
		online = true
	}

	if online {
		s.markOnline(now)
		if tc.statusCodec != nil {
			if err := tc.statusCodec.Decode(r, s.status); err != nil {
				util.WithTable(tc.typeName).WithField("node", from).Debugf("status payload not applied: %v", err)
			} else if tc.statusSection != nil {
				if err := tc.statusSection.Image(s.image, s.status); err != nil {
					n.reportError(err, "status image")
				}
			}
		}
	} else {
		s.markOffline(now, n.cfg.EvictionGrace, n.rearmEviction())
	}

	n.audit(audit.EventReceive, tc.typeName, from, "status")
	n.fireStatus(tc, from)
}

// handleLWT marks the origin node offline in every owner table that has a
// slot for it. Unknown nodes are ignored.
func (n *Node) handleLWT(nodeID string, payload []byte) {
	if nodeID == "" || len(nodeID) > MaxNodeIDLen {
		return
	}
	// Payloads that carry online:true are ignored; only offline messages
	// transition slots.
	if online, ok := jsonenc.NewReader(payload).GetBool("online"); ok && online {
		return
	}
	now := n.nowMs()
	for _, tc := range n.tables {
		if !tc.active || tc.role != RoleOwner || tc.slots == nil {
			continue
		}
		s := tc.findSlot(nodeID)
		if s == nil {
			continue
		}
		s.markOffline(now, n.cfg.EvictionGrace, n.rearmEviction())
		n.audit(audit.EventReceive, tc.typeName, nodeID, "lwt")
		util.WithTable(tc.typeName).WithField("node", nodeID).Info("device reported offline")
		n.fireStatus(tc, nodeID)
	}
}

// fireStatus invokes the per-table or global status callback.
func (n *Node) fireStatus(tc *tableContext, from string) {
	if tc.onStatus != nil {
		tc.onStatus(tc.typeName, from)
	} else if n.cb.OnStatusUpdate != nil {
		n.cb.OnStatusUpdate(tc.typeName, from)
	}
}

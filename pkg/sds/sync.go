package sds

import (
	"bytes"
	"math"

	"github.com/pmonclus/sds/pkg/audit"
	"github.com/pmonclus/sds/pkg/sds/jsonenc"
	"github.com/pmonclus/sds/pkg/sds/schema"
	"github.com/pmonclus/sds/pkg/util"
)

// Loop runs one cooperative tick: drain queued inbound messages, reconnect
// if the link dropped, run change detection and publishing for every due
// table, and fire expired eviction deadlines. Loop never returns an error;
// asynchronous faults go through the error callback.
func (n *Node) Loop() {
	if !n.initialized {
		return
	}

	n.drainInbound()

	if !n.tr.IsConnected() {
		n.reconnect()
	} else {
		now := n.nowMs()
		for _, tc := range n.tables {
			if tc.active {
				n.syncTable(tc, now)
			}
		}
	}

	n.evictionScan()
}

// drainInbound dispatches every queued message on the engine goroutine.
func (n *Node) drainInbound() {
	for {
		select {
		case msg := <-n.inbound:
			n.dispatch(msg)
		default:
			return
		}
	}
}

// syncTable runs the per-table tick: when the sync interval elapsed,
// compare each section image against its shadow and publish in the fixed
// order config, state, status.
func (n *Node) syncTable(tc *tableContext, now int64) {
	if now-tc.lastSyncMs < tc.syncInterval.Milliseconds() {
		return
	}
	tc.lastSyncMs = now

	if tc.role == RoleOwner && tc.config.present() {
		n.publishConfig(tc, now, false)
	}
	if tc.role == RoleDevice && tc.state.present() {
		n.publishState(tc, now)
	}
	if tc.role == RoleDevice && tc.status.present() {
		n.publishStatus(tc, now)
	}
}

// publishConfig emits the retained config message when the section image
// moved away from its shadow.
func (n *Node) publishConfig(tc *tableContext, now int64, force bool) {
	b := tc.config
	changed, fields, err := n.detectChange(b)
	if err != nil {
		n.reportError(err, "config image")
		return
	}
	if !changed && !force {
		return
	}
	if force {
		fields = nil // initial emission always carries the whole object
	}

	w := jsonenc.NewWriter(n.cfg.MaxPayload)
	w.StartObject()
	w.AddUint("ts", uint64(now))
	w.AddString("from", n.id)
	if err := n.encodeSection(w, b, fields); err != nil {
		n.reportError(util.NewPublishError(tc.typeName, configTopic(tc.typeName), "config", err), "config serialize")
		return
	}
	w.EndObject()
	if w.Err() != nil {
		n.reportError(util.NewPublishError(tc.typeName, configTopic(tc.typeName), "config", util.ErrBufferFull), "config serialize")
		return
	}

	if err := n.tr.Publish(configTopic(tc.typeName), w.Bytes(), true); err != nil {
		n.reportError(util.NewPublishError(tc.typeName, configTopic(tc.typeName), "config", err), "config publish")
		return
	}
	copy(b.shadow, b.scratch)
	n.messagesSent.Add(1)
	tc.lastPublishMs = now
	n.audit(audit.EventPublish, tc.typeName, "", "config")
}

// publishState emits the non-retained state message when changed.
func (n *Node) publishState(tc *tableContext, now int64) {
	b := tc.state
	changed, fields, err := n.detectChange(b)
	if err != nil {
		n.reportError(err, "state image")
		return
	}
	if !changed {
		return
	}

	w := jsonenc.NewWriter(n.cfg.MaxPayload)
	w.StartObject()
	w.AddUint("ts", uint64(now))
	w.AddString("node", n.id)
	if err := n.encodeSection(w, b, fields); err != nil {
		n.reportError(util.NewPublishError(tc.typeName, stateTopic(tc.typeName), "state", err), "state serialize")
		return
	}
	w.EndObject()
	if w.Err() != nil {
		n.reportError(util.NewPublishError(tc.typeName, stateTopic(tc.typeName), "state", util.ErrBufferFull), "state serialize")
		return
	}

	if err := n.tr.Publish(stateTopic(tc.typeName), w.Bytes(), false); err != nil {
		n.reportError(util.NewPublishError(tc.typeName, stateTopic(tc.typeName), "state", err), "state publish")
		return
	}
	copy(b.shadow, b.scratch)
	n.messagesSent.Add(1)
	tc.lastPublishMs = now
	n.audit(audit.EventPublish, tc.typeName, "", "state")
}

// publishStatus emits the per-node status message when the section changed
// or the liveness heartbeat is due. Heartbeats always carry the whole
// object; only change-driven beats may shrink to a delta.
func (n *Node) publishStatus(tc *tableContext, now int64) {
	b := tc.status
	changed, fields, err := n.detectChange(b)
	if err != nil {
		n.reportError(err, "status image")
		return
	}
	heartbeat := tc.livenessInterval > 0 && now-tc.lastPublishMs >= tc.livenessInterval.Milliseconds()
	if !changed && !heartbeat {
		return
	}
	if heartbeat {
		fields = nil // whole object
	}

	topic := statusTopic(tc.typeName, n.id)
	w := jsonenc.NewWriter(n.cfg.MaxPayload)
	w.StartObject()
	w.AddUint("ts", uint64(now))
	w.AddBool("online", true)
	w.AddString("sv", n.cfg.SchemaVersion)
	if err := n.encodeSection(w, b, fields); err != nil {
		n.reportError(util.NewPublishError(tc.typeName, topic, "status", err), "status serialize")
		return
	}
	w.EndObject()
	if w.Err() != nil {
		n.reportError(util.NewPublishError(tc.typeName, topic, "status", util.ErrBufferFull), "status serialize")
		return
	}

	if err := n.tr.Publish(topic, w.Bytes(), false); err != nil {
		n.reportError(util.NewPublishError(tc.typeName, topic, "status", err), "status publish")
		return
	}
	copy(b.shadow, b.scratch)
	n.messagesSent.Add(1)
	tc.lastPublishMs = now
	n.audit(audit.EventPublish, tc.typeName, "", "status")
}

// detectChange images the section into its scratch buffer and compares
// against the shadow. Under delta sync the changed field subset is
// returned; float fields inside the tolerance do not count as changes.
func (n *Node) detectChange(b *sectionBinding) (bool, []schema.Field, error) {
	if err := b.section.Image(b.scratch, b.value); err != nil {
		return false, nil, err
	}
	if !n.cfg.EnableDeltaSync {
		return !bytes.Equal(b.scratch, b.shadow), nil, nil
	}

	var fields []schema.Field
	for _, f := range b.section.Fields {
		cur := b.scratch[f.Offset : f.Offset+f.Size]
		old := b.shadow[f.Offset : f.Offset+f.Size]
		if bytes.Equal(cur, old) {
			continue
		}
		if f.Kind == schema.Float32 {
			delta := float64(schema.Float32At(b.scratch, f) - schema.Float32At(b.shadow, f))
			if math.Abs(delta) <= float64(n.cfg.DeltaFloatTolerance) {
				continue
			}
		}
		fields = append(fields, f)
	}
	return len(fields) > 0, fields, nil
}

// encodeSection appends the section fields, restricted to the delta subset
// when one was computed. Custom codecs always encode the whole object; the
// field subset only applies to the schema codec.
func (n *Node) encodeSection(w *jsonenc.Writer, b *sectionBinding, fields []schema.Field) error {
	if fields == nil {
		return b.codec.Encode(w, b.value)
	}
	include := make(map[string]bool, len(fields))
	for _, f := range fields {
		include[f.Name] = true
	}
	if sec, ok := b.codec.(*schema.Section); ok {
		return sec.EncodeFiltered(w, b.value, func(f schema.Field) bool { return include[f.Name] })
	}
	return b.codec.Encode(w, b.value)
}

// evictionScan fires expired eviction deadlines on every owner table.
func (n *Node) evictionScan() {
	if n.cfg.EvictionGrace <= 0 {
		return
	}
	now := n.nowMs()
	for _, tc := range n.tables {
		if !tc.active || tc.role != RoleOwner || tc.slots == nil {
			continue
		}
		for i := range tc.slots {
			s := &tc.slots[i]
			if !s.valid || !s.evictionPending || now < s.deadlineMs {
				continue
			}
			nodeID := s.nodeID
			tc.evict(s)
			n.audit(audit.EventEvict, tc.typeName, nodeID, "")
			util.WithTable(tc.typeName).WithField("node", nodeID).Info("device evicted")
			if tc.onDeviceEvicted != nil {
				tc.onDeviceEvicted(tc.typeName, nodeID)
			} else if n.cb.OnDeviceEvicted != nil {
				n.cb.OnDeviceEvicted(tc.typeName, nodeID)
			}
		}
	}
}

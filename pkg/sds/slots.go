package sds

import (
	"fmt"
	"time"

	"github.com/pmonclus/sds/pkg/util"
)

// slot is one owner-side status entry for a device. Slots are unordered; a
// slot is free iff valid is false. At most one valid slot carries a given
// node id within a table.
type slot struct {
	nodeID          string
	valid           bool
	online          bool
	evictionPending bool
	lastSeenMs      int64
	deadlineMs      int64

	status interface{} // decoded status struct pointer
	image  []byte      // packed status image
}

// findSlot scans the valid slots for a node id.
func (tc *tableContext) findSlot(nodeID string) *slot {
	for i := range tc.slots {
		s := &tc.slots[i]
		if s.valid && s.nodeID == nodeID {
			return s
		}
	}
	return nil
}

// allocSlot returns the existing slot for nodeID, or claims the first free
// one. Returns nil when the array is full.
func (tc *tableContext) allocSlot(nodeID string, nowMs int64) *slot {
	if s := tc.findSlot(nodeID); s != nil {
		return s
	}
	for i := range tc.slots {
		s := &tc.slots[i]
		if s.valid {
			continue
		}
		*s = slot{
			nodeID:     nodeID,
			valid:      true,
			online:     true,
			lastSeenMs: nowMs,
		}
		if tc.statusSection != nil {
			s.status = tc.statusSection.NewValue()
			s.image = make([]byte, tc.statusSection.Size)
		}
		tc.slotCount++
		return s
	}
	return nil
}

// evict frees a slot and decrements the count.
func (tc *tableContext) evict(s *slot) {
	s.valid = false
	s.nodeID = ""
	s.evictionPending = false
	tc.slotCount--
}

// markOffline transitions a slot to offline and arms eviction when a grace
// window is configured. rearm controls whether an already pending deadline
// is pushed out again.
func (s *slot) markOffline(nowMs int64, grace time.Duration, rearm bool) {
	s.online = false
	s.lastSeenMs = nowMs
	if grace <= 0 {
		return
	}
	if s.evictionPending && !rearm {
		return
	}
	s.evictionPending = true
	s.deadlineMs = nowMs + grace.Milliseconds()
}

// markOnline records a fresh status, cancelling any pending eviction.
func (s *slot) markOnline(nowMs int64) {
	s.online = true
	s.lastSeenMs = nowMs
	s.evictionPending = false
	s.deadlineMs = 0
}

// DeviceInfo is a read-only snapshot of one status slot.
type DeviceInfo struct {
	NodeID          string
	Online          bool
	EvictionPending bool
	LastSeen        time.Duration // age relative to now
	Status          interface{}
}

// IsOnline reports whether a device's slot exists, is online, and was seen
// within the timeout.
func (n *Node) IsOnline(typeName, nodeID string, timeout time.Duration) bool {
	tc := n.findTable(typeName)
	if tc == nil || tc.role != RoleOwner {
		return false
	}
	s := tc.findSlot(nodeID)
	if s == nil || !s.online {
		return false
	}
	return n.nowMs()-s.lastSeenMs < timeout.Milliseconds()
}

// ForEachDevice iterates the valid slots of an owner table. The iteration
// stops when fn returns false. The status value is the slot's live decoded
// struct; callers must not retain it across Loop calls.
func (n *Node) ForEachDevice(typeName string, fn func(nodeID string, status interface{}) bool) error {
	tc := n.findTable(typeName)
	if tc == nil {
		return fmt.Errorf("%w: %s", util.ErrTableNotFound, typeName)
	}
	if tc.role != RoleOwner {
		return fmt.Errorf("%w: %s is not registered as owner", util.ErrInvalidRole, typeName)
	}
	for i := range tc.slots {
		s := &tc.slots[i]
		if !s.valid {
			continue
		}
		if !fn(s.nodeID, s.status) {
			break
		}
	}
	return nil
}

// DeviceCount returns the number of valid slots in an owner table.
func (n *Node) DeviceCount(typeName string) int {
	tc := n.findTable(typeName)
	if tc == nil {
		return 0
	}
	return tc.slotCount
}

// Devices returns a snapshot of an owner table's slots for display.
func (n *Node) Devices(typeName string) []DeviceInfo {
	tc := n.findTable(typeName)
	if tc == nil || tc.role != RoleOwner {
		return nil
	}
	now := n.nowMs()
	var out []DeviceInfo
	for i := range tc.slots {
		s := &tc.slots[i]
		if !s.valid {
			continue
		}
		out = append(out, DeviceInfo{
			NodeID:          s.nodeID,
			Online:          s.online,
			EvictionPending: s.evictionPending,
			LastSeen:        time.Duration(now-s.lastSeenMs) * time.Millisecond,
			Status:          s.status,
		})
	}
	return out
}

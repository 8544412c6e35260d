package sds

import (
	"context"
	"fmt"

	"github.com/pmonclus/sds/pkg/audit"
	"github.com/pmonclus/sds/pkg/util"
)

// Reconnect backoff bounds.
const (
	reconnectBackoffStartMs = 1000
	reconnectBackoffCapMs   = 60000
)

// reconnectState tracks the exponential backoff between attempts. A zero
// backoff means the next disconnected tick attempts immediately.
type reconnectState struct {
	backoffMs     int64
	lastAttemptMs int64
}

// reconnect runs one step of the reconnect controller. Called from Loop
// whenever the transport reports a broken link.
func (n *Node) reconnect() {
	now := n.nowMs()
	if now-n.recon.lastAttemptMs < n.recon.backoffMs {
		return
	}
	n.recon.lastAttemptMs = now

	// Each attempt rebuilds the will so the broker re-registers it for the
	// new session.
	err := n.tr.Connect(context.Background(), n.connectOptions())
	if err != nil {
		if n.recon.backoffMs == 0 {
			n.recon.backoffMs = reconnectBackoffStartMs
		} else {
			n.recon.backoffMs *= 2
			if n.recon.backoffMs > reconnectBackoffCapMs {
				n.recon.backoffMs = reconnectBackoffCapMs
			}
		}
		n.reportError(fmt.Errorf("%w: %v", util.ErrMqttDisconnected, err), "Reconnect failed")
		return
	}

	n.recon.backoffMs = 0
	n.reconnectCount.Add(1)
	n.lwtSubscribed = false
	n.resubscribeAll()
	n.audit(audit.EventReconnect, "", "", "")
	util.WithNode(n.id).WithField("broker", n.cfg.Broker).Info("reconnected")
}

// resubscribeAll restores the role-appropriate subscriptions of every
// active table after a new session was established.
func (n *Node) resubscribeAll() {
	for _, tc := range n.tables {
		if !tc.active {
			continue
		}
		if err := n.subscribeTable(tc); err != nil {
			n.reportError(err, "resubscribe")
		}
	}
}

package sds

import (
	"testing"
	"time"
)

func TestDeviceAppliesConfig(t *testing.T) {
	var updates []string
	cb := Callbacks{OnConfigUpdate: func(table string) { updates = append(updates, table) }}
	n, fake, mock := newTestNode(t, Config{NodeID: "d1"}, WithCallbacks(cb))

	table := &sensorTable{}
	if err := n.Register(table, "SensorNode", RoleDevice, nil); err != nil {
		t.Fatal(err)
	}
	if !fake.Subscribed("sds/SensorNode/config") {
		t.Fatal("device must subscribe to the config topic")
	}

	fake.Inject("sds/SensorNode/config", `{"ts":1000,"from":"owner","mode":5,"threshold":35.5}`)
	n.Loop()

	if table.Config.Mode != 5 || table.Config.Threshold != 35.5 {
		t.Errorf("applied config = %+v, want mode 5 threshold 35.5", table.Config)
	}
	if len(updates) != 1 || updates[0] != "SensorNode" {
		t.Errorf("config callback invocations = %v, want one for SensorNode", updates)
	}

	// The shadow matches the applied config, so the next tick does not
	// re-publish it as a local change (devices never publish config, but
	// the shadow invariant still holds).
	mock.Add(1100 * time.Millisecond)
	n.Loop()
	if len(fake.To("sds/SensorNode/config")) != 0 {
		t.Error("device must not publish config")
	}
}

func TestMalformedConfigDropped(t *testing.T) {
	var updates int
	cb := Callbacks{OnConfigUpdate: func(string) { updates++ }}
	n, fake, _ := newTestNode(t, Config{NodeID: "d1"}, WithCallbacks(cb))

	table := &sensorTable{Config: sensorConfig{Mode: 1}}
	if err := n.Register(table, "SensorNode", RoleDevice, nil); err != nil {
		t.Fatal(err)
	}

	fake.Inject("sds/SensorNode/config", `{"mode":`)
	fake.Inject("sds/SensorNode/config", `{"mode":"notanint"}`)
	n.Loop()

	if table.Config.Mode != 1 {
		t.Errorf("malformed config mutated the section: %+v", table.Config)
	}
	if updates != 0 {
		t.Errorf("malformed config fired the callback %d times", updates)
	}
	if n.Stats().MessagesReceived != 2 {
		t.Errorf("MessagesReceived = %d, want 2", n.Stats().MessagesReceived)
	}
}

func TestOwnerReceivesState(t *testing.T) {
	var from []string
	cb := Callbacks{OnStateUpdate: func(_, node string) { from = append(from, node) }}
	n, fake, _ := newTestNode(t, Config{NodeID: "owner1"}, WithCallbacks(cb))

	table := &sensorTable{}
	if err := n.Register(table, "SensorNode", RoleOwner, nil); err != nil {
		t.Fatal(err)
	}
	if !fake.Subscribed("sds/SensorNode/state") || !fake.Subscribed("sds/SensorNode/status/+") {
		t.Fatal("owner must subscribe to state and status")
	}
	if !fake.Subscribed("sds/lwt/+") {
		t.Fatal("owner must subscribe to the LWT wildcard")
	}

	fake.Inject("sds/SensorNode/state", `{"ts":5,"node":"d1","reading":21.5000,"samples":3}`)
	n.Loop()

	if table.State.Reading != 21.5 || table.State.Samples != 3 {
		t.Errorf("aggregate state = %+v", table.State)
	}
	if len(from) != 1 || from[0] != "d1" {
		t.Errorf("state callback origins = %v, want [d1]", from)
	}
}

func TestOwnStateEchoSuppressed(t *testing.T) {
	var fired int
	cb := Callbacks{OnStateUpdate: func(_, _ string) { fired++ }}
	n, fake, _ := newTestNode(t, Config{NodeID: "owner1"}, WithCallbacks(cb))

	table := &sensorTable{}
	if err := n.Register(table, "SensorNode", RoleOwner, nil); err != nil {
		t.Fatal(err)
	}

	fake.Inject("sds/SensorNode/state", `{"ts":5,"node":"owner1","reading":9.0,"samples":1}`)
	n.Loop()

	if fired != 0 {
		t.Error("own-node state echo must never reach the state callback")
	}
	if table.State.Samples != 0 {
		t.Error("own-node state echo must not be applied")
	}
	if n.Stats().MessagesReceived != 1 {
		t.Error("echoes still count as received messages")
	}
}

func TestOwnerStatusSlotCreation(t *testing.T) {
	var statuses []string
	cb := Callbacks{OnStatusUpdate: func(_, node string) { statuses = append(statuses, node) }}
	n, fake, _ := newTestNode(t, Config{NodeID: "owner1"}, WithCallbacks(cb))

	table := &sensorTable{}
	if err := n.Register(table, "SensorNode", RoleOwner, nil); err != nil {
		t.Fatal(err)
	}

	fake.Inject("sds/SensorNode/status/d1", `{"ts":9,"online":true,"sv":"1.0.0","temperature":20.5000,"battery":3200}`)
	n.Loop()

	if n.DeviceCount("SensorNode") != 1 {
		t.Fatalf("DeviceCount = %d, want 1", n.DeviceCount("SensorNode"))
	}
	if len(statuses) != 1 || statuses[0] != "d1" {
		t.Errorf("status callback origins = %v", statuses)
	}

	devices := n.Devices("SensorNode")
	if len(devices) != 1 {
		t.Fatal("expected one device snapshot")
	}
	d := devices[0]
	if d.NodeID != "d1" || !d.Online || d.EvictionPending {
		t.Errorf("device snapshot = %+v", d)
	}
	st, ok := d.Status.(*sensorStatus)
	if !ok {
		t.Fatalf("slot status type = %T", d.Status)
	}
	if st.Temperature != 20.5 || st.Battery != 3200 {
		t.Errorf("stored status = %+v", st)
	}

	if !n.IsOnline("SensorNode", "d1", time.Minute) {
		t.Error("device should report online")
	}
	if n.IsOnline("SensorNode", "d9", time.Minute) {
		t.Error("unknown device must not report online")
	}
}

func TestStatusOnlineDefaultsTrue(t *testing.T) {
	n, fake, _ := newTestNode(t, Config{NodeID: "owner1"})

	table := &sensorTable{}
	if err := n.Register(table, "SensorNode", RoleOwner, nil); err != nil {
		t.Fatal(err)
	}

	fake.Inject("sds/SensorNode/status/d1", `{"ts":9,"sv":"1.0.0","temperature":1.0,"battery":1}`)
	n.Loop()

	devices := n.Devices("SensorNode")
	if len(devices) != 1 || !devices[0].Online {
		t.Errorf("missing online flag should default to true: %+v", devices)
	}
}

func TestStatusSlotSaturation(t *testing.T) {
	var statuses []string
	cb := Callbacks{OnStatusUpdate: func(_, node string) { statuses = append(statuses, node) }}
	n, fake, _ := newTestNode(t, Config{NodeID: "owner1"}, WithCallbacks(cb))

	meta := n.registry.Find("SensorNode")
	reg := &Registration{
		Type:          "SensorNode",
		Role:          RoleOwner,
		StatusSection: meta.Status,
		MaxSlots:      3,
	}
	if err := n.RegisterEx(reg); err != nil {
		t.Fatalf("RegisterEx: %v", err)
	}

	for _, id := range []string{"d1", "d2", "d3", "d4"} {
		fake.Inject("sds/SensorNode/status/"+id, `{"online":true,"sv":"1.0.0","temperature":1.0,"battery":1}`)
	}
	n.Loop()

	if n.DeviceCount("SensorNode") != 3 {
		t.Errorf("DeviceCount = %d, want 3 (count never exceeds max slots)", n.DeviceCount("SensorNode"))
	}
	if len(statuses) != 4 || statuses[3] != "d4" {
		t.Errorf("status callbacks = %v, want d1..d4 (saturated status still fires)", statuses)
	}
	for _, d := range n.Devices("SensorNode") {
		if d.NodeID == "d4" {
			t.Error("d4 must not hold a slot")
		}
	}
}

func TestVersionMismatch(t *testing.T) {
	tests := []struct {
		name     string
		accept   bool
		nilCb    bool
		wantSlot bool
	}{
		{"callback rejects", false, false, false},
		{"callback accepts", true, false, true},
		{"no callback accepts with warning", false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen [2]string
			cb := Callbacks{}
			if !tt.nilCb {
				cb.OnVersionMismatch = func(_, _, local, remote string) bool {
					seen[0], seen[1] = local, remote
					return tt.accept
				}
			}
			n, fake, _ := newTestNode(t, Config{NodeID: "owner1"}, WithCallbacks(cb))

			table := &sensorTable{}
			if err := n.Register(table, "SensorNode", RoleOwner, nil); err != nil {
				t.Fatal(err)
			}

			fake.Inject("sds/SensorNode/status/d1", `{"online":true,"sv":"9.9.9","temperature":1.0,"battery":1}`)
			n.Loop()

			if got := n.DeviceCount("SensorNode") == 1; got != tt.wantSlot {
				t.Errorf("slot created = %v, want %v", got, tt.wantSlot)
			}
			if !tt.nilCb && (seen[0] != DefaultSchemaVersion || seen[1] != "9.9.9") {
				t.Errorf("mismatch callback saw %v", seen)
			}
		})
	}
}

func TestUnknownTableAndBadTopics(t *testing.T) {
	n, fake, _ := newTestNode(t, Config{NodeID: "owner1"})

	fake.Inject("sds/Unknown/config", `{}`)
	fake.Inject("sds//config", `{}`)
	fake.Inject("other/SensorNode/config", `{}`)
	fake.Inject("sds/SensorNode/bogus", `{}`)
	n.Loop()

	if n.Stats().MessagesReceived != 4 {
		t.Errorf("MessagesReceived = %d, want 4", n.Stats().MessagesReceived)
	}
}

func TestUnregisterDropsSubscriptions(t *testing.T) {
	n, fake, _ := newTestNode(t, Config{NodeID: "d1"})

	table := &sensorTable{}
	if err := n.Register(table, "SensorNode", RoleDevice, nil); err != nil {
		t.Fatal(err)
	}
	if err := n.Unregister("SensorNode"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if fake.Subscribed("sds/SensorNode/config") {
		t.Error("unregister must unsubscribe the config topic")
	}
	if n.TableCount() != 0 {
		t.Errorf("TableCount = %d, want 0", n.TableCount())
	}

	// Inbound for the unregistered table is dropped but counted.
	fake.Inject("sds/SensorNode/config", `{"mode":9}`)
	n.Loop()
	if table.Config.Mode == 9 {
		t.Error("unregistered table must not apply config")
	}
}

package sds

import (
	"context"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/pmonclus/sds/internal/testutil"
	"github.com/pmonclus/sds/pkg/sds/schema"
)

// Test table sections shared across the engine tests.

type sensorConfig struct {
	Mode      int32   `sds:"mode"`
	Threshold float32 `sds:"threshold"`
}

type sensorState struct {
	Reading float32 `sds:"reading"`
	Samples uint32  `sds:"samples"`
}

type sensorStatus struct {
	Temperature float32 `sds:"temperature"`
	Battery     uint16  `sds:"battery"`
}

type sensorTable struct {
	Config sensorConfig
	State  sensorState
	Status sensorStatus
}

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	meta, err := schema.NewTableMeta("SensorNode", &sensorConfig{}, &sensorState{}, &sensorStatus{})
	if err != nil {
		t.Fatalf("NewTableMeta: %v", err)
	}
	return schema.NewRegistry(meta)
}

// newTestNode builds a connected node over a fake transport and mock clock.
func newTestNode(t *testing.T, cfg Config, opts ...Option) (*Node, *testutil.FakeTransport, *clock.Mock) {
	t.Helper()

	fake := testutil.NewFakeTransport()
	mock := clock.NewMock()
	if cfg.Broker == "" {
		cfg.Broker = "broker.test"
	}
	opts = append([]Option{
		WithTransport(fake),
		WithClock(mock),
		WithRegistry(testRegistry(t)),
	}, opts...)

	n, err := NewNode(cfg, opts...)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if err := n.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return n, fake, mock
}

func contains(payload []byte, sub string) bool {
	return strings.Contains(string(payload), sub)
}

package schema

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/pmonclus/sds/pkg/sds/jsonenc"
)

type sensorConfig struct {
	Mode      int32   `sds:"mode"`
	Threshold float32 `sds:"threshold"`
	Label     string  `sds:"label,16"`
	Enabled   bool    `sds:"enabled"`
}

type sensorStatus struct {
	Temperature float32 `sds:"temperature"`
	BatteryMv   uint16
	ErrorCount  uint32 `sds:"errors_total"`
	Fault       int8   `sds:"fault"`
}

func TestForTypeLayout(t *testing.T) {
	s, err := ForType(&sensorConfig{})
	if err != nil {
		t.Fatalf("ForType: %v", err)
	}
	if len(s.Fields) != 4 {
		t.Fatalf("field count = %d, want 4", len(s.Fields))
	}
	// mode(4) + threshold(4) + label(16) + enabled(1)
	if s.Size != 25 {
		t.Errorf("image size = %d, want 25", s.Size)
	}

	names := []string{"mode", "threshold", "label", "enabled"}
	offset := 0
	for i, f := range s.Fields {
		if f.Name != names[i] {
			t.Errorf("field %d name = %q, want %q", i, f.Name, names[i])
		}
		if f.Offset != offset {
			t.Errorf("field %q offset = %d, want %d", f.Name, f.Offset, offset)
		}
		offset += f.Size
	}
}

func TestForTypeTagDefaults(t *testing.T) {
	s, err := ForType(&sensorStatus{})
	if err != nil {
		t.Fatalf("ForType: %v", err)
	}
	if s.Fields[1].Name != "battery_mv" {
		t.Errorf("untagged field name = %q, want battery_mv", s.Fields[1].Name)
	}
	if s.Fields[2].Name != "errors_total" {
		t.Errorf("tagged field name = %q, want errors_total", s.Fields[2].Name)
	}
}

func TestForTypeRejections(t *testing.T) {
	type hasReserved struct {
		TS uint32 `sds:"ts"`
	}
	if _, err := ForType(&hasReserved{}); err == nil {
		t.Error("reserved key should be rejected")
	}

	type hasSlice struct {
		Values []int32 `sds:"values"`
	}
	if _, err := ForType(&hasSlice{}); err == nil {
		t.Error("unsupported field type should be rejected")
	}

	type empty struct{}
	if _, err := ForType(&empty{}); err == nil {
		t.Error("empty struct should be rejected")
	}

	if _, err := ForType(42); err == nil {
		t.Error("non-struct should be rejected")
	}
}

func TestImageApplyRoundTrip(t *testing.T) {
	s := MustForType(&sensorConfig{})
	src := &sensorConfig{Mode: -7, Threshold: 25.5, Label: "boiler-room", Enabled: true}

	img := make([]byte, s.Size)
	if err := s.Image(img, src); err != nil {
		t.Fatalf("Image: %v", err)
	}

	var dst sensorConfig
	if err := s.Apply(img, &dst); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if dst != *src {
		t.Errorf("round-trip = %+v, want %+v", dst, *src)
	}
}

func TestImageDeterministic(t *testing.T) {
	s := MustForType(&sensorStatus{})
	v := &sensorStatus{Temperature: 21.25, BatteryMv: 3300, ErrorCount: 2, Fault: -1}

	a := make([]byte, s.Size)
	b := make([]byte, s.Size)
	if err := s.Image(a, v); err != nil {
		t.Fatal(err)
	}
	if err := s.Image(b, v); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("same value must produce the same image")
	}

	v.BatteryMv = 3299
	if err := s.Image(b, v); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Error("changed value must change the image")
	}
}

func TestImageStringTruncation(t *testing.T) {
	s := MustForType(&sensorConfig{})
	long := strings.Repeat("x", 40)
	src := &sensorConfig{Label: long}

	img := make([]byte, s.Size)
	if err := s.Image(img, src); err != nil {
		t.Fatal(err)
	}
	var dst sensorConfig
	if err := s.Apply(img, &dst); err != nil {
		t.Fatal(err)
	}
	if dst.Label != long[:16] {
		t.Errorf("truncated label = %q (len %d), want 16 bytes", dst.Label, len(dst.Label))
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := MustForType(&sensorConfig{})
	src := &sensorConfig{Mode: 5, Threshold: 35.5, Label: "lab", Enabled: true}

	w := jsonenc.NewWriter(256)
	w.StartObject()
	if err := s.Encode(w, src); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	w.EndObject()

	var dst sensorConfig
	if err := s.Decode(jsonenc.NewReader(w.Bytes()), &dst); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dst != *src {
		t.Errorf("round-trip = %+v, want %+v", dst, *src)
	}
}

func TestEncodeDecodeFloatTolerance(t *testing.T) {
	s := MustForType(&sensorStatus{})
	src := &sensorStatus{Temperature: 19.8765}

	w := jsonenc.NewWriter(256)
	w.StartObject()
	if err := s.Encode(w, src); err != nil {
		t.Fatal(err)
	}
	w.EndObject()

	var dst sensorStatus
	if err := s.Decode(jsonenc.NewReader(w.Bytes()), &dst); err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(dst.Temperature-src.Temperature)) > 0.0001 {
		t.Errorf("float round-trip = %v, want within 0.0001 of %v", dst.Temperature, src.Temperature)
	}
}

func TestDecodePartialPayload(t *testing.T) {
	s := MustForType(&sensorConfig{})
	dst := &sensorConfig{Mode: 2, Threshold: 25.5, Label: "keep", Enabled: true}

	err := s.Decode(jsonenc.NewReader([]byte(`{"mode":9}`)), dst)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dst.Mode != 9 {
		t.Errorf("mode = %d, want 9", dst.Mode)
	}
	if dst.Threshold != 25.5 || dst.Label != "keep" || !dst.Enabled {
		t.Errorf("absent fields must be preserved: %+v", dst)
	}
}

func TestDecodeMalformedLeavesDstUntouched(t *testing.T) {
	s := MustForType(&sensorConfig{})
	dst := &sensorConfig{Mode: 2, Label: "orig"}

	err := s.Decode(jsonenc.NewReader([]byte(`{"mode":99,"label":"unterminated`)), dst)
	if err == nil {
		t.Fatal("malformed payload should fail")
	}
	if dst.Mode != 2 || dst.Label != "orig" {
		t.Errorf("failed decode must not modify dst: %+v", dst)
	}
}

func TestDecodeNoSectionFields(t *testing.T) {
	s := MustForType(&sensorConfig{})
	var dst sensorConfig
	if err := s.Decode(jsonenc.NewReader([]byte(`{"ts":1,"node":"d1"}`)), &dst); err == nil {
		t.Error("payload without section fields should fail decode")
	}
}

func TestRegistry(t *testing.T) {
	meta := MustTableMeta("SensorNode", &sensorConfig{}, nil, &sensorStatus{})
	reg := NewRegistry(meta)

	if reg.Find("SensorNode") != meta {
		t.Error("Find should return the registered metadata")
	}
	if reg.Find("Unknown") != nil {
		t.Error("Find on unknown type should return nil")
	}
	if err := reg.Add(meta); err == nil {
		t.Error("duplicate Add should fail")
	}

	other := MustTableMeta("PumpNode", nil, &sensorStatus{}, nil)
	if err := reg.Add(other); err != nil {
		t.Fatalf("Add: %v", err)
	}
	types := reg.Types()
	if len(types) != 2 || types[0] != "SensorNode" || types[1] != "PumpNode" {
		t.Errorf("Types = %v", types)
	}
}

func TestTableMetaDefaults(t *testing.T) {
	meta := MustTableMeta("SensorNode", &sensorConfig{}, nil, nil)
	if meta.SyncInterval != DefaultSyncInterval {
		t.Errorf("SyncInterval = %v", meta.SyncInterval)
	}
	if meta.LivenessInterval != DefaultLivenessInterval {
		t.Errorf("LivenessInterval = %v", meta.LivenessInterval)
	}
	if meta.MaxSlots != DefaultMaxSlots {
		t.Errorf("MaxSlots = %d", meta.MaxSlots)
	}

	if _, err := NewTableMeta("", &sensorConfig{}, nil, nil); err == nil {
		t.Error("empty type name should be rejected")
	}
	if _, err := NewTableMeta("X", nil, nil, nil); err == nil {
		t.Error("table without sections should be rejected")
	}
}

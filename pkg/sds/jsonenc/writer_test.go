package jsonenc

import "testing"

func TestWriterFlatObject(t *testing.T) {
	w := NewWriter(256)
	w.StartObject()
	w.AddUint("ts", 1000)
	w.AddString("from", "owner")
	w.AddInt("mode", 2)
	w.AddFloat("threshold", 25.5)
	w.AddBool("online", true)
	w.EndObject()

	if w.Err() != nil {
		t.Fatalf("unexpected writer error: %v", w.Err())
	}
	want := `{"ts":1000,"from":"owner","mode":2,"threshold":25.5000,"online":true}`
	if got := string(w.Bytes()); got != want {
		t.Errorf("payload = %s, want %s", got, want)
	}
}

func TestWriterCommaSuppression(t *testing.T) {
	w := NewWriter(64)
	w.StartObject()
	w.AddInt("a", 1)
	w.EndObject()
	if got := string(w.Bytes()); got != `{"a":1}` {
		t.Errorf("single-field object = %s", got)
	}

	w.Reset()
	w.StartObject()
	w.EndObject()
	if got := string(w.Bytes()); got != `{}` {
		t.Errorf("empty object = %s", got)
	}
}

func TestWriterEscapes(t *testing.T) {
	tests := []struct {
		value string
		want  string
	}{
		{`plain`, `{"s":"plain"}`},
		{`a"b`, `{"s":"a\"b"}`},
		{`a\b`, `{"s":"a\\b"}`},
		{"tab\there", `{"s":"tab\there"}`},
		{"line\n", `{"s":"line\n"}`},
		{"cr\rlf", `{"s":"cr\rlf"}`},
		{"\b\f", `{"s":"\b\f"}`},
		{string([]byte{0x01}), "{\"s\":\"\\u0001\"}"},
		{string([]byte{0x1f}), "{\"s\":\"\\u001f\"}"},
	}

	for _, tt := range tests {
		w := NewWriter(64)
		w.StartObject()
		w.AddString("s", tt.value)
		w.EndObject()
		if w.Err() != nil {
			t.Fatalf("AddString(%q) overflowed", tt.value)
		}
		if got := string(w.Bytes()); got != tt.want {
			t.Errorf("AddString(%q) = %s, want %s", tt.value, got, tt.want)
		}
	}
}

func TestWriterExactFit(t *testing.T) {
	payload := `{"a":1}`

	w := NewWriter(len(payload))
	w.StartObject()
	w.AddInt("a", 1)
	w.EndObject()
	if w.Err() != nil {
		t.Fatal("exact-fit buffer should succeed")
	}
	if string(w.Bytes()) != payload {
		t.Errorf("exact-fit payload = %s", w.Bytes())
	}

	w = NewWriter(len(payload) - 1)
	w.StartObject()
	w.AddInt("a", 1)
	w.EndObject()
	if w.Err() == nil {
		t.Fatal("one byte short should set the error flag")
	}
	if w.Len() > len(payload)-1 {
		t.Error("writer wrote past capacity")
	}
}

func TestWriterStickyError(t *testing.T) {
	w := NewWriter(3)
	w.StartObject()
	w.AddInt("long_key_name", 12345)
	if w.Err() == nil {
		t.Fatal("overflow should set error")
	}
	pos := w.Len()
	w.AddInt("x", 1)
	if w.Len() != pos {
		t.Error("appends after error should be no-ops")
	}
}

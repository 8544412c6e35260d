package jsonenc

import "testing"

func TestFindFieldRejectsPrefix(t *testing.T) {
	r := NewReader([]byte(`{"username":"alice","user":"bob"}`))

	v, ok := r.GetString("user", 32)
	if !ok {
		t.Fatal("user key should be found")
	}
	if v != "bob" {
		t.Errorf(`GetString("user") = %q, want "bob" (prefix must not match "username")`, v)
	}
}

func TestFindFieldMissing(t *testing.T) {
	r := NewReader([]byte(`{"a":1}`))
	if r.FindField("b") != nil {
		t.Error("missing key should return nil")
	}
}

func TestFindFieldWhitespace(t *testing.T) {
	r := NewReader([]byte(`{"mode" :  5}`))
	v, ok := r.GetInt("mode", 32)
	if !ok || v != 5 {
		t.Errorf("GetInt with whitespace = %d, %v", v, ok)
	}
}

func TestGetInt(t *testing.T) {
	tests := []struct {
		payload string
		bits    int
		want    int64
		ok      bool
	}{
		{`{"v":42}`, 32, 42, true},
		{`{"v":-17}`, 32, -17, true},
		{`{"v":127}`, 8, 127, true},
		{`{"v":128}`, 8, 0, false},
		{`{"v":-129}`, 8, 0, false},
		{`{"v":2147483647}`, 32, 2147483647, true},
		{`{"v":2147483648}`, 32, 0, false},
		{`{"v":"nan"}`, 32, 0, false},
	}

	for _, tt := range tests {
		r := NewReader([]byte(tt.payload))
		got, ok := r.GetInt("v", tt.bits)
		if ok != tt.ok || got != tt.want {
			t.Errorf("GetInt(%s, %d) = %d, %v; want %d, %v", tt.payload, tt.bits, got, ok, tt.want, tt.ok)
		}
	}
}

func TestGetUint(t *testing.T) {
	tests := []struct {
		payload string
		bits    int
		want    uint64
		ok      bool
	}{
		{`{"v":42}`, 32, 42, true},
		{`{"v":-1}`, 32, 0, false},
		{`{"v":255}`, 8, 255, true},
		{`{"v":256}`, 8, 0, false},
		{`{"v":4294967295}`, 32, 4294967295, true},
	}

	for _, tt := range tests {
		r := NewReader([]byte(tt.payload))
		got, ok := r.GetUint("v", tt.bits)
		if ok != tt.ok || got != tt.want {
			t.Errorf("GetUint(%s, %d) = %d, %v; want %d, %v", tt.payload, tt.bits, got, ok, tt.want, tt.ok)
		}
	}
}

func TestGetFloat(t *testing.T) {
	r := NewReader([]byte(`{"threshold":25.5000,"neg":-0.25,"exp":1e3}`))

	if v, ok := r.GetFloat("threshold"); !ok || v != 25.5 {
		t.Errorf("threshold = %v, %v", v, ok)
	}
	if v, ok := r.GetFloat("neg"); !ok || v != -0.25 {
		t.Errorf("neg = %v, %v", v, ok)
	}
	if v, ok := r.GetFloat("exp"); !ok || v != 1000 {
		t.Errorf("exp = %v, %v", v, ok)
	}
}

func TestGetBool(t *testing.T) {
	r := NewReader([]byte(`{"online":false,"up":true}`))

	if v, ok := r.GetBool("online"); !ok || v != false {
		t.Errorf("online = %v, %v", v, ok)
	}
	if v, ok := r.GetBool("up"); !ok || v != true {
		t.Errorf("up = %v, %v", v, ok)
	}
	if _, ok := r.GetBool("missing"); ok {
		t.Error("missing bool should not parse")
	}
}

func TestParseStringEscapes(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{`"plain"`, "plain", true},
		{`"a\"b"`, `a"b`, true},
		{`"a\\b"`, `a\b`, true},
		{`"a\/b"`, "a/b", true},
		{`"tab\tend"`, "tab\tend", true},
		{`"nl\nrc\r"`, "nl\nrc\r", true},
		{`"bs\bff\f"`, "bs\bff\f", true},
		{"\"\\u0041\\u0021\"", "A!", true},
		{"\"\\u00e9\"", "?", true},
		{"\"\\uOOPS\"", "", false},
		{`"hié"`, "hi??", true},
		{`"hi世"`, "hi???", true},
		{`"unterminated`, "", false},
		{`notstring`, "", false},
	}

	for _, tt := range tests {
		got, ok := ParseString([]byte(tt.input), 64)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseString(%s) = %q, %v; want %q, %v", tt.input, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseStringCapped(t *testing.T) {
	got, ok := ParseString([]byte(`"abcdefgh"`), 4)
	if !ok {
		t.Fatal("capped parse should still succeed when the closing quote is in bounds")
	}
	if got != "abcd" {
		t.Errorf("capped parse = %q, want %q", got, "abcd")
	}
}

func TestNonASCIIReplaced(t *testing.T) {
	// Raw bytes >= 128 in the input are replaced, not copied.
	got, ok := ParseString([]byte{'"', 'a', 0xc3, 0xa9, '"'}, 8)
	if !ok {
		t.Fatal("parse should succeed")
	}
	if got != "a??" {
		t.Errorf("non-ascii bytes = %q, want %q", got, "a??")
	}
}

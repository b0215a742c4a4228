package rawlog

import (
	"bytes"
	"testing"
)

func capture(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	prev := SetSink(&buf)
	defer SetSink(prev)
	fn()
	return buf.String()
}

func TestPrintfVerbs(t *testing.T) {
	cases := []struct {
		format string
		args   []interface{}
		want   string
	}{
		{"hello %s\n", []interface{}{"world"}, "hello world\n"},
		{"%d", []interface{}{int(42)}, "42"},
		{"%x", []interface{}{uint32(255)}, "ff"},
		{"%o", []interface{}{uint8(8)}, "10"},
		{"%t/%t", []interface{}{true, false}, "true/false"},
		{"%3d", []interface{}{int(5)}, "  5"},
		{"%-", nil, "%!(NOVERB)"},
	}

	for _, c := range cases {
		got := capture(t, func() { Printf(c.format, c.args...) })
		if got != c.want {
			t.Errorf("Printf(%q, %v) = %q, want %q", c.format, c.args, got, c.want)
		}
	}
}

func TestPrintfMissingAndExtraArgs(t *testing.T) {
	got := capture(t, func() { Printf("%s") })
	if got != string(errMissingArg) {
		t.Errorf("expected missing-arg marker, got %q", got)
	}

	got = capture(t, func() { Printf("no verbs here", 1) })
	if got != "no verbs here"+string(errExtraArg) {
		t.Errorf("expected extra-arg marker, got %q", got)
	}
}

func TestPrintfNegativeAndWrongType(t *testing.T) {
	got := capture(t, func() { Printf("%d", int(-7)) })
	if got != "-7" {
		t.Errorf("Printf(%%d, -7) = %q", got)
	}

	got = capture(t, func() { Printf("%d", "not an int") })
	if got != string(errWrongArgType) {
		t.Errorf("expected wrong-type marker, got %q", got)
	}
}

package sizing

import "testing"

func TestRoundUpToSystemPage(t *testing.T) {
	cases := []struct{ in, want Size }{
		{0, 0},
		{1, SystemPageSize},
		{SystemPageSize, SystemPageSize},
		{SystemPageSize + 1, 2 * SystemPageSize},
	}
	for _, c := range cases {
		if got := RoundUpToSystemPage(c.in); got != c.want {
			t.Errorf("RoundUpToSystemPage(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestSuperPagesFor(t *testing.T) {
	if got := SuperPagesFor(1); got != 1 {
		t.Errorf("SuperPagesFor(1) = %d, want 1", got)
	}
	if got := SuperPagesFor(SuperPageSize + 1); got != 2 {
		t.Errorf("SuperPagesFor(SuperPageSize+1) = %d, want 2", got)
	}
}

func TestAlignUpDown(t *testing.T) {
	addr := uintptr(SuperPageSize) + 5
	if got := AlignDown(addr, SuperPageSize); got != uintptr(SuperPageSize) {
		t.Errorf("AlignDown = %#x, want %#x", got, uintptr(SuperPageSize))
	}
	if got := AlignUp(addr, SuperPageSize); got != uintptr(2*SuperPageSize) {
		t.Errorf("AlignUp = %#x, want %#x", got, uintptr(2*SuperPageSize))
	}
	if !IsAligned(uintptr(SuperPageSize), SuperPageSize) {
		t.Error("expected SuperPageSize to be self-aligned")
	}
}

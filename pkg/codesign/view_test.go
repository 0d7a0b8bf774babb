package codesign

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestByteViewBounds(t *testing.T) {
	v := newView("test", []byte{1, 2, 3, 4, 5, 6, 'a', 'b', 0, 'c'}, binary.BigEndian)
	if v.Len() != 10 {
		t.Errorf("Expected length 10, got %d", v.Len())
	}
	if x, err := v.U32(0); err != nil || x != 0x01020304 {
		t.Errorf("Expected 0x01020304, got 0x%x (%v)", x, err)
	}

	var short *errShort
	if _, err := v.U32(8); !errors.As(err, &short) {
		t.Errorf("Expected errShort reading past the end, got %v", err)
	}
	if _, err := v.Bytes(-1, 2); err == nil {
		t.Errorf("Expected error for a negative offset")
	}
	if _, err := v.Bytes(4, 1<<62); err == nil {
		t.Errorf("Expected error for an overflowing length")
	}
	if err := v.PutU64(4, 1); err == nil {
		t.Errorf("Expected error writing past the end")
	}

	if s, err := v.CString(6); err != nil || s != "ab" {
		t.Errorf("Expected ab, got %q (%v)", s, err)
	}
	if _, err := v.CString(9); err == nil {
		t.Errorf("Expected error for an unterminated string")
	}

	sub, err := v.Sub("sub", 6, 3)
	if err != nil {
		t.Fatalf("Sub failed: %v", err)
	}
	if _, err := sub.U32(0); err == nil {
		t.Errorf("a sub view must not read past its own end")
	}
}

func TestCursorStopsAtFirstError(t *testing.T) {
	c := &cursor{v: newView("test", []byte{0, 0, 0, 1, 0xff}, binary.BigEndian)}
	if c.u32() != 1 {
		t.Errorf("Expected 1")
	}
	c.u32()
	if c.err == nil {
		t.Fatalf("Expected an error after reading past the end")
	}
	if c.u8() != 0 {
		t.Errorf("reads after an error should return zero")
	}
}

func TestAlignUp(t *testing.T) {
	tests := []struct{ x, n, want int64 }{
		{0, 16, 0},
		{1, 16, 16},
		{16, 16, 16},
		{0x4105, 16, 0x4110},
		{312, 4096, 4096},
	}
	for _, tt := range tests {
		if got := alignUp(tt.x, tt.n); got != tt.want {
			t.Errorf("alignUp(%d, %d): expected %d, got %d", tt.x, tt.n, tt.want, got)
		}
	}
}

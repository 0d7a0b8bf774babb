package codesign

import (
	"encoding/binary"
	"fmt"
)

// errShort reports an access past the end of a view.
type errShort struct {
	what      string
	off, need int
	have      int
}

func (e *errShort) Error() string {
	return fmt.Sprintf("%s: need %d bytes at offset %d, have %d", e.what, e.need, e.off, e.have)
}

// byteView is a bounds-checked window over a buffer. Every accessor
// validates the range before touching the underlying slice.
type byteView struct {
	what  string
	data  []byte
	order binary.ByteOrder
}

func newView(what string, data []byte, order binary.ByteOrder) byteView {
	return byteView{what: what, data: data, order: order}
}

func (v byteView) Len() int { return len(v.data) }

func (v byteView) check(off, n int) error {
	if off < 0 || n < 0 || off > len(v.data) || n > len(v.data)-off {
		return &errShort{what: v.what, off: off, need: n, have: len(v.data)}
	}
	return nil
}

func (v byteView) Bytes(off, n int) ([]byte, error) {
	if err := v.check(off, n); err != nil {
		return nil, err
	}
	return v.data[off : off+n], nil
}

func (v byteView) Sub(what string, off, n int) (byteView, error) {
	b, err := v.Bytes(off, n)
	if err != nil {
		return byteView{}, err
	}
	return newView(what, b, v.order), nil
}

func (v byteView) U8(off int) (uint8, error) {
	if err := v.check(off, 1); err != nil {
		return 0, err
	}
	return v.data[off], nil
}

func (v byteView) U32(off int) (uint32, error) {
	if err := v.check(off, 4); err != nil {
		return 0, err
	}
	return v.order.Uint32(v.data[off:]), nil
}

func (v byteView) U64(off int) (uint64, error) {
	if err := v.check(off, 8); err != nil {
		return 0, err
	}
	return v.order.Uint64(v.data[off:]), nil
}

func (v byteView) PutU32(off int, x uint32) error {
	if err := v.check(off, 4); err != nil {
		return err
	}
	v.order.PutUint32(v.data[off:], x)
	return nil
}

func (v byteView) PutU64(off int, x uint64) error {
	if err := v.check(off, 8); err != nil {
		return err
	}
	v.order.PutUint64(v.data[off:], x)
	return nil
}

// CString reads a NUL-terminated string starting at off.
func (v byteView) CString(off int) (string, error) {
	if err := v.check(off, 1); err != nil {
		return "", err
	}
	for i := off; i < len(v.data); i++ {
		if v.data[i] == 0 {
			return string(v.data[off:i]), nil
		}
	}
	return "", fmt.Errorf("%s: unterminated string at offset %d", v.what, off)
}

// cursor reads consecutive fields from a view and remembers the first
// failure so callers can check once at the end.
type cursor struct {
	v   byteView
	pos int
	err error
}

func (c *cursor) u8() uint8 {
	if c.err != nil {
		return 0
	}
	x, err := c.v.U8(c.pos)
	c.err = err
	c.pos++
	return x
}

func (c *cursor) u32() uint32 {
	if c.err != nil {
		return 0
	}
	x, err := c.v.U32(c.pos)
	c.err = err
	c.pos += 4
	return x
}

func (c *cursor) u64() uint64 {
	if c.err != nil {
		return 0
	}
	x, err := c.v.U64(c.pos)
	c.err = err
	c.pos += 8
	return x
}

// put32be writes a big-endian uint32
func put32be(b []byte, x uint32) []byte {
	binary.BigEndian.PutUint32(b, x)
	return b[4:]
}

func put64be(b []byte, x uint64) []byte {
	binary.BigEndian.PutUint64(b, x)
	return b[8:]
}

func alignUp(x, n int64) int64 {
	return (x + n - 1) &^ (n - 1)
}

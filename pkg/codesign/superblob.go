package codesign

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// BlobEntry is one typed sub-blob of a SuperBlob.
type BlobEntry struct {
	Type   uint32
	Offset uint32
	Data   []byte
}

// Magic returns the sub-blob's own magic number.
func (e BlobEntry) Magic() uint32 {
	if len(e.Data) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(e.Data)
}

// SuperBlob is a parsed container of typed sub-blobs.
type SuperBlob struct {
	Magic   uint32
	Length  uint32
	Entries []BlobEntry
}

// Get returns the blob stored under slot.
func (s *SuperBlob) Get(slot uint32) ([]byte, bool) {
	for _, e := range s.Entries {
		if e.Type == slot {
			return e.Data, true
		}
	}
	return nil, false
}

// SuperBlobBuilder collects sub-blobs in insertion order. Offsets are only
// assigned when Bytes is called.
type SuperBlobBuilder struct {
	magic   uint32
	entries []BlobEntry
	size    int
}

func NewSuperBlobBuilder(magic uint32) *SuperBlobBuilder {
	return &SuperBlobBuilder{magic: magic}
}

// Add appends blob under slot. Each slot may appear once and every blob
// must carry its own magic and length header.
func (b *SuperBlobBuilder) Add(slot uint32, blob []byte) error {
	if len(blob) < blobHeaderSize {
		return fmt.Errorf("blob for slot 0x%x is %d bytes, shorter than a blob header", slot, len(blob))
	}
	for _, e := range b.entries {
		if e.Type == slot {
			return fmt.Errorf("duplicate blob for slot 0x%x", slot)
		}
	}
	b.entries = append(b.entries, BlobEntry{Type: slot, Data: blob})
	b.size += len(blob)
	return nil
}

// Count returns the number of entries added so far.
func (b *SuperBlobBuilder) Count() int { return len(b.entries) }

// Len returns the size Bytes will produce.
func (b *SuperBlobBuilder) Len() int {
	return superBlobHeaderSize + len(b.entries)*blobIndexSize + b.size
}

// Bytes lays out header, index and blob data in insertion order.
func (b *SuperBlobBuilder) Bytes() []byte {
	total := b.Len()
	out := make([]byte, total)
	binary.BigEndian.PutUint32(out[0:], b.magic)
	binary.BigEndian.PutUint32(out[4:], uint32(total))
	binary.BigEndian.PutUint32(out[8:], uint32(len(b.entries)))
	pos := superBlobHeaderSize + len(b.entries)*blobIndexSize
	for i, e := range b.entries {
		idx := superBlobHeaderSize + i*blobIndexSize
		binary.BigEndian.PutUint32(out[idx:], e.Type)
		binary.BigEndian.PutUint32(out[idx+4:], uint32(pos))
		copy(out[pos:], e.Data)
		pos += len(e.Data)
	}
	return out
}

// MakeBlob wraps payload in a generic magic/length blob header.
func MakeBlob(magic uint32, payload []byte) []byte {
	blob := make([]byte, blobHeaderSize+len(payload))
	binary.BigEndian.PutUint32(blob[0:], magic)
	binary.BigEndian.PutUint32(blob[4:], uint32(len(blob)))
	copy(blob[blobHeaderSize:], payload)
	return blob
}

var errBadSuperBlob = errors.New("malformed superblob")

// ParseSuperBlob reads a SuperBlob with the given magic. Each entry's data
// is bounded by the sub-blob's own length field.
func ParseSuperBlob(data []byte, magic uint32) (*SuperBlob, error) {
	v := newView("superblob", data, binary.BigEndian)
	c := &cursor{v: v}
	sb := &SuperBlob{Magic: c.u32(), Length: c.u32()}
	count := c.u32()
	if c.err != nil {
		return nil, c.err
	}
	if sb.Magic != magic {
		return nil, fmt.Errorf("%w: magic 0x%x, expected 0x%x", errBadSuperBlob, sb.Magic, magic)
	}
	if int64(sb.Length) > int64(len(data)) || sb.Length < superBlobHeaderSize {
		return nil, fmt.Errorf("%w: length %d outside buffer of %d bytes", errBadSuperBlob, sb.Length, len(data))
	}
	if uint64(count)*blobIndexSize > uint64(sb.Length-superBlobHeaderSize) {
		return nil, fmt.Errorf("%w: %d index entries do not fit in %d bytes", errBadSuperBlob, count, sb.Length)
	}
	v = newView("superblob", data[:sb.Length], binary.BigEndian)
	indexEnd := uint32(superBlobHeaderSize) + count*blobIndexSize
	seen := make(map[uint32]bool, count)
	var lastOffset uint32
	for i := uint32(0); i < count; i++ {
		pos := int(superBlobHeaderSize + i*blobIndexSize)
		typ, _ := v.U32(pos)
		off, _ := v.U32(pos + 4)
		if seen[typ] {
			return nil, fmt.Errorf("%w: duplicate slot 0x%x", errBadSuperBlob, typ)
		}
		seen[typ] = true
		if off < indexEnd || (i > 0 && off <= lastOffset) {
			return nil, fmt.Errorf("%w: slot 0x%x offset %d out of order", errBadSuperBlob, typ, off)
		}
		lastOffset = off
		blobLen, err := v.U32(int(off) + 4)
		if err != nil {
			return nil, fmt.Errorf("%w: slot 0x%x: %v", errBadSuperBlob, typ, err)
		}
		if blobLen < blobHeaderSize {
			return nil, fmt.Errorf("%w: slot 0x%x has length %d", errBadSuperBlob, typ, blobLen)
		}
		blob, err := v.Bytes(int(off), int(blobLen))
		if err != nil {
			return nil, fmt.Errorf("%w: slot 0x%x: %v", errBadSuperBlob, typ, err)
		}
		sb.Entries = append(sb.Entries, BlobEntry{Type: typ, Offset: off, Data: blob})
	}
	return sb, nil
}

package codesign

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// codeDirectoryHeader is the v0x20400 CodeDirectory header as laid out on
// disk (big-endian).
type codeDirectoryHeader struct {
	Magic         uint32
	Length        uint32
	Version       uint32
	Flags         uint32
	HashOffset    uint32
	IdentOffset   uint32
	NSpecialSlots uint32
	NCodeSlots    uint32
	CodeLimit     uint32
	HashSize      uint8
	HashType      uint8
	Platform      uint8
	PageSizeBits  uint8
	Spare2        uint32
	ScatterOffset uint32
	TeamOffset    uint32
	Spare3        uint32
	CodeLimit64   uint64
	ExecSegBase   uint64
	ExecSegLimit  uint64
	ExecSegFlags  uint64
}

// CodeDirectoryParams describes one CodeDirectory to build.
type CodeDirectoryParams struct {
	Identifier   string
	TeamID       string
	HashType     HashType
	PageSizeBits uint8
	Flags        uint32
	Platform     uint8
	CodeLimit    int64

	ExecSegBase  uint64
	ExecSegLimit uint64
	ExecSegFlags uint64

	// Special maps a special slot number (1 = Info.plist ... 7 = DER
	// entitlements) to the finalized bytes hashed into that slot.
	Special map[int][]byte
}

// ErrContentNotFinal is returned when the page digests do not cover the
// declared code limit.
var ErrContentNotFinal = errors.New("code directory built before signed content was finalized")

func (p *CodeDirectoryParams) pageSize() int {
	bits := p.PageSizeBits
	if bits == 0 {
		bits = defaultPageSizeBits
	}
	return 1 << bits
}

// specialSlotCount is the highest populated special slot, never less than
// two so Info.plist and Requirements always have a slot.
func (p *CodeDirectoryParams) specialSlotCount() int {
	n := CSSLOT_REQUIREMENTS
	for slot, blob := range p.Special {
		if len(blob) > 0 && slot > n {
			n = slot
		}
	}
	return n
}

// BuildCodeDirectory produces the CodeDirectory blob. pages must hold one
// digest pair per page of the finalized signed range.
func BuildCodeDirectory(pages []Digests, p *CodeDirectoryParams) ([]byte, error) {
	hashSize := p.HashType.Size()
	if hashSize == 0 {
		return nil, fmt.Errorf("unsupported hash type %d", p.HashType)
	}
	if p.CodeLimit < 0 || p.CodeLimit > math.MaxUint32 {
		return nil, fmt.Errorf("code limit %d does not fit the code directory", p.CodeLimit)
	}
	pageSize := int64(p.pageSize())
	if want := (p.CodeLimit + pageSize - 1) / pageSize; int64(len(pages)) != want {
		return nil, fmt.Errorf("%w: %d page digests for %d code slots", ErrContentNotFinal, len(pages), want)
	}

	nSpecial := p.specialSlotCount()
	identOffset := uint32(codeDirectoryHeaderSize)
	next := identOffset + uint32(len(p.Identifier)+1)
	var teamOffset uint32
	if p.TeamID != "" {
		teamOffset = next
		next += uint32(len(p.TeamID) + 1)
	}
	hashOffset := next + uint32(nSpecial*hashSize)
	length := hashOffset + uint32(len(pages)*hashSize)

	pageBits := p.PageSizeBits
	if pageBits == 0 {
		pageBits = defaultPageSizeBits
	}
	hdr := codeDirectoryHeader{
		Magic:         CSMAGIC_CODEDIRECTORY,
		Length:        length,
		Version:       codeDirectoryVersion,
		Flags:         p.Flags,
		HashOffset:    hashOffset,
		IdentOffset:   identOffset,
		NSpecialSlots: uint32(nSpecial),
		NCodeSlots:    uint32(len(pages)),
		CodeLimit:     uint32(p.CodeLimit),
		HashSize:      uint8(hashSize),
		HashType:      uint8(p.HashType),
		Platform:      p.Platform,
		PageSizeBits:  pageBits,
		TeamOffset:    teamOffset,
		ExecSegBase:   p.ExecSegBase,
		ExecSegLimit:  p.ExecSegLimit,
		ExecSegFlags:  p.ExecSegFlags,
	}

	buf := bytes.NewBuffer(make([]byte, 0, length))
	binary.Write(buf, binary.BigEndian, hdr)
	buf.WriteString(p.Identifier)
	buf.WriteByte(0)
	if p.TeamID != "" {
		buf.WriteString(p.TeamID)
		buf.WriteByte(0)
	}
	// special slots run from -nSpecial up to -1
	for slot := nSpecial; slot >= 1; slot-- {
		buf.Write(SlotDigest(p.Special[slot], p.HashType))
	}
	for _, d := range pages {
		buf.Write(d.For(p.HashType))
	}
	if buf.Len() != int(length) {
		return nil, fmt.Errorf("code directory length mismatch: wrote %d, expected %d", buf.Len(), length)
	}
	return buf.Bytes(), nil
}

// CodeDirectory is a parsed CodeDirectory blob.
type CodeDirectory struct {
	Slot          uint32
	Version       uint32
	Flags         uint32
	HashType      HashType
	HashSize      uint8
	Platform      uint8
	PageSize      uint32
	CodeLimit     uint32
	Identifier    string
	TeamID        string
	ExecSegBase   uint64
	ExecSegLimit  uint64
	ExecSegFlags  uint64
	NSpecialSlots uint32
	NCodeSlots    uint32

	// SpecialHashes is indexed by slot number, so SpecialHashes[1] is the
	// Info.plist digest.
	SpecialHashes map[int][]byte
	CodeHashes    [][]byte
	Raw           []byte
}

// ParseCodeDirectory reads a CodeDirectory blob through bounds-checked views.
func ParseCodeDirectory(data []byte, slot uint32) (*CodeDirectory, error) {
	v := newView("code directory", data, binary.BigEndian)
	c := &cursor{v: v}
	var hdr codeDirectoryHeader
	hdr.Magic = c.u32()
	hdr.Length = c.u32()
	hdr.Version = c.u32()
	hdr.Flags = c.u32()
	hdr.HashOffset = c.u32()
	hdr.IdentOffset = c.u32()
	hdr.NSpecialSlots = c.u32()
	hdr.NCodeSlots = c.u32()
	hdr.CodeLimit = c.u32()
	hdr.HashSize = c.u8()
	hdr.HashType = c.u8()
	hdr.Platform = c.u8()
	hdr.PageSizeBits = c.u8()
	if c.err != nil {
		return nil, c.err
	}
	if hdr.Magic != CSMAGIC_CODEDIRECTORY {
		return nil, fmt.Errorf("bad code directory magic 0x%x", hdr.Magic)
	}
	if int64(hdr.Length) > int64(len(data)) {
		return nil, fmt.Errorf("code directory length %d exceeds blob of %d bytes", hdr.Length, len(data))
	}
	v = newView("code directory", data[:hdr.Length], binary.BigEndian)
	if hdr.PageSizeBits > 31 {
		return nil, fmt.Errorf("invalid page size exponent %d", hdr.PageSizeBits)
	}

	cd := &CodeDirectory{
		Slot:          slot,
		Version:       hdr.Version,
		Flags:         hdr.Flags,
		HashType:      HashType(hdr.HashType),
		HashSize:      hdr.HashSize,
		Platform:      hdr.Platform,
		PageSize:      1 << hdr.PageSizeBits,
		CodeLimit:     hdr.CodeLimit,
		NSpecialSlots: hdr.NSpecialSlots,
		NCodeSlots:    hdr.NCodeSlots,
		SpecialHashes: make(map[int][]byte),
		Raw:           data[:hdr.Length],
	}
	if hdr.PageSizeBits == 0 {
		cd.PageSize = 0
	}
	var err error
	if cd.Identifier, err = v.CString(int(hdr.IdentOffset)); err != nil {
		return nil, fmt.Errorf("identifier: %w", err)
	}
	if hdr.Version >= 0x20200 {
		teamOffset, err := v.U32(48)
		if err != nil {
			return nil, err
		}
		if teamOffset != 0 {
			if cd.TeamID, err = v.CString(int(teamOffset)); err != nil {
				return nil, fmt.Errorf("team identifier: %w", err)
			}
		}
	}
	if hdr.Version >= 0x20400 {
		c = &cursor{v: v, pos: 64}
		cd.ExecSegBase = c.u64()
		cd.ExecSegLimit = c.u64()
		cd.ExecSegFlags = c.u64()
		if c.err != nil {
			return nil, c.err
		}
	}

	hs := int(hdr.HashSize)
	if hs == 0 || hs != cd.HashType.Size() {
		return nil, fmt.Errorf("hash size %d does not match hash type %d", hs, hdr.HashType)
	}
	for i := 1; i <= int(hdr.NSpecialSlots); i++ {
		h, err := v.Bytes(int(hdr.HashOffset)-i*hs, hs)
		if err != nil {
			return nil, fmt.Errorf("special slot %d: %w", i, err)
		}
		cd.SpecialHashes[i] = h
	}
	for i := 0; i < int(hdr.NCodeSlots); i++ {
		h, err := v.Bytes(int(hdr.HashOffset)+i*hs, hs)
		if err != nil {
			return nil, fmt.Errorf("code slot %d: %w", i, err)
		}
		cd.CodeHashes = append(cd.CodeHashes, h)
	}
	return cd, nil
}

// CDHash returns the full digest of a CodeDirectory blob.
func CDHash(cd []byte, t HashType) []byte {
	return t.Sum(cd)
}

package codesign

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

var (
	ErrNotMachO     = errors.New("not a Mach-O image")
	ErrNoSignature  = errors.New("no code signature found")
	errNoLinkEdit   = errors.New("image has no __LINKEDIT segment")
	errNoRoomForCmd = errors.New("no room for LC_CODE_SIGNATURE between load commands and first section")
)

// segmentCommand field offsets for 32/64-bit images.
type segmentLayout struct {
	vmsize, fileoff, filesize int
	nsects, sections          int
	sectionSize, sectionOff   int
}

var (
	segment64 = segmentLayout{vmsize: 32, fileoff: 40, filesize: 48, nsects: 64, sections: 72, sectionSize: 80, sectionOff: 48}
	segment32 = segmentLayout{vmsize: 28, fileoff: 32, filesize: 36, nsects: 48, sections: 56, sectionSize: 68, sectionOff: 40}
)

// sliceLayout is what the patcher needs to know about a thin slice.
type sliceLayout struct {
	is64     bool
	seg      segmentLayout
	cpu      types.CPU
	subCPU   types.CPUSubtype
	fileType types.HeaderFileType

	ncmds, sizeofcmds uint32
	loadCmdsEnd       int64
	// lowest nonzero file offset of any section or segment
	firstData int64

	sigCmdOff       int64 // -1 when absent
	sigOff, sigSize uint32

	linkeditCmdOff int64
	linkedit       *macho.Segment
	text           *macho.Segment
}

func (l *sliceLayout) hasSignature() bool { return l.sigCmdOff >= 0 }

func (l *sliceLayout) headerSize() int64 {
	if l.is64 {
		return machHeaderSize64
	}
	return machHeaderSize32
}

// signature returns the existing SuperBlob bytes.
func (l *sliceLayout) signature(data []byte) ([]byte, error) {
	if !l.hasSignature() {
		return nil, ErrNoSignature
	}
	return newView("slice", data, binary.LittleEndian).Bytes(int(l.sigOff), int(l.sigSize))
}

// scanSlice walks the raw load commands through a bounds-checked view and
// lets go-macho validate the image and resolve its segments.
func scanSlice(data []byte) (*sliceLayout, error) {
	v := newView("mach-o header", data, binary.LittleEndian)
	magic, err := v.U32(0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotMachO, err)
	}
	l := &sliceLayout{sigCmdOff: -1, linkeditCmdOff: -1}
	switch magic {
	case MH_MAGIC_64:
		l.is64, l.seg = true, segment64
	case MH_MAGIC:
		l.seg = segment32
	default:
		return nil, fmt.Errorf("%w: magic 0x%08x", ErrNotMachO, magic)
	}

	c := &cursor{v: v, pos: 4}
	l.cpu = types.CPU(c.u32())
	l.subCPU = types.CPUSubtype(c.u32())
	l.fileType = types.HeaderFileType(c.u32())
	l.ncmds = c.u32()
	l.sizeofcmds = c.u32()
	if c.err != nil {
		return nil, c.err
	}
	l.loadCmdsEnd = l.headerSize() + int64(l.sizeofcmds)
	cmds, err := v.Sub("load commands", int(l.headerSize()), int(l.sizeofcmds))
	if err != nil {
		return nil, err
	}

	l.firstData = int64(len(data))
	pos := 0
	for i := uint32(0); i < l.ncmds; i++ {
		cmd, err := cmds.U32(pos)
		if err != nil {
			return nil, fmt.Errorf("load command %d: %w", i, err)
		}
		size, err := cmds.U32(pos + 4)
		if err != nil {
			return nil, fmt.Errorf("load command %d: %w", i, err)
		}
		if size < 8 || size%4 != 0 {
			return nil, fmt.Errorf("load command %d has invalid size %d", i, size)
		}
		lc, err := cmds.Sub("load command", pos, int(size))
		if err != nil {
			return nil, fmt.Errorf("load command %d: %w", i, err)
		}
		abs := l.headerSize() + int64(pos)

		switch cmd {
		case LC_CODE_SIGNATURE:
			if l.sigCmdOff >= 0 {
				return nil, errors.New("multiple LC_CODE_SIGNATURE commands")
			}
			lcc := &cursor{v: lc, pos: 8}
			l.sigOff, l.sigSize = lcc.u32(), lcc.u32()
			if lcc.err != nil {
				return nil, lcc.err
			}
			if int64(l.sigOff)+int64(l.sigSize) > int64(len(data)) {
				return nil, fmt.Errorf("code signature at 0x%x+0x%x extends beyond slice of %d bytes", l.sigOff, l.sigSize, len(data))
			}
			l.sigCmdOff = abs
		case LC_SEGMENT, LC_SEGMENT_64:
			if (cmd == LC_SEGMENT_64) != l.is64 {
				return nil, fmt.Errorf("load command %d: segment width does not match header", i)
			}
			if err := l.scanSegment(lc, abs); err != nil {
				return nil, fmt.Errorf("load command %d: %w", i, err)
			}
		}
		pos += int(size)
	}
	if l.linkeditCmdOff < 0 {
		return nil, errNoLinkEdit
	}

	// go-macho chokes on some signature encodings; parse a copy with the
	// signature bytes cleared.
	scratch := data
	if l.hasSignature() {
		scratch = append([]byte(nil), data...)
		clear(scratch[l.sigOff : l.sigOff+l.sigSize])
	}
	m, err := macho.NewFile(bytes.NewReader(scratch))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Mach-O: %w", err)
	}
	defer m.Close()
	l.linkedit = m.Segment("__LINKEDIT")
	l.text = m.Segment("__TEXT")
	if l.linkedit == nil {
		return nil, errNoLinkEdit
	}
	return l, nil
}

func (l *sliceLayout) scanSegment(lc byteView, abs int64) error {
	name, err := lc.Bytes(8, 16)
	if err != nil {
		return err
	}
	var fileoff, filesize uint64
	if l.is64 {
		c := &cursor{v: lc, pos: l.seg.fileoff}
		fileoff, filesize = c.u64(), c.u64()
		if c.err != nil {
			return c.err
		}
	} else {
		c := &cursor{v: lc, pos: l.seg.fileoff}
		fileoff, filesize = uint64(c.u32()), uint64(c.u32())
		if c.err != nil {
			return c.err
		}
	}
	if string(bytes.TrimRight(name, "\x00")) == "__LINKEDIT" {
		l.linkeditCmdOff = abs
	}
	if fileoff != 0 && filesize != 0 && int64(fileoff) < l.firstData {
		l.firstData = int64(fileoff)
	}

	nsects, err := lc.U32(l.seg.nsects)
	if err != nil {
		return err
	}
	for s := 0; s < int(nsects); s++ {
		off, err := lc.U32(l.seg.sections + s*l.seg.sectionSize + l.seg.sectionOff)
		if err != nil {
			return fmt.Errorf("section %d: %w", s, err)
		}
		if off != 0 && int64(off) < l.firstData {
			l.firstData = int64(off)
		}
	}
	return nil
}

// execSegment returns the exec-seg base and limit recorded in the
// CodeDirectory, taken from __TEXT.
func (l *sliceLayout) execSegment() (base, limit uint64) {
	if l.text == nil {
		return 0, 0
	}
	return l.text.Offset, l.text.Filesz
}

// sliceName labels a slice in logs, errors and debug dumps.
func sliceName(index int, cpu types.CPU) string {
	name := strings.ToLower(strings.ReplaceAll(cpu.String(), " ", ""))
	if index < 0 {
		return name
	}
	return fmt.Sprintf("%d-%s", index, name)
}

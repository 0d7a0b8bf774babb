package codesign

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"golang.org/x/sync/errgroup"
)

const (
	fatArchSize   = 20
	fatArch64Size = 32
)

// fatSlice is one entry of a fat header.
type fatSlice struct {
	CPU    types.CPU
	SubCPU types.CPUSubtype
	Offset uint64
	Size   uint64
	Align  uint32
	Data   []byte
}

func isFat(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	magic := binary.BigEndian.Uint32(data)
	return magic == FAT_MAGIC || magic == FAT_MAGIC_64
}

// isFat64 reports whether the arch table uses 64-bit offsets and sizes.
func isFat64(data []byte) bool {
	return len(data) >= 4 && binary.BigEndian.Uint32(data) == FAT_MAGIC_64
}

// parseFat reads the arch table through a view, then has go-macho validate
// every slice on a copy whose signatures are cleared.
func parseFat(data []byte) ([]fatSlice, error) {
	wide := isFat64(data)
	archSize := int64(fatArchSize)
	if wide {
		archSize = fatArch64Size
	}
	v := newView("fat header", data, binary.BigEndian)
	c := &cursor{v: v, pos: 4}
	n := c.u32()
	if c.err != nil {
		return nil, c.err
	}
	if n == 0 {
		return nil, fmt.Errorf("fat image has no slices")
	}
	if int64(n)*archSize+8 > int64(len(data)) {
		return nil, fmt.Errorf("fat header claims %d slices in %d bytes", n, len(data))
	}

	slices := make([]fatSlice, n)
	scratch := append([]byte(nil), data...)
	for i := range slices {
		fs := &slices[i]
		fs.CPU = types.CPU(c.u32())
		fs.SubCPU = types.CPUSubtype(c.u32())
		if wide {
			fs.Offset = c.u64()
			fs.Size = c.u64()
			fs.Align = c.u32()
			c.u32() // reserved
		} else {
			fs.Offset = uint64(c.u32())
			fs.Size = uint64(c.u32())
			fs.Align = c.u32()
		}
		if c.err != nil {
			return nil, c.err
		}
		if fs.Align > 16 {
			return nil, fmt.Errorf("slice %d: alignment 2^%d out of range", i, fs.Align)
		}
		if fs.Offset > uint64(len(data)) || fs.Size > uint64(len(data)) {
			return nil, fmt.Errorf("slice %d: range 0x%x+0x%x outside %d bytes", i, fs.Offset, fs.Size, len(data))
		}
		var err error
		if fs.Data, err = v.Bytes(int(fs.Offset), int(fs.Size)); err != nil {
			return nil, fmt.Errorf("slice %d: %w", i, err)
		}
		lay, err := scanSlice(fs.Data)
		if err != nil {
			return nil, fmt.Errorf("slice %d: %w", i, err)
		}
		if lay.hasSignature() {
			start := int64(fs.Offset) + int64(lay.sigOff)
			clear(scratch[start : start+int64(lay.sigSize)])
		}
	}

	// go-macho only reads the 32-bit arch table; 64-bit slices were each
	// validated by scanSlice above
	if wide {
		return slices, nil
	}
	ff, err := macho.NewFatFile(bytes.NewReader(scratch))
	if err != nil {
		return nil, fmt.Errorf("failed to parse fat image: %w", err)
	}
	defer ff.Close()
	if len(ff.Arches) != len(slices) {
		return nil, fmt.Errorf("fat image has %d slices, go-macho found %d", len(slices), len(ff.Arches))
	}
	for i, a := range ff.Arches {
		if a.CPU != slices[i].CPU || uint64(a.Offset) != slices[i].Offset {
			return nil, fmt.Errorf("slice %d: arch table mismatch", i)
		}
	}
	return slices, nil
}

// signFat signs every slice in parallel and reassembles the image in the
// original slice order.
func (s *Signer) signFat(ctx context.Context, data []byte) ([]byte, error) {
	slices, err := parseFat(data)
	if err != nil {
		return nil, err
	}

	signed := make([][]byte, len(slices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism())
	for i := range slices {
		i := i
		g.Go(func() error {
			out, err := s.signSlice(gctx, sliceName(i, slices[i].CPU), slices[i].Data)
			if err != nil {
				return err
			}
			signed[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return buildFat(slices, signed, isFat64(data))
}

// buildFat lays the signed slices out behind a new fat header, each at the
// alignment its arch entry declares. wide selects the 64-bit arch table.
func buildFat(slices []fatSlice, signed [][]byte, wide bool) ([]byte, error) {
	magic, archSize := uint32(FAT_MAGIC), fatArchSize
	if wide {
		magic, archSize = FAT_MAGIC_64, fatArch64Size
	}
	offsets := make([]int64, len(slices))
	pos := int64(8 + len(slices)*archSize)
	for i := range slices {
		pos = alignUp(pos, int64(1)<<slices[i].Align)
		offsets[i] = pos
		pos += int64(len(signed[i]))
	}
	if !wide && pos > 0xffffffff {
		return nil, fmt.Errorf("fat image of %d bytes exceeds 32-bit offsets", pos)
	}

	out := make([]byte, pos)
	b := put32be(out, magic)
	b = put32be(b, uint32(len(slices)))
	for i, fs := range slices {
		b = put32be(b, uint32(fs.CPU))
		b = put32be(b, uint32(fs.SubCPU))
		if wide {
			b = put64be(b, uint64(offsets[i]))
			b = put64be(b, uint64(len(signed[i])))
			b = put32be(b, fs.Align)
			b = put32be(b, 0)
		} else {
			b = put32be(b, uint32(offsets[i]))
			b = put32be(b, uint32(len(signed[i])))
			b = put32be(b, fs.Align)
		}
	}
	for i := range signed {
		copy(out[offsets[i]:], signed[i])
	}
	return out, nil
}

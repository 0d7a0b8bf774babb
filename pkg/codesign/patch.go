package codesign

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho/types"
	"github.com/rs/zerolog"
)

// CapacityError reports a SuperBlob that outgrew the space reserved for it.
// Nothing is written when it is returned; retry with a larger reservation.
type CapacityError struct {
	Slice    string
	Reserved int64
	Needed   int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("slice %s: signature needs %d bytes but only %d were reserved", e.Slice, e.Needed, e.Reserved)
}

// defaultReservation leaves room for both CodeDirectories, the entitlements
// and a CMS signature with a three-certificate chain.
func defaultReservation(pages int64) int64 {
	return alignUp((pages+1)*(20+32), 4096) + 16384
}

// codeLimitFor is where the signature will start: the old signature's
// offset, or the end of the slice rounded up to 16 bytes.
func codeLimitFor(l *sliceLayout, size int) int64 {
	if l.hasSignature() {
		return int64(l.sigOff)
	}
	return alignUp(int64(size), signatureAlign)
}

// signSlice signs one thin slice into a new buffer. data is never modified.
func (s *Signer) signSlice(ctx context.Context, name string, data []byte) ([]byte, error) {
	log := zerolog.Ctx(ctx).With().Str("slice", name).Logger()

	lay, err := scanSlice(data)
	if err != nil {
		return nil, fmt.Errorf("slice %s: %w", name, err)
	}
	codeLimit := codeLimitFor(lay, len(data))
	if codeLimit < int64(lay.linkedit.Offset) {
		return nil, fmt.Errorf("slice %s: code limit 0x%x precedes __LINKEDIT at 0x%x", name, codeLimit, lay.linkedit.Offset)
	}
	pageSize := int64(1) << s.pageSizeBits()
	pages := (codeLimit + pageSize - 1) / pageSize
	reserve := s.opts.Reserve
	if reserve <= 0 {
		reserve = defaultReservation(pages)
	}
	reserve = alignUp(reserve, signatureAlign)
	log.Debug().Int64("code_limit", codeLimit).Int64("reserved", reserve).Bool("resign", lay.hasSignature()).Msg("patching slice")

	// reserve: the owned buffer ends with the zeroed signature area
	out := make([]byte, codeLimit+reserve)
	copy(out, data[:min(int64(len(data)), codeLimit)])
	if err := patchLoadCommands(out, lay, codeLimit, reserve); err != nil {
		return nil, fmt.Errorf("slice %s: %w", name, err)
	}

	// content is final from here on
	code := out[:codeLimit]
	digests := PageDigests(code, int(pageSize))

	sb, err := s.buildSignature(ctx, lay, codeLimit, digests)
	if err != nil {
		return nil, fmt.Errorf("slice %s: %w", name, err)
	}
	if int64(len(sb)) > reserve {
		return nil, &CapacityError{Slice: name, Reserved: reserve, Needed: int64(len(sb))}
	}
	copy(out[codeLimit:], sb)

	if err := checkSignedSlice(out, codeLimit, reserve); err != nil {
		return nil, fmt.Errorf("slice %s: %w", name, err)
	}
	log.Info().Int("superblob", len(sb)).Int64("pages", pages).Msg("slice signed")
	if s.opts.DebugDir != "" {
		if err := dumpSlots(s.opts.DebugDir, name, sb); err != nil {
			log.Warn().Err(err).Msg("failed to write debug slots")
		}
	}
	return out, nil
}

// patchLoadCommands points LC_CODE_SIGNATURE at the reserved area, adding
// the command if needed, and grows __LINKEDIT to cover it.
func patchLoadCommands(out []byte, lay *sliceLayout, codeLimit, reserve int64) error {
	v := newView("mach-o", out, binary.LittleEndian)
	sigCmd := lay.sigCmdOff
	if sigCmd < 0 {
		if lay.loadCmdsEnd+LC_CODE_SIGNATURE_SIZE > lay.firstData {
			return errNoRoomForCmd
		}
		sigCmd = lay.loadCmdsEnd
		gap, err := v.Bytes(int(sigCmd), LC_CODE_SIGNATURE_SIZE)
		if err != nil {
			return err
		}
		for _, b := range gap {
			if b != 0 {
				return errNoRoomForCmd
			}
		}
		if err := v.PutU32(int(sigCmd), LC_CODE_SIGNATURE); err != nil {
			return err
		}
		if err := v.PutU32(int(sigCmd)+4, LC_CODE_SIGNATURE_SIZE); err != nil {
			return err
		}
		if err := v.PutU32(16, lay.ncmds+1); err != nil {
			return err
		}
		if err := v.PutU32(20, lay.sizeofcmds+LC_CODE_SIGNATURE_SIZE); err != nil {
			return err
		}
	}
	if codeLimit > 0xffffffff || reserve > 0xffffffff {
		return fmt.Errorf("signature range 0x%x+0x%x exceeds 32-bit offsets", codeLimit, reserve)
	}
	if err := v.PutU32(int(sigCmd)+8, uint32(codeLimit)); err != nil {
		return err
	}
	if err := v.PutU32(int(sigCmd)+12, uint32(reserve)); err != nil {
		return err
	}

	le := lay.linkedit
	filesize := uint64(codeLimit + reserve - int64(le.Offset))
	vmsize := uint64(alignUp(int64(filesize), 4096))
	if vmsize < le.Memsz {
		vmsize = le.Memsz
	}
	cmd := int(lay.linkeditCmdOff)
	if lay.is64 {
		if err := v.PutU64(cmd+lay.seg.vmsize, vmsize); err != nil {
			return err
		}
		return v.PutU64(cmd+lay.seg.filesize, filesize)
	}
	if vmsize > 0xffffffff {
		return fmt.Errorf("__LINKEDIT vmsize 0x%x exceeds 32 bits", vmsize)
	}
	if err := v.PutU32(cmd+lay.seg.vmsize, uint32(vmsize)); err != nil {
		return err
	}
	return v.PutU32(cmd+lay.seg.filesize, uint32(filesize))
}

// checkSignedSlice rereads the finished slice and checks that the load
// command describes the area the SuperBlob was written to.
func checkSignedSlice(out []byte, codeLimit, reserve int64) error {
	lay, err := scanSlice(out)
	if err != nil {
		return fmt.Errorf("signed slice no longer parses: %w", err)
	}
	if int64(lay.sigOff) != codeLimit || int64(lay.sigSize) != reserve {
		return fmt.Errorf("signature command points at 0x%x+0x%x, expected 0x%x+0x%x", lay.sigOff, lay.sigSize, codeLimit, reserve)
	}
	if int64(lay.sigOff)+int64(lay.sigSize) > int64(len(out)) {
		return fmt.Errorf("signature extends beyond slice")
	}
	sig, err := lay.signature(out)
	if err != nil {
		return err
	}
	if _, err := ParseSuperBlob(sig, CSMAGIC_EMBEDDED_SIGNATURE); err != nil {
		return err
	}
	return nil
}

// buildSignature hashes the finalized content and assembles the SuperBlob.
func (s *Signer) buildSignature(ctx context.Context, lay *sliceLayout, codeLimit int64, pages []Digests) ([]byte, error) {
	special := map[int][]byte{
		CSSLOT_INFOSLOT:     s.opts.InfoPlist,
		CSSLOT_REQUIREMENTS: s.requirements,
		CSSLOT_RESOURCEDIR:  s.opts.CodeResources,
	}
	entBlob := s.entitlements.Blob()
	derBlob := s.entitlements.DERBlob()
	special[CSSLOT_ENTITLEMENTS] = entBlob
	special[CSSLOT_DER_ENTITLEMENTS] = derBlob

	base, limit := lay.execSegment()
	var execFlags uint64
	if lay.fileType == types.MH_EXECUTE {
		execFlags |= CS_EXECSEG_MAIN_BINARY
	}
	if s.entitlements.GetTaskAllow() {
		execFlags |= CS_EXECSEG_ALLOW_UNSIGNED
	}
	flags := s.opts.Flags
	if s.identity == nil {
		flags |= CS_ADHOC
	}

	var dirs []DirectoryBlob
	for i, ht := range s.hashTypes() {
		slot := uint32(CSSLOT_CODEDIRECTORY)
		if i > 0 {
			slot = CSSLOT_ALTERNATE_CODEDIRECTORIES + uint32(i-1)
		}
		cd, err := BuildCodeDirectory(pages, &CodeDirectoryParams{
			Identifier:   s.identifier,
			TeamID:       s.teamID,
			HashType:     ht,
			PageSizeBits: s.pageSizeBits(),
			Flags:        flags,
			CodeLimit:    codeLimit,
			ExecSegBase:  base,
			ExecSegLimit: limit,
			ExecSegFlags: execFlags,
			Special:      special,
		})
		if err != nil {
			return nil, fmt.Errorf("code directory %s: %w", ht, err)
		}
		dirs = append(dirs, DirectoryBlob{Slot: slot, HashType: ht, Raw: cd})
	}

	var cms []byte
	if s.identity != nil {
		var err error
		if cms, err = SignCodeDirectories(s.identity, dirs); err != nil {
			return nil, err
		}
	} else {
		cms = MakeBlob(CSMAGIC_BLOBWRAPPER, nil)
	}

	b := NewSuperBlobBuilder(CSMAGIC_EMBEDDED_SIGNATURE)
	add := func(slot uint32, blob []byte) error {
		if len(blob) == 0 {
			return nil
		}
		if err := b.Add(slot, blob); err != nil {
			return fmt.Errorf("%s: %w", SlotName(slot), err)
		}
		return nil
	}
	if err := add(dirs[0].Slot, dirs[0].Raw); err != nil {
		return nil, err
	}
	for _, e := range []struct {
		slot uint32
		blob []byte
	}{
		{CSSLOT_REQUIREMENTS, s.requirements},
		{CSSLOT_ENTITLEMENTS, entBlob},
		{CSSLOT_DER_ENTITLEMENTS, derBlob},
	} {
		if err := add(e.slot, e.blob); err != nil {
			return nil, err
		}
	}
	for _, d := range dirs[1:] {
		if err := add(d.Slot, d.Raw); err != nil {
			return nil, err
		}
	}
	if err := add(CSSLOT_SIGNATURESLOT, cms); err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Debug().Int("blobs", b.Count()).Int("superblob", b.Len()).Msg("signature assembled")
	return b.Bytes(), nil
}

package codesign

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rs/zerolog"
	"howett.net/plist"
)

// HashMode selects which CodeDirectories a signature carries.
type HashMode string

const (
	// HashModeDual stores a SHA-1 CodeDirectory at slot 0 and a SHA-256 one
	// at the first alternate slot.
	HashModeDual   HashMode = "dual"
	HashModeSHA256 HashMode = "sha256"
)

const (
	minPageSizeBits = 12
	maxPageSizeBits = 16
)

// Options controls how images are signed. Byte fields hold the finalized
// content of the files they name.
type Options struct {
	Identifier    string
	TeamID        string
	Entitlements  []byte
	InfoPlist     []byte
	CodeResources []byte
	// Requirements replaces the generated designated requirement. Either a
	// Requirements vector or a single Requirement blob.
	Requirements []byte

	HashMode     HashMode
	PageSizeBits uint8
	// Reserve is the signature area per slice; 0 picks a size from the
	// page count.
	Reserve     int64
	Flags       uint32
	Parallelism int

	// DebugDir receives every slot of each new signature when set.
	DebugDir string
	// Compiler renders the requirements as text in debug logs.
	Compiler RequirementCompiler
}

// Signer signs Mach-O images with one identity and one set of options.
type Signer struct {
	identity     *SigningIdentity
	opts         Options
	identifier   string
	teamID       string
	entitlements *Entitlements
	requirements []byte
}

// NewSigner validates opts and prepares the blobs shared by every slice. A
// nil identity produces ad-hoc signatures.
func NewSigner(id *SigningIdentity, opts Options) (*Signer, error) {
	if opts.HashMode == "" {
		opts.HashMode = HashModeDual
	}
	if opts.HashMode != HashModeDual && opts.HashMode != HashModeSHA256 {
		return nil, fmt.Errorf("unknown hash mode %q", opts.HashMode)
	}
	if opts.PageSizeBits == 0 {
		opts.PageSizeBits = defaultPageSizeBits
	}
	if opts.PageSizeBits < minPageSizeBits || opts.PageSizeBits > maxPageSizeBits {
		return nil, fmt.Errorf("page size 2^%d outside 2^%d..2^%d", opts.PageSizeBits, minPageSizeBits, maxPageSizeBits)
	}
	if id != nil {
		if _, err := id.signer(); err != nil {
			return nil, err
		}
	}

	s := &Signer{identity: id, opts: opts, identifier: opts.Identifier, teamID: opts.TeamID}
	if s.identifier == "" {
		s.identifier = bundleIdentifier(opts.InfoPlist)
	}
	if s.identifier == "" {
		return nil, errors.New("signing identifier is required")
	}
	if s.teamID == "" && id != nil {
		s.teamID = id.TeamID
	}

	if len(opts.Entitlements) > 0 {
		ents, err := ParseEntitlements(opts.Entitlements)
		if err != nil {
			return nil, err
		}
		s.entitlements = ents
	}

	switch {
	case opts.Requirements != nil:
		reqs, err := normalizeRequirements(opts.Requirements)
		if err != nil {
			return nil, err
		}
		s.requirements = reqs
	case id == nil:
		s.requirements = EmptyRequirements()
	default:
		reqs, err := BuildRequirements(s.identifier, id.CommonName())
		if err != nil {
			return nil, err
		}
		s.requirements = reqs
	}
	return s, nil
}

func bundleIdentifier(infoPlist []byte) string {
	if len(infoPlist) == 0 {
		return ""
	}
	var info struct {
		CFBundleIdentifier string `plist:"CFBundleIdentifier"`
	}
	if _, err := plist.Unmarshal(infoPlist, &info); err != nil {
		return ""
	}
	return info.CFBundleIdentifier
}

func (s *Signer) pageSizeBits() uint8 { return s.opts.PageSizeBits }

func (s *Signer) hashTypes() []HashType {
	if s.opts.HashMode == HashModeSHA256 {
		return []HashType{HashSHA256}
	}
	return []HashType{HashSHA1, HashSHA256}
}

func (s *Signer) parallelism() int {
	if s.opts.Parallelism > 0 {
		return s.opts.Parallelism
	}
	return runtime.NumCPU()
}

// Identifier is the identifier written into every CodeDirectory.
func (s *Signer) Identifier() string { return s.identifier }

// SignImage signs a thin or fat Mach-O image held in memory and returns the
// new image. data is left untouched.
func (s *Signer) SignImage(ctx context.Context, data []byte) ([]byte, error) {
	log := zerolog.Ctx(ctx)
	if s.opts.Compiler != nil && log.GetLevel() <= zerolog.DebugLevel {
		if text, ok := s.opts.Compiler.Decompile(ctx, s.requirements); ok {
			log.Debug().Str("reqtext", text).Msg("requirements")
		}
	}
	if isFat(data) {
		return s.signFat(ctx, data)
	}
	lay, err := scanSlice(data)
	if err != nil {
		return nil, err
	}
	return s.signSlice(ctx, sliceName(-1, lay.cpu), data)
}

// SignFile signs the image at path in place.
func (s *Signer) SignFile(ctx context.Context, path string) error {
	return s.SignFileTo(ctx, path, path)
}

// SignFileTo signs src and writes the result to dst. dst is replaced
// atomically and stays untouched when signing fails.
func (s *Signer) SignFileTo(ctx context.Context, src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	out, err := s.SignImage(ctx, data)
	if err != nil {
		return err
	}
	mode := os.FileMode(0o755)
	if fi, err := os.Stat(src); err == nil {
		mode = fi.Mode().Perm()
	}
	if err := writeFileAtomic(dst, out, mode); err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Str("path", dst).Int("size", len(out)).Msg("image signed")
	return nil
}

// dumpSlots writes each blob of a SuperBlob to dir as <slice>_<slot>.slot.
func dumpSlots(dir, slice string, superblob []byte) error {
	sb, err := ParseSuperBlob(superblob, CSMAGIC_EMBEDDED_SIGNATURE)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, e := range sb.Entries {
		name := fmt.Sprintf("%s_%s.slot", slice, slotFileName(e.Type))
		if err := os.WriteFile(filepath.Join(dir, name), e.Data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func slotFileName(slot uint32) string {
	switch {
	case slot == CSSLOT_CODEDIRECTORY:
		return "codedirectory"
	case slot == CSSLOT_REQUIREMENTS:
		return "requirements"
	case slot == CSSLOT_ENTITLEMENTS:
		return "entitlements"
	case slot == CSSLOT_DER_ENTITLEMENTS:
		return "entitlements-der"
	case slot == CSSLOT_SIGNATURESLOT:
		return "cms"
	case isCodeDirectorySlot(slot):
		return fmt.Sprintf("codedirectory-%d", slot-CSSLOT_ALTERNATE_CODEDIRECTORIES+1)
	}
	return fmt.Sprintf("0x%x", slot)
}

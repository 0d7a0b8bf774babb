package codesign

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aluedeke/go-machosign/pkg/der"
	"github.com/blacktop/go-macho/types"
	"howett.net/plist"
)

// SignatureInfo holds the parsed code signature of one slice
type SignatureInfo struct {
	Slice   string
	CPU     types.CPU
	SigOff  uint32
	SigSize uint32

	SuperBlob       *SuperBlob
	CodeDirs        []*CodeDirectory
	Requirements    []byte
	Entitlements    *Entitlements
	EntitlementsDER der.Value
	CMS             *CMSInfo
}

// CMSInfo contains CMS signature details. An ad-hoc signature has an empty
// BlobWrapper and no CMSInfo.
type CMSInfo struct {
	Size         int
	SignerCN     string
	SignerTeamID string
	CDHashes     [][]byte
}

// Identifier returns the identifier of the first CodeDirectory.
func (info *SignatureInfo) Identifier() string {
	for _, cd := range info.CodeDirs {
		if cd.Identifier != "" {
			return cd.Identifier
		}
	}
	return ""
}

// CodeDirectory returns the CodeDirectory stored at slot.
func (info *SignatureInfo) CodeDirectory(slot uint32) *CodeDirectory {
	for _, cd := range info.CodeDirs {
		if cd.Slot == slot {
			return cd
		}
	}
	return nil
}

// InspectImage parses the code signature of every slice of a thin or fat
// image. Any malformed blob fails the whole inspection.
func InspectImage(data []byte) ([]*SignatureInfo, error) {
	if isFat(data) {
		slices, err := parseFat(data)
		if err != nil {
			return nil, err
		}
		infos := make([]*SignatureInfo, 0, len(slices))
		for i, fs := range slices {
			info, err := inspectSlice(sliceName(i, fs.CPU), fs.Data)
			if err != nil {
				return nil, fmt.Errorf("slice %d: %w", i, err)
			}
			infos = append(infos, info)
		}
		return infos, nil
	}
	lay, err := scanSlice(data)
	if err != nil {
		return nil, err
	}
	info, err := inspectSlice(sliceName(-1, lay.cpu), data)
	if err != nil {
		return nil, err
	}
	return []*SignatureInfo{info}, nil
}

func inspectSlice(name string, data []byte) (*SignatureInfo, error) {
	lay, err := scanSlice(data)
	if err != nil {
		return nil, err
	}
	sig, err := lay.signature(data)
	if err != nil {
		return nil, err
	}
	sb, err := ParseSuperBlob(sig, CSMAGIC_EMBEDDED_SIGNATURE)
	if err != nil {
		return nil, err
	}

	info := &SignatureInfo{
		Slice:     name,
		CPU:       lay.cpu,
		SigOff:    lay.sigOff,
		SigSize:   lay.sigSize,
		SuperBlob: sb,
	}
	for _, e := range sb.Entries {
		if err := info.addBlob(e); err != nil {
			return nil, fmt.Errorf("%s (slot 0x%x): %w", SlotName(e.Type), e.Type, err)
		}
	}
	return info, nil
}

// expectedMagic lists the blob magic each known slot must carry.
var expectedMagic = map[uint32]uint32{
	CSSLOT_REQUIREMENTS:     CSMAGIC_REQUIREMENTS,
	CSSLOT_ENTITLEMENTS:     CSMAGIC_EMBEDDED_ENTITLEMENTS,
	CSSLOT_DER_ENTITLEMENTS: CSMAGIC_EMBEDDED_DER_ENTITLEMENTS,
	CSSLOT_SIGNATURESLOT:    CSMAGIC_BLOBWRAPPER,
}

func (info *SignatureInfo) addBlob(e BlobEntry) error {
	want, known := expectedMagic[e.Type]
	if isCodeDirectorySlot(e.Type) {
		want, known = CSMAGIC_CODEDIRECTORY, true
	}
	if known && e.Magic() != want {
		return fmt.Errorf("magic 0x%x, expected 0x%x", e.Magic(), want)
	}
	payload := e.Data[blobHeaderSize:]

	switch {
	case isCodeDirectorySlot(e.Type):
		cd, err := ParseCodeDirectory(e.Data, e.Type)
		if err != nil {
			return err
		}
		info.CodeDirs = append(info.CodeDirs, cd)
	case e.Type == CSSLOT_REQUIREMENTS:
		if _, err := ParseSuperBlob(e.Data, CSMAGIC_REQUIREMENTS); err != nil {
			return err
		}
		info.Requirements = e.Data
	case e.Type == CSSLOT_ENTITLEMENTS:
		ents, err := ParseEntitlements(payload)
		if err != nil {
			// other signers embed <real>, <date> and <data>, which have
			// no DER tag
			if ents, err = looseEntitlements(payload); err != nil {
				return err
			}
		}
		info.Entitlements = ents
	case e.Type == CSSLOT_DER_ENTITLEMENTS:
		v, err := der.Decode(payload)
		if err != nil {
			return err
		}
		info.EntitlementsDER = v
	case e.Type == CSSLOT_SIGNATURESLOT:
		if len(payload) == 0 {
			return nil
		}
		cms, err := inspectCMS(payload)
		if err != nil {
			return err
		}
		info.CMS = cms
	}
	return nil
}

// looseEntitlements decodes an embedded entitlements plist for display only.
// Values the DER encoder cannot represent are rendered as strings.
func looseEntitlements(payload []byte) (*Entitlements, error) {
	var raw map[string]interface{}
	if _, err := plist.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse entitlements: %w", err)
	}
	return &Entitlements{XML: payload, Value: looseValue(raw).(der.Object)}, nil
}

func looseValue(v interface{}) der.Value {
	switch val := v.(type) {
	case []interface{}:
		arr := make(der.Array, 0, len(val))
		for _, item := range val {
			arr = append(arr, looseValue(item))
		}
		return arr
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := make(der.Object, 0, len(keys))
		for _, k := range keys {
			obj = append(obj, der.Member{Key: k, Value: looseValue(val[k])})
		}
		return obj
	case []byte:
		return der.String(hex.EncodeToString(val))
	case time.Time:
		return der.String(val.UTC().Format(time.RFC3339))
	}
	if conv, err := der.FromInterface(v); err == nil {
		return conv
	}
	return der.String(fmt.Sprint(v))
}

func inspectCMS(payload []byte) (*CMSInfo, error) {
	p7, err := ParseCMS(payload)
	if err != nil {
		return nil, err
	}
	info := &CMSInfo{Size: len(payload)}
	if cert := p7.GetOnlySigner(); cert != nil {
		info.SignerCN = cert.Subject.CommonName
		info.SignerTeamID = extractTeamID(cert)
	}
	// Older signatures carry no cdhashes attribute.
	if hashes, err := SignedCDHashes(p7); err == nil {
		info.CDHashes = hashes
	}
	return info, nil
}

// WriteSignatureInfo prints a signature the way a dump tool would: a header
// per blob with its SHA-1/SHA-256 tailer, followed by blob details. When
// compiler is set the requirements are shown as text too.
func WriteSignatureInfo(ctx context.Context, w io.Writer, info *SignatureInfo, compiler RequirementCompiler) {
	fmt.Fprintf(w, "\n=== %s ===\n", info.Slice)
	if id := info.Identifier(); id != "" {
		fmt.Fprintf(w, "Identifier: %s\n", id)
	}
	if cd := info.CodeDirectory(CSSLOT_CODEDIRECTORY); cd != nil && cd.TeamID != "" {
		fmt.Fprintf(w, "Team ID:    %s\n", cd.TeamID)
	}

	fmt.Fprintf(w, "\nCode Signature: offset 0x%x, %d bytes reserved\n", info.SigOff, info.SigSize)
	fmt.Fprintf(w, "  SuperBlob: %d blobs, %d bytes\n", len(info.SuperBlob.Entries), info.SuperBlob.Length)

	for i, e := range info.SuperBlob.Entries {
		prefix, child := "├─", "│   "
		if i == len(info.SuperBlob.Entries)-1 {
			prefix, child = "└─", "    "
		}
		fmt.Fprintf(w, "  %s %s: slot 0x%x, offset 0x%x, magic 0x%08x, %d bytes\n",
			prefix, SlotName(e.Type), e.Type, e.Offset, e.Magic(), len(e.Data))
		sha1Hex, sha256Hex := DigestAll(e.Data).Hex()
		fmt.Fprintf(w, "  %sSHA-1:   %s\n", child, sha1Hex)
		fmt.Fprintf(w, "  %sSHA-256: %s\n", child, sha256Hex)

		switch {
		case isCodeDirectorySlot(e.Type):
			if cd := info.CodeDirectory(e.Type); cd != nil {
				printCodeDirectoryDetails(w, cd, child)
			}
		case e.Type == CSSLOT_REQUIREMENTS:
			if compiler == nil {
				break
			}
			if text, ok := compiler.Decompile(ctx, e.Data); ok {
				for _, line := range strings.Split(text, "\n") {
					fmt.Fprintf(w, "  %sreqtext: %s\n", child, line)
				}
			}
		case e.Type == CSSLOT_ENTITLEMENTS && info.Entitlements != nil:
			printEntitlements(w, info.Entitlements.Value, child)
		case e.Type == CSSLOT_DER_ENTITLEMENTS:
			if obj, ok := info.EntitlementsDER.(der.Object); ok {
				printEntitlements(w, obj, child)
			}
		case e.Type == CSSLOT_SIGNATURESLOT:
			printCMSDetails(w, info.CMS, child)
		}
	}
}

func printCodeDirectoryDetails(w io.Writer, cd *CodeDirectory, prefix string) {
	fmt.Fprintf(w, "  %sVersion: 0x%x\n", prefix, cd.Version)
	fmt.Fprintf(w, "  %sFlags: 0x%x\n", prefix, cd.Flags)
	fmt.Fprintf(w, "  %sHash Type: %s (%d bytes)\n", prefix, cd.HashType, cd.HashSize)
	fmt.Fprintf(w, "  %sPage Size: %d\n", prefix, cd.PageSize)
	fmt.Fprintf(w, "  %sCode Limit: %d\n", prefix, cd.CodeLimit)
	fmt.Fprintf(w, "  %sCDHash: %s\n", prefix, hex.EncodeToString(CDHash(cd.Raw, cd.HashType)))
	if cd.Version >= codeDirectoryVersion {
		fmt.Fprintf(w, "  %sExec Seg: base=0x%x, limit=0x%x, flags=0x%x\n",
			prefix, cd.ExecSegBase, cd.ExecSegLimit, cd.ExecSegFlags)
	}

	fmt.Fprintf(w, "  %sSpecial Slots: %d\n", prefix, cd.NSpecialSlots)
	for slot := int(cd.NSpecialSlots); slot >= 1; slot-- {
		h := cd.SpecialHashes[slot]
		if isZero(h) {
			continue
		}
		hashStr := hex.EncodeToString(h)
		if len(hashStr) > 24 {
			hashStr = hashStr[:24] + "..."
		}
		fmt.Fprintf(w, "  %s  -%d (%s): %s\n", prefix, slot, SlotName(uint32(slot)), hashStr)
	}
	fmt.Fprintf(w, "  %sCode Slots: %d\n", prefix, cd.NCodeSlots)
}

func printEntitlements(w io.Writer, ents der.Object, prefix string) {
	for _, m := range ents {
		fmt.Fprintf(w, "  %s  %s: %v\n", prefix, m.Key, der.ToInterface(m.Value))
	}
}

func printCMSDetails(w io.Writer, cms *CMSInfo, prefix string) {
	if cms == nil {
		fmt.Fprintf(w, "  %sAd-hoc (empty wrapper)\n", prefix)
		return
	}
	if cms.SignerCN != "" {
		fmt.Fprintf(w, "  %sSigner: %s\n", prefix, cms.SignerCN)
	}
	if cms.SignerTeamID != "" {
		fmt.Fprintf(w, "  %sTeam ID: %s\n", prefix, cms.SignerTeamID)
	}
	for _, h := range cms.CDHashes {
		fmt.Fprintf(w, "  %sCDHash: %s\n", prefix, hex.EncodeToString(h))
	}
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

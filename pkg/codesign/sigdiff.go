package codesign

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/aluedeke/go-machosign/pkg/der"
)

// fprint is a helper that ignores fmt.Fprintf errors (for CLI output)
func fprint(w io.Writer, format string, a ...interface{}) {
	_, _ = fmt.Fprintf(w, format, a...)
}

// SignatureDiff represents the differences between the signatures of two
// images, slice by slice.
type SignatureDiff struct {
	Path1      string
	Path2      string
	SliceDiffs []SliceDiff
}

// SliceDiff represents differences for a single slice
type SliceDiff struct {
	Slice            string
	SuperBlobDiff    FieldDiff
	CodeDirDiffs     []CodeDirDiff
	RequirementsDiff FieldDiff
	EntitlementsDiff EntitlementsDiff
	CMSDiff          FieldDiff

	// Only in one image
	OnlyIn1 bool
	OnlyIn2 bool
}

// Same reports whether no field of the slice differs.
func (d *SliceDiff) Same() bool {
	if d.OnlyIn1 || d.OnlyIn2 {
		return false
	}
	if !d.SuperBlobDiff.Same || !d.RequirementsDiff.Same || !d.EntitlementsDiff.Same || !d.CMSDiff.Same {
		return false
	}
	for i := range d.CodeDirDiffs {
		if !d.CodeDirDiffs[i].Same() {
			return false
		}
	}
	return true
}

// FieldDiff represents a simple field comparison
type FieldDiff struct {
	Name   string
	Same   bool
	Value1 string
	Value2 string
}

// CodeDirDiff represents CodeDirectory differences
type CodeDirDiff struct {
	Slot             uint32
	Presence         FieldDiff
	VersionDiff      FieldDiff
	FlagsDiff        FieldDiff
	IdentifierDiff   FieldDiff
	TeamIDDiff       FieldDiff
	PageSizeDiff     FieldDiff
	CodeLimitDiff    FieldDiff
	ExecSegDiff      FieldDiff
	SpecialSlotDiffs []FieldDiff
	CodeHashesSame   bool
	CodeHashesCount1 int
	CodeHashesCount2 int
}

// Same reports whether both CodeDirectories agree on every field.
func (d *CodeDirDiff) Same() bool {
	if !d.Presence.Same {
		return false
	}
	for _, f := range []FieldDiff{d.VersionDiff, d.FlagsDiff, d.IdentifierDiff, d.TeamIDDiff,
		d.PageSizeDiff, d.CodeLimitDiff, d.ExecSegDiff} {
		if !f.Same {
			return false
		}
	}
	for _, f := range d.SpecialSlotDiffs {
		if !f.Same {
			return false
		}
	}
	return d.CodeHashesSame
}

// EntitlementsDiff lists keys added, removed or changed going from the
// first image to the second, each in document order.
type EntitlementsDiff struct {
	Same    bool
	Added   der.Object
	Removed der.Object
	Changed []EntitlementChange
}

// EntitlementChange is one key whose value differs.
type EntitlementChange struct {
	Key            string
	Value1, Value2 der.Value
}

// CompareImages matches slices by name and compares their signatures.
func CompareImages(path1 string, infos1 []*SignatureInfo, path2 string, infos2 []*SignatureInfo) *SignatureDiff {
	diff := &SignatureDiff{Path1: path1, Path2: path2}
	byName := make(map[string]*SignatureInfo, len(infos2))
	for _, info := range infos2 {
		byName[info.Slice] = info
	}
	for _, info1 := range infos1 {
		info2, ok := byName[info1.Slice]
		if !ok {
			diff.SliceDiffs = append(diff.SliceDiffs, SliceDiff{Slice: info1.Slice, OnlyIn1: true})
			continue
		}
		delete(byName, info1.Slice)
		diff.SliceDiffs = append(diff.SliceDiffs, *CompareSignatures(info1, info2))
	}
	for _, info2 := range infos2 {
		if _, ok := byName[info2.Slice]; ok {
			diff.SliceDiffs = append(diff.SliceDiffs, SliceDiff{Slice: info2.Slice, OnlyIn2: true})
		}
	}
	return diff
}

// CompareSignatures compares two parsed slice signatures
func CompareSignatures(info1, info2 *SignatureInfo) *SliceDiff {
	diff := &SliceDiff{Slice: info1.Slice}

	diff.SuperBlobDiff = compareField("SuperBlob",
		fmt.Sprintf("%d blobs, %d bytes", len(info1.SuperBlob.Entries), info1.SuperBlob.Length),
		fmt.Sprintf("%d blobs, %d bytes", len(info2.SuperBlob.Entries), info2.SuperBlob.Length),
	)

	slots := make(map[uint32]bool)
	for _, cd := range info1.CodeDirs {
		slots[cd.Slot] = true
	}
	for _, cd := range info2.CodeDirs {
		slots[cd.Slot] = true
	}
	ordered := make([]uint32, 0, len(slots))
	for slot := range slots {
		ordered = append(ordered, slot)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	for _, slot := range ordered {
		cd1, cd2 := info1.CodeDirectory(slot), info2.CodeDirectory(slot)
		switch {
		case cd1 != nil && cd2 != nil:
			diff.CodeDirDiffs = append(diff.CodeDirDiffs, compareCodeDirectories(cd1, cd2))
		case cd1 != nil:
			diff.CodeDirDiffs = append(diff.CodeDirDiffs, CodeDirDiff{Slot: slot,
				Presence: FieldDiff{Name: "Presence", Value1: "present", Value2: "missing"}})
		default:
			diff.CodeDirDiffs = append(diff.CodeDirDiffs, CodeDirDiff{Slot: slot,
				Presence: FieldDiff{Name: "Presence", Value1: "missing", Value2: "present"}})
		}
	}

	diff.RequirementsDiff = compareField("Requirements",
		fmt.Sprintf("%d bytes", len(info1.Requirements)),
		fmt.Sprintf("%d bytes", len(info2.Requirements)),
	)
	diff.RequirementsDiff.Same = bytes.Equal(info1.Requirements, info2.Requirements)

	var ents1, ents2 der.Object
	if info1.Entitlements != nil {
		ents1 = info1.Entitlements.Value
	}
	if info2.Entitlements != nil {
		ents2 = info2.Entitlements.Value
	}
	diff.EntitlementsDiff = compareEntitlements(ents1, ents2)

	diff.CMSDiff = compareField("CMS Signature", describeCMS(info1.CMS), describeCMS(info2.CMS))
	return diff
}

func describeCMS(cms *CMSInfo) string {
	if cms == nil {
		return "ad-hoc"
	}
	return fmt.Sprintf("signer %q, team %q", cms.SignerCN, cms.SignerTeamID)
}

// compareField creates a FieldDiff for simple value comparison
func compareField(name, val1, val2 string) FieldDiff {
	return FieldDiff{
		Name:   name,
		Same:   val1 == val2,
		Value1: val1,
		Value2: val2,
	}
}

func compareCodeDirectories(cd1, cd2 *CodeDirectory) CodeDirDiff {
	diff := CodeDirDiff{
		Slot:     cd1.Slot,
		Presence: FieldDiff{Name: "Presence", Same: true, Value1: "present", Value2: "present"},
	}
	diff.VersionDiff = compareField("Version", fmt.Sprintf("0x%x", cd1.Version), fmt.Sprintf("0x%x", cd2.Version))
	diff.FlagsDiff = compareField("Flags", fmt.Sprintf("0x%x", cd1.Flags), fmt.Sprintf("0x%x", cd2.Flags))
	diff.IdentifierDiff = compareField("Identifier", cd1.Identifier, cd2.Identifier)
	diff.TeamIDDiff = compareField("Team ID", cd1.TeamID, cd2.TeamID)
	diff.PageSizeDiff = compareField("Page Size", fmt.Sprint(cd1.PageSize), fmt.Sprint(cd2.PageSize))
	diff.CodeLimitDiff = compareField("Code Limit", fmt.Sprint(cd1.CodeLimit), fmt.Sprint(cd2.CodeLimit))
	diff.ExecSegDiff = compareField("Exec Seg",
		fmt.Sprintf("base=0x%x limit=0x%x flags=0x%x", cd1.ExecSegBase, cd1.ExecSegLimit, cd1.ExecSegFlags),
		fmt.Sprintf("base=0x%x limit=0x%x flags=0x%x", cd2.ExecSegBase, cd2.ExecSegLimit, cd2.ExecSegFlags))

	n := cd1.NSpecialSlots
	if cd2.NSpecialSlots > n {
		n = cd2.NSpecialSlots
	}
	for slot := 1; slot <= int(n); slot++ {
		diff.SpecialSlotDiffs = append(diff.SpecialSlotDiffs, compareField(
			fmt.Sprintf("-%d (%s)", slot, SlotName(uint32(slot))),
			hex.EncodeToString(cd1.SpecialHashes[slot]),
			hex.EncodeToString(cd2.SpecialHashes[slot]),
		))
	}

	diff.CodeHashesCount1 = len(cd1.CodeHashes)
	diff.CodeHashesCount2 = len(cd2.CodeHashes)
	diff.CodeHashesSame = diff.CodeHashesCount1 == diff.CodeHashesCount2
	for i := 0; diff.CodeHashesSame && i < len(cd1.CodeHashes); i++ {
		diff.CodeHashesSame = bytes.Equal(cd1.CodeHashes[i], cd2.CodeHashes[i])
	}
	return diff
}

func compareEntitlements(ent1, ent2 der.Object) EntitlementsDiff {
	var diff EntitlementsDiff
	for _, m := range ent1 {
		v2, ok := ent2.Get(m.Key)
		switch {
		case !ok:
			diff.Removed = append(diff.Removed, m)
		case !der.Equal(m.Value, v2):
			diff.Changed = append(diff.Changed, EntitlementChange{Key: m.Key, Value1: m.Value, Value2: v2})
		}
	}
	for _, m := range ent2 {
		if _, ok := ent1.Get(m.Key); !ok {
			diff.Added = append(diff.Added, m)
		}
	}
	diff.Same = len(diff.Added) == 0 && len(diff.Removed) == 0 && len(diff.Changed) == 0
	return diff
}

// PrintSignatureDiff prints a signature diff to a writer
func PrintSignatureDiff(diff *SignatureDiff, w io.Writer) {
	fprint(w, "Comparing:\n")
	fprint(w, "  Image 1: %s\n", diff.Path1)
	fprint(w, "  Image 2: %s\n\n", diff.Path2)

	for i := range diff.SliceDiffs {
		printSliceDiff(&diff.SliceDiffs[i], w)
	}
}

func printSliceDiff(diff *SliceDiff, w io.Writer) {
	fprint(w, "=== %s ===\n", diff.Slice)

	if diff.OnlyIn1 {
		fprint(w, "  Only in Image 1\n\n")
		return
	}
	if diff.OnlyIn2 {
		fprint(w, "  Only in Image 2\n\n")
		return
	}

	printFieldDiff(w, "SuperBlob", diff.SuperBlobDiff)
	for i := range diff.CodeDirDiffs {
		printCodeDirDiff(w, &diff.CodeDirDiffs[i])
	}
	printFieldDiff(w, "Requirements", diff.RequirementsDiff)
	printEntitlementsDiff(w, &diff.EntitlementsDiff)
	printFieldDiff(w, "CMS Signature", diff.CMSDiff)
	fprint(w, "\n")
}

func printFieldDiff(w io.Writer, name string, diff FieldDiff) {
	if diff.Same {
		fprint(w, "  %-16s SAME (%s)\n", name+":", diff.Value1)
		return
	}
	fprint(w, "  %-16s DIFFER\n", name+":")
	fprint(w, "    - Image 1: %s\n", diff.Value1)
	fprint(w, "    + Image 2: %s\n", diff.Value2)
}

func printCodeDirDiff(w io.Writer, diff *CodeDirDiff) {
	name := SlotName(diff.Slot)
	if diff.Same() {
		fprint(w, "  %-16s SAME\n", name+":")
		return
	}
	fprint(w, "  %s:\n", name)
	if !diff.Presence.Same {
		fprint(w, "    %s in Image 1, %s in Image 2\n", diff.Presence.Value1, diff.Presence.Value2)
		return
	}

	for _, f := range []FieldDiff{diff.VersionDiff, diff.FlagsDiff, diff.IdentifierDiff, diff.TeamIDDiff,
		diff.PageSizeDiff, diff.CodeLimitDiff, diff.ExecSegDiff} {
		if !f.Same {
			fprint(w, "    %-13s DIFFER (%s vs %s)\n", f.Name+":", f.Value1, f.Value2)
		}
	}
	for _, f := range diff.SpecialSlotDiffs {
		if f.Same {
			continue
		}
		v1, v2 := f.Value1, f.Value2
		if len(v1) > 40 {
			v1 = v1[:40] + "..."
		}
		if len(v2) > 40 {
			v2 = v2[:40] + "..."
		}
		fprint(w, "    Special %s: DIFFER\n", f.Name)
		fprint(w, "      - Image 1: %s\n", v1)
		fprint(w, "      + Image 2: %s\n", v2)
	}
	if diff.CodeHashesSame {
		fprint(w, "    Code Hashes:  SAME (%d pages)\n", diff.CodeHashesCount1)
	} else {
		fprint(w, "    Code Hashes:  DIFFER (%d vs %d pages)\n", diff.CodeHashesCount1, diff.CodeHashesCount2)
	}
}

func printEntitlementsDiff(w io.Writer, diff *EntitlementsDiff) {
	if diff.Same {
		fprint(w, "  %-16s SAME\n", "Entitlements:")
		return
	}
	fprint(w, "  %-16s DIFFER\n", "Entitlements:")
	for _, m := range diff.Removed {
		fprint(w, "    - %s: %v\n", m.Key, der.ToInterface(m.Value))
	}
	for _, m := range diff.Added {
		fprint(w, "    + %s: %v\n", m.Key, der.ToInterface(m.Value))
	}
	for _, c := range diff.Changed {
		fprint(w, "    ~ %s:\n", c.Key)
		fprint(w, "      - Image 1: %v\n", der.ToInterface(c.Value1))
		fprint(w, "      + Image 2: %v\n", der.ToInterface(c.Value2))
	}
}

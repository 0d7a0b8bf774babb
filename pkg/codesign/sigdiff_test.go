package codesign

import (
	"bytes"
	"strings"
	"testing"

	"github.com/aluedeke/go-machosign/pkg/der"
)

func TestCompareImagesIdentical(t *testing.T) {
	out := signAdhoc(t, buildMachO64(t), Options{})
	infos1, err := InspectImage(out)
	if err != nil {
		t.Fatalf("InspectImage failed: %v", err)
	}
	infos2, _ := InspectImage(out)

	diff := CompareImages("a", infos1, "b", infos2)
	if len(diff.SliceDiffs) != 1 {
		t.Fatalf("Expected 1 slice diff, got %d", len(diff.SliceDiffs))
	}
	if !diff.SliceDiffs[0].Same() {
		t.Errorf("identical images should compare equal: %+v", diff.SliceDiffs[0])
	}

	var buf bytes.Buffer
	PrintSignatureDiff(diff, &buf)
	if strings.Contains(buf.String(), "DIFFER") {
		t.Errorf("unexpected difference reported\n%s", buf.String())
	}
}

func TestCompareImagesDifferentIdentifier(t *testing.T) {
	data := buildMachO64(t)
	info1 := inspectOne(t, signAdhoc(t, data, Options{}))
	info2 := inspectOne(t, signAdhoc(t, data, Options{Identifier: "com.example.other"}))

	diff := CompareSignatures(info1, info2)
	if diff.Same() {
		t.Fatalf("Expected a difference")
	}
	cd := diff.CodeDirDiffs[0]
	if cd.IdentifierDiff.Same {
		t.Errorf("identifier difference not detected")
	}
	if !cd.CodeHashesSame {
		t.Errorf("code hashes cover only the code and should match")
	}
	if !diff.CMSDiff.Same {
		t.Errorf("both signatures are ad-hoc")
	}

	var buf bytes.Buffer
	PrintSignatureDiff(&SignatureDiff{Path1: "a", Path2: "b", SliceDiffs: []SliceDiff{*diff}}, &buf)
	if !strings.Contains(buf.String(), "Identifier:") || !strings.Contains(buf.String(), "com.example.other") {
		t.Errorf("identifier difference not printed\n%s", buf.String())
	}
}

func TestCompareImagesSliceMismatch(t *testing.T) {
	arm := signAdhoc(t, buildMachO(t, true, testCPUArm64, testMHExecute, 0x100), Options{})
	x86 := signAdhoc(t, buildMachO(t, true, testCPUX86_64, testMHExecute, 0x100), Options{})
	infos1, _ := InspectImage(arm)
	infos2, _ := InspectImage(x86)

	diff := CompareImages("a", infos1, "b", infos2)
	if len(diff.SliceDiffs) != 2 {
		t.Fatalf("Expected 2 slice diffs, got %d", len(diff.SliceDiffs))
	}
	if !diff.SliceDiffs[0].OnlyIn1 || !diff.SliceDiffs[1].OnlyIn2 {
		t.Errorf("Expected one slice only in each image: %+v", diff.SliceDiffs)
	}
}

func TestCompareEntitlements(t *testing.T) {
	ent1 := der.Object{
		{Key: "a", Value: der.Bool(true)},
		{Key: "b", Value: der.String("x")},
	}
	ent2 := der.Object{
		{Key: "b", Value: der.String("y")},
		{Key: "c", Value: der.Int(1)},
	}
	diff := compareEntitlements(ent1, ent2)
	if diff.Same {
		t.Fatalf("Expected a difference")
	}
	if len(diff.Removed) != 1 || diff.Removed[0].Key != "a" {
		t.Errorf("Expected a removed, got %v", diff.Removed)
	}
	if len(diff.Added) != 1 || diff.Added[0].Key != "c" {
		t.Errorf("Expected c added, got %v", diff.Added)
	}
	if len(diff.Changed) != 1 || diff.Changed[0].Key != "b" {
		t.Errorf("Expected b changed, got %v", diff.Changed)
	}

	if !compareEntitlements(nil, der.Object{}).Same {
		t.Errorf("missing and empty entitlements should compare equal")
	}
}

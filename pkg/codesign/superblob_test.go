package codesign

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestSuperBlobRoundTrip(t *testing.T) {
	req := MakeBlob(CSMAGIC_REQUIREMENTS, []byte{0, 0, 0, 0})
	ent := MakeBlob(CSMAGIC_EMBEDDED_ENTITLEMENTS, []byte("<dict/>"))

	b := NewSuperBlobBuilder(CSMAGIC_EMBEDDED_SIGNATURE)
	if err := b.Add(CSSLOT_REQUIREMENTS, req); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := b.Add(CSSLOT_ENTITLEMENTS, ent); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	data := b.Bytes()
	if len(data) != b.Len() {
		t.Errorf("Expected %d bytes, got %d", b.Len(), len(data))
	}
	if got := binary.BigEndian.Uint32(data[4:]); int(got) != len(data) {
		t.Errorf("Expected length field %d, got %d", len(data), got)
	}

	sb, err := ParseSuperBlob(data, CSMAGIC_EMBEDDED_SIGNATURE)
	if err != nil {
		t.Fatalf("ParseSuperBlob failed: %v", err)
	}
	if len(sb.Entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(sb.Entries))
	}
	if sb.Entries[0].Type != CSSLOT_REQUIREMENTS || sb.Entries[1].Type != CSSLOT_ENTITLEMENTS {
		t.Errorf("Entries out of insertion order: %+v", sb.Entries)
	}
	if sb.Entries[0].Offset != 12+2*8 {
		t.Errorf("Expected first blob at 28, got %d", sb.Entries[0].Offset)
	}
	if got, ok := sb.Get(CSSLOT_ENTITLEMENTS); !ok || !bytes.Equal(got, ent) {
		t.Errorf("Entitlements blob did not round trip")
	}
	if sb.Entries[1].Magic() != CSMAGIC_EMBEDDED_ENTITLEMENTS {
		t.Errorf("Unexpected magic 0x%x", sb.Entries[1].Magic())
	}
	if _, ok := sb.Get(CSSLOT_SIGNATURESLOT); ok {
		t.Errorf("Get returned a blob for a missing slot")
	}
}

func TestSuperBlobBuilderRejects(t *testing.T) {
	b := NewSuperBlobBuilder(CSMAGIC_EMBEDDED_SIGNATURE)
	if err := b.Add(CSSLOT_REQUIREMENTS, []byte{1, 2, 3}); err == nil {
		t.Errorf("Expected error for blob shorter than its header")
	}
	blob := MakeBlob(CSMAGIC_REQUIREMENTS, nil)
	if err := b.Add(CSSLOT_REQUIREMENTS, blob); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := b.Add(CSSLOT_REQUIREMENTS, blob); err == nil {
		t.Errorf("Expected error for duplicate slot")
	}
	if b.Count() != 1 {
		t.Errorf("Expected 1 entry, got %d", b.Count())
	}
}

func TestEmptyRequirements(t *testing.T) {
	want := []byte{0xfa, 0xde, 0x0c, 0x01, 0, 0, 0, 0x0c, 0, 0, 0, 0}
	if got := EmptyRequirements(); !bytes.Equal(got, want) {
		t.Errorf("Expected %x, got %x", want, got)
	}
}

func TestParseSuperBlobRejects(t *testing.T) {
	valid := func() []byte {
		b := NewSuperBlobBuilder(CSMAGIC_EMBEDDED_SIGNATURE)
		b.Add(CSSLOT_REQUIREMENTS, MakeBlob(CSMAGIC_REQUIREMENTS, []byte{0, 0, 0, 0}))
		b.Add(CSSLOT_ENTITLEMENTS, MakeBlob(CSMAGIC_EMBEDDED_ENTITLEMENTS, []byte("x")))
		return b.Bytes()
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"wrong magic", func(d []byte) []byte {
			binary.BigEndian.PutUint32(d, CSMAGIC_REQUIREMENTS)
			return d
		}},
		{"length beyond buffer", func(d []byte) []byte {
			binary.BigEndian.PutUint32(d[4:], uint32(len(d)+1))
			return d
		}},
		{"too many entries", func(d []byte) []byte {
			binary.BigEndian.PutUint32(d[8:], 1000)
			return d
		}},
		{"duplicate slot", func(d []byte) []byte {
			binary.BigEndian.PutUint32(d[20:], CSSLOT_REQUIREMENTS)
			return d
		}},
		{"offsets out of order", func(d []byte) []byte {
			first := binary.BigEndian.Uint32(d[16:])
			binary.BigEndian.PutUint32(d[24:], first)
			return d
		}},
		{"offset inside index", func(d []byte) []byte {
			binary.BigEndian.PutUint32(d[16:], 4)
			return d
		}},
		{"blob length past end", func(d []byte) []byte {
			off := binary.BigEndian.Uint32(d[24:])
			binary.BigEndian.PutUint32(d[off+4:], 0x1000)
			return d
		}},
		{"truncated header", func(d []byte) []byte { return d[:6] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSuperBlob(tt.mutate(valid()), CSMAGIC_EMBEDDED_SIGNATURE)
			if err == nil {
				t.Fatalf("Expected error")
			}
			if tt.name != "truncated header" && !errors.Is(err, errBadSuperBlob) {
				t.Errorf("Expected errBadSuperBlob, got %v", err)
			}
		})
	}
}

func TestMakeBlob(t *testing.T) {
	blob := MakeBlob(CSMAGIC_BLOBWRAPPER, nil)
	want := []byte{0xfa, 0xde, 0x0b, 0x01, 0, 0, 0, 8}
	if !bytes.Equal(blob, want) {
		t.Errorf("Expected %x, got %x", want, blob)
	}
}

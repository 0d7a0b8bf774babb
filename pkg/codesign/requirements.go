package codesign

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Requirement opcodes and match operators (cscdefs.h).
const (
	opIdent              = 2
	opAnd                = 6
	opCertField          = 11
	opCertGeneric        = 14
	opAppleGenericAnchor = 15

	matchExists = 0
	matchEqual  = 1

	requirementKindExpression = 1
)

// Apple Developer ID intermediate marker, 1.2.840.113635.100.6.2.1
var appleDevIntermediateOID = []byte{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x63, 0x64, 0x06, 0x02, 0x01}

// reqWriter emits a requirement expression in big-endian words.
type reqWriter struct {
	buf bytes.Buffer
}

func (w *reqWriter) op(x uint32) {
	binary.Write(&w.buf, binary.BigEndian, x)
}

// data writes a length-prefixed byte string padded to a 4-byte boundary
func (w *reqWriter) data(b []byte) {
	w.op(uint32(len(b)))
	w.buf.Write(b)
	for i := len(b); i%4 != 0; i++ {
		w.buf.WriteByte(0)
	}
}

// DesignatedRequirement builds a Requirement blob for
//
//	identifier "<id>" and anchor apple generic
//
// and, when signerCN is set,
//
//	and certificate leaf[subject.CN] = "<cn>"
//	and certificate 1[field.1.2.840.113635.100.6.2.1] exists
func DesignatedRequirement(identifier, signerCN string) []byte {
	var w reqWriter
	w.op(opAnd)
	w.op(opIdent)
	w.data([]byte(identifier))
	if signerCN == "" {
		w.op(opAppleGenericAnchor)
	} else {
		w.op(opAnd)
		w.op(opAppleGenericAnchor)
		w.op(opAnd)

		w.op(opCertField)
		w.op(0) // leaf
		w.data([]byte("subject.CN"))
		w.op(matchEqual)
		w.data([]byte(signerCN))

		w.op(opCertGeneric)
		w.op(1)
		w.data(appleDevIntermediateOID)
		w.op(matchExists)
	}

	payload := make([]byte, 4+w.buf.Len())
	binary.BigEndian.PutUint32(payload, requirementKindExpression)
	copy(payload[4:], w.buf.Bytes())
	return MakeBlob(CSMAGIC_REQUIREMENT, payload)
}

// BuildRequirements wraps a designated requirement in a Requirements vector.
func BuildRequirements(identifier, signerCN string) ([]byte, error) {
	b := NewSuperBlobBuilder(CSMAGIC_REQUIREMENTS)
	if err := b.Add(designatedRequirementType, DesignatedRequirement(identifier, signerCN)); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// EmptyRequirements is the requirements vector with no entries.
func EmptyRequirements() []byte {
	return NewSuperBlobBuilder(CSMAGIC_REQUIREMENTS).Bytes()
}

// normalizeRequirements accepts a Requirements vector as is and wraps a
// single Requirement blob as the designated requirement.
func normalizeRequirements(blob []byte) ([]byte, error) {
	if len(blob) < blobHeaderSize {
		return nil, fmt.Errorf("requirements blob of %d bytes is too short", len(blob))
	}
	switch binary.BigEndian.Uint32(blob) {
	case CSMAGIC_REQUIREMENTS:
		if _, err := ParseSuperBlob(blob, CSMAGIC_REQUIREMENTS); err != nil {
			return nil, fmt.Errorf("requirements: %w", err)
		}
		return blob, nil
	case CSMAGIC_REQUIREMENT:
		if int(binary.BigEndian.Uint32(blob[4:])) != len(blob) {
			return nil, fmt.Errorf("requirement blob length does not match its data")
		}
		b := NewSuperBlobBuilder(CSMAGIC_REQUIREMENTS)
		if err := b.Add(designatedRequirementType, blob); err != nil {
			return nil, err
		}
		return b.Bytes(), nil
	}
	return nil, fmt.Errorf("requirements blob has magic 0x%x", binary.BigEndian.Uint32(blob))
}

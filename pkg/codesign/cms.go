package codesign

import (
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

var (
	oidCDHashesPlist = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 1}
	oidCDHashes2     = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 2}
	oidDigestSHA256  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
)

// ErrSignatureMismatch is returned when a freshly built CMS signature does
// not verify against the CodeDirectory it was made for.
var ErrSignatureMismatch = errors.New("cms signature does not match code directory")

// cdHashPlist is the payload of the 1.2.840.113635.100.9.1 attribute.
type cdHashPlist struct {
	CDHashes [][]byte `plist:"cdhashes"`
}

type cdHashAttr struct {
	Algorithm asn1.ObjectIdentifier
	Digest    []byte
}

// DirectoryBlob is one finished CodeDirectory and the slot it will occupy.
type DirectoryBlob struct {
	Slot     uint32
	HashType HashType
	Raw      []byte
}

func cdHashAttributes(dirs []DirectoryBlob) ([]pkcs7.Attribute, error) {
	var pl cdHashPlist
	var strongest []byte
	for _, d := range dirs {
		h := CDHash(d.Raw, d.HashType)
		pl.CDHashes = append(pl.CDHashes, h[:20])
		if d.HashType == HashSHA256 {
			strongest = h
		}
	}
	plistText, err := plist.MarshalIndent(pl, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("cdhashes plist: %w", err)
	}
	attrs := []pkcs7.Attribute{{Type: oidCDHashesPlist, Value: plistText}}
	if strongest != nil {
		seq, err := asn1.Marshal(cdHashAttr{Algorithm: oidDigestSHA256, Digest: strongest})
		if err != nil {
			return nil, fmt.Errorf("cdhashes2 attribute: %w", err)
		}
		attrs = append(attrs, pkcs7.Attribute{Type: oidCDHashes2, Value: asn1.RawValue{FullBytes: seq}})
	}
	return attrs, nil
}

// SignCodeDirectories produces the BlobWrapper for the signature slot. The
// detached CMS covers dirs[0], the CodeDirectory stored at slot 0, and
// carries the hashes of every directory as signed attributes.
func SignCodeDirectories(id *SigningIdentity, dirs []DirectoryBlob) ([]byte, error) {
	if len(dirs) == 0 || dirs[0].Slot != CSSLOT_CODEDIRECTORY {
		return nil, errors.New("cms: primary code directory missing")
	}
	key, err := id.signer()
	if err != nil {
		return nil, fmt.Errorf("cms: %w", err)
	}
	content := dirs[0].Raw

	attrs, err := cdHashAttributes(dirs)
	if err != nil {
		return nil, fmt.Errorf("cms: %w", err)
	}
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("cms: failed to create signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	var parents []*x509.Certificate
	if len(id.CertChain) > 1 {
		parents = id.CertChain[1:]
	}
	cfg := pkcs7.SignerInfoConfig{ExtraSignedAttributes: attrs}
	if err := sd.AddSignerChain(id.Certificate, key, parents, cfg); err != nil {
		return nil, fmt.Errorf("cms: failed to add signer chain: %w", err)
	}
	sd.Detach()
	der, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("cms: failed to finish signing: %w", err)
	}

	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("cms: reparse: %w", err)
	}
	p7.Content = content
	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	return MakeBlob(CSMAGIC_BLOBWRAPPER, der), nil
}

// ParseCMS decodes the payload of a BlobWrapper. Apple tools emit BER with
// indefinite lengths, so the data is re-encoded as DER first.
func ParseCMS(payload []byte) (*pkcs7.PKCS7, error) {
	der := payload
	if pkt, err := ber.DecodePacketErr(payload); err == nil {
		der = pkt.Bytes()
	}
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("cms: %w", err)
	}
	return p7, nil
}

// SignedCDHashes returns the truncated CodeDirectory hashes recorded in the
// signature's cdhashes plist attribute.
func SignedCDHashes(p7 *pkcs7.PKCS7) ([][]byte, error) {
	var text []byte
	if err := p7.UnmarshalSignedAttribute(oidCDHashesPlist, &text); err != nil {
		return nil, err
	}
	var pl cdHashPlist
	if _, err := plist.Unmarshal(text, &pl); err != nil {
		return nil, fmt.Errorf("cdhashes plist: %w", err)
	}
	return pl.CDHashes, nil
}

package codesign

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/aluedeke/go-machosign/pkg/der"
)

// Entitlements is an entitlements document in both of its embedded forms:
// the XML plist text and the ordered value tree fed to the DER encoder.
type Entitlements struct {
	XML   []byte
	Value der.Object
}

// ParseEntitlements reads an entitlements plist. XML input is kept verbatim;
// binary input is re-rendered as XML for the 0xfade7171 blob.
func ParseEntitlements(data []byte) (*Entitlements, error) {
	v, err := der.ParsePlist(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse entitlements: %w", err)
	}
	obj, ok := v.(der.Object)
	if !ok {
		return nil, fmt.Errorf("entitlements must be a dictionary, got %T", v)
	}
	ents := &Entitlements{XML: data, Value: obj}
	if !bytes.HasPrefix(bytes.TrimSpace(data), []byte("<")) {
		if ents.XML, err = EntitlementsToXML(obj); err != nil {
			return nil, err
		}
	}
	return ents, nil
}

// Blob returns the XML entitlements blob, or nil when there is no document.
func (e *Entitlements) Blob() []byte {
	if e == nil || len(e.XML) == 0 {
		return nil
	}
	return MakeBlob(CSMAGIC_EMBEDDED_ENTITLEMENTS, e.XML)
}

// DERBlob returns the DER entitlements blob. An empty dictionary produces no
// blob even though the XML form is still embedded.
func (e *Entitlements) DERBlob() []byte {
	if e == nil || len(e.Value) == 0 {
		return nil
	}
	return MakeBlob(CSMAGIC_EMBEDDED_DER_ENTITLEMENTS, der.Encode(e.Value))
}

// GetTaskAllow reports whether get-task-allow is set to true.
func (e *Entitlements) GetTaskAllow() bool {
	if e == nil {
		return false
	}
	v, ok := e.Value.Get("get-task-allow")
	if !ok {
		return false
	}
	b, ok := v.(der.Bool)
	return ok && bool(b)
}

// ExtractEntitlements returns a provisioning profile's entitlements. The
// profile payload is decoded into a map, so keys come back sorted.
func ExtractEntitlements(profile *ProvisioningProfile) (der.Object, error) {
	if profile.Entitlements == nil {
		return nil, fmt.Errorf("provisioning profile has no entitlements")
	}
	v, err := der.FromInterface(profile.Entitlements)
	if err != nil {
		return nil, fmt.Errorf("profile entitlements: %w", err)
	}
	return v.(der.Object), nil
}

// UpdateEntitlementsForBundleID rewrites application-identifier and
// keychain-access-groups for a new bundle ID. Key order is preserved.
func UpdateEntitlementsForBundleID(ents der.Object, teamID, newBundleID string) der.Object {
	updated := append(der.Object(nil), ents...)

	appID := newBundleID
	bundleOnly := strings.TrimPrefix(newBundleID, teamID+".")
	if !strings.HasPrefix(newBundleID, teamID+".") {
		appID = teamID + "." + newBundleID
	}
	updated.Set("application-identifier", der.String(appID))

	if v, ok := updated.Get("keychain-access-groups"); ok {
		if groups, ok := v.(der.Array); ok {
			rewritten := make(der.Array, 0, len(groups))
			for _, g := range groups {
				s, ok := g.(der.String)
				if ok && strings.Contains(string(s), ".") {
					g = der.String(teamID + "." + bundleOnly)
				}
				rewritten = append(rewritten, g)
			}
			updated.Set("keychain-access-groups", rewritten)
		}
	}
	return updated
}

// MergeEntitlements applies override on top of base. Existing keys keep
// their position; new keys are appended in override order.
func MergeEntitlements(base, override der.Object) der.Object {
	merged := append(der.Object(nil), base...)
	for _, m := range override {
		merged.Set(m.Key, m.Value)
	}
	return merged
}

// EntitlementsToXML renders an entitlements tree as an XML plist in the
// tree's key order.
func EntitlementsToXML(ents der.Object) ([]byte, error) {
	data, err := der.MarshalXMLPlist(ents)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entitlements to XML: %w", err)
	}
	return data, nil
}

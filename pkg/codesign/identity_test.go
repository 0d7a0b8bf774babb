package codesign

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
	gop12 "software.sslmate.com/src/go-pkcs12"
)

func pemKey(t *testing.T, key interface{}) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("Failed to marshal key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

// buildTestProfile signs a profile plist the way the developer portal does,
// with the leaf certificate listed as a developer certificate.
func buildTestProfile(t *testing.T, expires time.Time) []byte {
	t.Helper()
	_, leaf := testPKI(t)
	payload, err := plist.Marshal(map[string]interface{}{
		"Name":                        "Test Profile",
		"TeamName":                    "Test Team",
		"TeamIdentifier":              []string{testTeamID},
		"ApplicationIdentifierPrefix": []string{testTeamID},
		"UUID":                        "00000000-1111-2222-3333-444444444444",
		"ExpirationDate":              expires,
		"DeveloperCertificates":       [][]byte{leaf.cert.Raw},
		"Entitlements": map[string]interface{}{
			"application-identifier": testTeamID + ".com.example.app",
			"get-task-allow":         true,
			"keychain-access-groups": []string{testTeamID + ".*"},
		},
	}, plist.XMLFormat)
	if err != nil {
		t.Fatalf("Failed to marshal profile: %v", err)
	}
	sd, err := pkcs7.NewSignedData(payload)
	if err != nil {
		t.Fatalf("Failed to create signed data: %v", err)
	}
	if err := sd.AddSigner(leaf.cert, leaf.key, pkcs7.SignerInfoConfig{}); err != nil {
		t.Fatalf("Failed to add signer: %v", err)
	}
	data, err := sd.Finish()
	if err != nil {
		t.Fatalf("Failed to finish profile: %v", err)
	}
	return data
}

func TestNewSigningIdentity(t *testing.T) {
	root, leaf := testPKI(t)
	id, err := NewSigningIdentity(leaf.cert, leaf.key, root.cert)
	if err != nil {
		t.Fatalf("NewSigningIdentity failed: %v", err)
	}
	if id.TeamID != testTeamID {
		t.Errorf("Expected team %s, got %s", testTeamID, id.TeamID)
	}
	if len(id.CertChain) != 2 || id.CertChain[1] != root.cert {
		t.Errorf("Expected chain [leaf, root], got %d certificates", len(id.CertChain))
	}

	if _, err := NewSigningIdentity(leaf.cert, root.key); err == nil {
		t.Errorf("Expected error for mismatched key")
	}
	if _, err := NewSigningIdentity(nil, leaf.key); err == nil {
		t.Errorf("Expected error for missing certificate")
	}
}

func TestLoadSigningIdentityP12(t *testing.T) {
	root, leaf := testPKI(t)
	p12, err := gop12.Modern.Encode(leaf.key, leaf.cert, []*x509.Certificate{root.cert}, "secret")
	if err != nil {
		t.Fatalf("Failed to encode P12: %v", err)
	}

	id, err := LoadSigningIdentity(p12, "secret")
	if err != nil {
		t.Fatalf("LoadSigningIdentity failed: %v", err)
	}
	if !id.Certificate.Equal(leaf.cert) {
		t.Errorf("Expected the leaf certificate")
	}
	if id.TeamID != testTeamID {
		t.Errorf("Expected team %s, got %s", testTeamID, id.TeamID)
	}
	if len(id.CertChain) != 3 {
		t.Errorf("Expected the Apple chain to be appended, got %d certificates", len(id.CertChain))
	}
	if got := id.CertChain[2].Subject.CommonName; got != "Apple Root CA" {
		t.Errorf("Expected Apple Root CA last, got %s", got)
	}

	if _, err := LoadSigningIdentity(p12, "wrong"); err == nil {
		t.Errorf("Expected error for wrong password")
	}
}

func TestLoadSigningIdentityPEM(t *testing.T) {
	_, leaf := testPKI(t)
	id, err := LoadSigningIdentity(pemKey(t, leaf.key), "")
	if err != nil {
		t.Fatalf("LoadSigningIdentity failed: %v", err)
	}
	if id.Certificate != nil {
		t.Errorf("a bare key should not come with a certificate")
	}

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ecDER, err := x509.MarshalECPrivateKey(ecKey)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSigningIdentity(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: ecDER}), ""); err != nil {
		t.Errorf("EC key should load: %v", err)
	}

	if _, err := LoadSigningIdentity([]byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"), ""); err == nil {
		t.Errorf("Expected error for a PEM certificate instead of a key")
	}
}

func TestParseProvisioningProfile(t *testing.T) {
	expires := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	profile, err := ParseProvisioningProfile(buildTestProfile(t, expires))
	if err != nil {
		t.Fatalf("ParseProvisioningProfile failed: %v", err)
	}
	if profile.Name != "Test Profile" {
		t.Errorf("Expected name Test Profile, got %s", profile.Name)
	}
	if profile.GetTeamID() != testTeamID {
		t.Errorf("Expected team %s, got %s", testTeamID, profile.GetTeamID())
	}
	if got := profile.GetApplicationIdentifier(); got != testTeamID+".com.example.app" {
		t.Errorf("Unexpected application identifier %s", got)
	}
	if profile.IsExpired(time.Now()) {
		t.Errorf("profile should not be expired yet")
	}
	if !profile.IsExpired(expires.Add(time.Minute)) {
		t.Errorf("profile should be expired after its expiration date")
	}

	_, leaf := testPKI(t)
	if !profile.MatchesCertificate(leaf.cert) {
		t.Errorf("profile should list the leaf certificate")
	}
	root, _ := testPKI(t)
	if profile.MatchesCertificate(root.cert) || profile.MatchesCertificate(nil) {
		t.Errorf("profile should not match other certificates")
	}

	if _, err := ParseProvisioningProfile([]byte("garbage")); err == nil {
		t.Errorf("Expected error for garbage input")
	}
}

func TestLoadSigningIdentityWithProfile(t *testing.T) {
	root, leaf := testPKI(t)
	profile, err := ParseProvisioningProfile(buildTestProfile(t, time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("ParseProvisioningProfile failed: %v", err)
	}

	id, err := LoadSigningIdentityWithProfile(pemKey(t, leaf.key), "", profile)
	if err != nil {
		t.Fatalf("LoadSigningIdentityWithProfile failed: %v", err)
	}
	if !id.Certificate.Equal(leaf.cert) {
		t.Errorf("Expected the profile certificate matching the key")
	}
	if id.TeamID != testTeamID {
		t.Errorf("Expected team %s, got %s", testTeamID, id.TeamID)
	}
	if len(id.CertChain) != 3 {
		t.Errorf("Expected leaf plus Apple chain, got %d certificates", len(id.CertChain))
	}

	if _, err := LoadSigningIdentityWithProfile(pemKey(t, root.key), "", profile); err == nil {
		t.Errorf("Expected error when no profile certificate matches the key")
	}
}

func TestSignCodeDirectoriesRequiresPrimary(t *testing.T) {
	id := newTestIdentity(t)
	if _, err := SignCodeDirectories(id, nil); err == nil {
		t.Errorf("Expected error without code directories")
	}
	dirs := []DirectoryBlob{{Slot: CSSLOT_ALTERNATE_CODEDIRECTORIES, HashType: HashSHA256, Raw: []byte{0}}}
	if _, err := SignCodeDirectories(id, dirs); err == nil {
		t.Errorf("Expected error when slot 0 is missing")
	}
}

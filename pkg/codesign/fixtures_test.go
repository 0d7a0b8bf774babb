package codesign

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/blacktop/go-macho/types"
)

const (
	testCPUArm64  = 0x0100000c
	testCPUX86_64 = 0x01000007
	testCPUArm    = 0x0000000c

	testMHExecute = 0x2
	testMHDylib   = 0x6

	testTeamID = "ABCDE12345"

	// __TEXT spans the first 16 KiB of every test image
	testTextEnd = 0x4000
	// file offset of the only section
	testSectionOff = 0x1000
)

// buildMachO returns an unsigned image with a __TEXT segment holding one
// section and a __LINKEDIT segment of linkeditSize bytes.
func buildMachO(t testing.TB, is64 bool, cpu, fileType uint32, linkeditSize int) []byte {
	t.Helper()
	var b bytes.Buffer
	w := func(v interface{}) {
		if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
			t.Fatalf("Failed to write fixture: %v", err)
		}
	}
	name := func(s string) {
		var n [16]byte
		copy(n[:], s)
		b.Write(n[:])
	}

	if is64 {
		w(uint32(MH_MAGIC_64))
		w(cpu)
		w(uint32(0))
		w(fileType)
		w(uint32(2))
		w(uint32(152 + 72))
		w(uint32(0))
		w(uint32(0))

		w(uint32(LC_SEGMENT_64))
		w(uint32(152))
		name("__TEXT")
		w(uint64(0x100000000))
		w(uint64(testTextEnd))
		w(uint64(0))
		w(uint64(testTextEnd))
		w(uint32(5))
		w(uint32(5))
		w(uint32(1))
		w(uint32(0))

		name("__text")
		name("__TEXT")
		w(uint64(0x100000000 + testSectionOff))
		w(uint64(0x100))
		w(uint32(testSectionOff))
		w(uint32(2))
		w(uint32(0))
		w(uint32(0))
		w(uint32(0x80000400))
		w(uint32(0))
		w(uint32(0))
		w(uint32(0))

		w(uint32(LC_SEGMENT_64))
		w(uint32(72))
		name("__LINKEDIT")
		w(uint64(0x100000000 + testTextEnd))
		w(uint64(0x4000))
		w(uint64(testTextEnd))
		w(uint64(linkeditSize))
		w(uint32(1))
		w(uint32(1))
		w(uint32(0))
		w(uint32(0))
	} else {
		w(uint32(MH_MAGIC))
		w(cpu)
		w(uint32(0))
		w(fileType)
		w(uint32(2))
		w(uint32(124 + 56))
		w(uint32(0))

		w(uint32(LC_SEGMENT))
		w(uint32(124))
		name("__TEXT")
		w(uint32(0x1000000))
		w(uint32(testTextEnd))
		w(uint32(0))
		w(uint32(testTextEnd))
		w(uint32(5))
		w(uint32(5))
		w(uint32(1))
		w(uint32(0))

		name("__text")
		name("__TEXT")
		w(uint32(0x1000000 + testSectionOff))
		w(uint32(0x100))
		w(uint32(testSectionOff))
		w(uint32(2))
		w(uint32(0))
		w(uint32(0))
		w(uint32(0x80000400))
		w(uint32(0))
		w(uint32(0))

		w(uint32(LC_SEGMENT))
		w(uint32(56))
		name("__LINKEDIT")
		w(uint32(0x1000000 + testTextEnd))
		w(uint32(0x4000))
		w(uint32(testTextEnd))
		w(uint32(linkeditSize))
		w(uint32(1))
		w(uint32(1))
		w(uint32(0))
		w(uint32(0))
	}

	out := make([]byte, testTextEnd+linkeditSize)
	copy(out, b.Bytes())
	for i := testSectionOff; i < testTextEnd; i++ {
		out[i] = byte(i * 7)
	}
	for i := testTextEnd; i < len(out); i++ {
		out[i] = byte(i) ^ 0x5a
	}
	return out
}

func buildMachO64(t testing.TB) []byte {
	return buildMachO(t, true, testCPUArm64, testMHExecute, 0x100)
}

// buildFatImage packs thin images behind a fat header, each aligned to
// 2^14.
func buildFatImage(t testing.TB, thin ...[]byte) []byte {
	t.Helper()
	return packFat(t, false, thin...)
}

// buildFat64Image is buildFatImage with the 64-bit arch table.
func buildFat64Image(t testing.TB, thin ...[]byte) []byte {
	t.Helper()
	return packFat(t, true, thin...)
}

func packFat(t testing.TB, wide bool, thin ...[]byte) []byte {
	t.Helper()
	slices := make([]fatSlice, len(thin))
	for i, data := range thin {
		slices[i] = fatSlice{
			CPU:   cpuOf(data),
			Align: 14,
		}
	}
	out, err := buildFat(slices, thin, wide)
	if err != nil {
		t.Fatalf("Failed to build fat image: %v", err)
	}
	return out
}

func cpuOf(data []byte) types.CPU {
	return types.CPU(binary.LittleEndian.Uint32(data[4:8]))
}

type testCA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

var (
	testPKIOnce sync.Once
	testRoot    *testCA
	testLeaf    *testCA
	testPKIErr  error
)

// testPKI returns a root CA and a leaf code-signing certificate issued by
// it. Keys are generated once per test binary.
func testPKI(t testing.TB) (root, leaf *testCA) {
	t.Helper()
	testPKIOnce.Do(func() {
		now := time.Now()
		rootKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			testPKIErr = err
			return
		}
		rootTmpl := &x509.Certificate{
			SerialNumber:          big.NewInt(1),
			Subject:               pkix.Name{CommonName: "Test Root CA", Organization: []string{"Test"}},
			NotBefore:             now.Add(-time.Hour),
			NotAfter:              now.Add(24 * time.Hour),
			KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
			BasicConstraintsValid: true,
			IsCA:                  true,
		}
		rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
		if err != nil {
			testPKIErr = err
			return
		}
		rootCert, err := x509.ParseCertificate(rootDER)
		if err != nil {
			testPKIErr = err
			return
		}

		leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			testPKIErr = err
			return
		}
		leafTmpl := &x509.Certificate{
			SerialNumber: big.NewInt(2),
			Subject: pkix.Name{
				CommonName:         "Apple Development: Test Signer (" + testTeamID + ")",
				OrganizationalUnit: []string{testTeamID},
				Organization:       []string{"Test"},
			},
			NotBefore:   now.Add(-time.Hour),
			NotAfter:    now.Add(24 * time.Hour),
			KeyUsage:    x509.KeyUsageDigitalSignature,
			ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		}
		leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, rootCert, &leafKey.PublicKey, rootKey)
		if err != nil {
			testPKIErr = err
			return
		}
		leafCert, err := x509.ParseCertificate(leafDER)
		if err != nil {
			testPKIErr = err
			return
		}
		testRoot = &testCA{cert: rootCert, key: rootKey}
		testLeaf = &testCA{cert: leafCert, key: leafKey}
	})
	if testPKIErr != nil {
		t.Fatalf("Failed to generate test certificates: %v", testPKIErr)
	}
	return testRoot, testLeaf
}

// newTestIdentity returns the leaf identity with the root as its chain.
func newTestIdentity(t testing.TB) *SigningIdentity {
	t.Helper()
	root, leaf := testPKI(t)
	id, err := NewSigningIdentity(leaf.cert, leaf.key, root.cert)
	if err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}
	return id
}

const testEntitlementsXML = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>get-task-allow</key>
	<true/>
	<key>application-identifier</key>
	<string>ABCDE12345.com.example.app</string>
	<key>keychain-access-groups</key>
	<array>
		<string>ABCDE12345.com.example.app</string>
	</array>
</dict>
</plist>
`

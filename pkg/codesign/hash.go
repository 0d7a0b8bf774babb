package codesign

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// HashType identifies a CodeDirectory digest algorithm.
type HashType uint8

const (
	HashSHA1   HashType = 1
	HashSHA256 HashType = 2
)

func (t HashType) Size() int {
	switch t {
	case HashSHA1:
		return sha1.Size
	case HashSHA256:
		return sha256.Size
	}
	return 0
}

func (t HashType) New() hash.Hash {
	switch t {
	case HashSHA1:
		return sha1.New()
	case HashSHA256:
		return sha256.New()
	}
	panic(fmt.Sprintf("codesign: unsupported hash type %d", t))
}

func (t HashType) String() string {
	switch t {
	case HashSHA1:
		return "SHA-1"
	case HashSHA256:
		return "SHA-256"
	}
	return fmt.Sprintf("hash(%d)", uint8(t))
}

// Sum returns the digest of data.
func (t HashType) Sum(data []byte) []byte {
	h := t.New()
	h.Write(data)
	return h.Sum(nil)
}

// Digests holds the SHA-1 and SHA-256 digests of the same input.
type Digests struct {
	SHA1   [sha1.Size]byte
	SHA256 [sha256.Size]byte
}

// DigestAll hashes data with both algorithms in one pass.
func DigestAll(data []byte) Digests {
	var d Digests
	h1 := sha1.New()
	h256 := sha256.New()
	w := io.MultiWriter(h1, h256)
	w.Write(data)
	h1.Sum(d.SHA1[:0])
	h256.Sum(d.SHA256[:0])
	return d
}

// For returns the digest computed with t.
func (d Digests) For(t HashType) []byte {
	switch t {
	case HashSHA1:
		return d.SHA1[:]
	case HashSHA256:
		return d.SHA256[:]
	}
	return nil
}

// Hex renders both digests for diagnostic output.
func (d Digests) Hex() (sha1Hex, sha256Hex string) {
	return hex.EncodeToString(d.SHA1[:]), hex.EncodeToString(d.SHA256[:])
}

// PageDigests hashes code in pageSize chunks. The final partial page is
// hashed over its real length; empty input yields no pages.
func PageDigests(code []byte, pageSize int) []Digests {
	n := (len(code) + pageSize - 1) / pageSize
	pages := make([]Digests, n)
	for i := range pages {
		start := i * pageSize
		end := start + pageSize
		if end > len(code) {
			end = len(code)
		}
		pages[i] = DigestAll(code[start:end])
	}
	return pages
}

// SlotDigest hashes a special-slot blob. An absent blob yields the all-zero
// digest of the algorithm's size.
func SlotDigest(blob []byte, t HashType) []byte {
	if len(blob) == 0 {
		return make([]byte, t.Size())
	}
	return t.Sum(blob)
}

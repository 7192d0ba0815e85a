package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content addresses.
// The version suffix leaves room for a future algorithm migration.
const (
	DomainEntry    = "peerdoc/entry/v1"
	DomainManifest = "peerdoc/manifest/v1"
	DomainSigning  = "peerdoc/sign/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// BlockHash returns the content address of an entry block.
func BlockHash(block []byte) string {
	return hashWithDomain(DomainEntry, block)
}

// ManifestHash returns the content address of a manifest block.
func ManifestHash(block []byte) string {
	return hashWithDomain(DomainManifest, block)
}

// SigningPayload prefixes canonical bytes with the signing domain so a
// signature over an entry can never be replayed as a signature over
// anything else.
func SigningPayload(canonical []byte) []byte {
	out := make([]byte, 0, len(DomainSigning)+1+len(canonical))
	out = append(out, DomainSigning...)
	out = append(out, 0x00)
	return append(out, canonical...)
}

// IsHash reports whether s looks like a content address (64 lowercase hex chars).
func IsHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// MustMarshalCanonical is like MarshalCanonical but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustMarshalCanonical(v any) []byte {
	b, err := MarshalCanonical(v)
	if err != nil {
		panic(fmt.Sprintf("MustMarshalCanonical: %v", err))
	}
	return b
}

// Package cache implements the result cache: three equally shaped domains
// (generation calls, deterministic tool invocations and the per-workflow
// handoff session) with hit/miss accounting.
//
// The generation and tool domains are pure optimizations. A miss behaves
// exactly as if the cache were disabled and backend errors degrade to
// misses. The session domain is the authoritative write-ahead record of a
// workflow and its errors do propagate.
package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Domain names a cache domain.
type Domain string

const (
	DomainGeneration Domain = "generation"
	DomainTool       Domain = "tool"
	DomainSession    Domain = "session"
)

// AllDomains lists every domain.
var AllDomains = []Domain{DomainGeneration, DomainTool, DomainSession}

// IsValid reports whether d is a known domain.
func (d Domain) IsValid() bool {
	switch d {
	case DomainGeneration, DomainTool, DomainSession:
		return true
	}
	return false
}

// Fingerprint hashes input under domain. Structured input is normalized
// first so that map ordering does not affect the result.
func Fingerprint(domain Domain, input any) (string, error) {
	canonical, err := Canonicalize(input)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MustFingerprint is Fingerprint for inputs known to be serializable.
func MustFingerprint(domain Domain, input any) string {
	fp, err := Fingerprint(domain, input)
	if err != nil {
		panic(err)
	}
	return fp
}

// Canonicalize returns the canonical JSON form of input: object keys sorted
// at every depth, numbers kept verbatim.
func Canonicalize(input any) ([]byte, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("fingerprint input: %w", err)
	}

	// Round-trip through a generic value; encoding/json writes map keys sorted.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("fingerprint input: %w", err)
	}
	return json.Marshal(generic)
}

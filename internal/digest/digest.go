// Package digest implements the engine's single 256-bit cryptographic
// hash primitive with domain-separated variants for request, result,
// CAS, and policy contexts.
//
// The primitive is BLAKE3-256. No silent substitution to a different
// algorithm is ever performed: if the build-time self-test vectors do
// not match, every hashing function (Hash, HashDomain, HashFile)
// returns ErrUnavailable and the
// caller must treat the engine as unusable for production execution.
package digest

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/zeebo/blake3"
)

// Size is the digest length in bytes.
const Size = 32

// Digest is a fixed 32-byte value, rendered as 64 lowercase hex
// characters in all external representations.
type Digest [Size]byte

// String renders the digest as 64 lowercase hex characters.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the all-zero digest (never a valid
// content digest, used as a sentinel for "absent").
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalJSON renders d as its 64-character hex string, so Digest
// fields in Request/Result JSON never leak as raw byte arrays.
func (d Digest) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON parses a quoted 64-character hex string into d.
func (d *Digest) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("digest: invalid JSON digest literal %q", s)
	}
	parsed, err := Parse(s[1 : len(s)-1])
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Parse decodes a 64-character lowercase hex string into a Digest.
func Parse(s string) (Digest, error) {
	var d Digest
	if len(s) != Size*2 {
		return d, fmt.Errorf("digest: wrong length %d, want %d", len(s), Size*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("digest: invalid hex: %w", err)
	}
	copy(d[:], b)
	return d, nil
}

// Domain is a fixed ASCII label establishing domain separation between
// hash contexts that must never collide even on identical input bytes.
type Domain string

const (
	// DomainRequest is used for request digests.
	DomainRequest Domain = "req:"
	// DomainResult is used for result digests.
	DomainResult Domain = "res:"
	// DomainCAS is used for CAS content digests.
	DomainCAS Domain = "cas:"
	// DomainPolicy is used for policy digests.
	DomainPolicy Domain = "pol:"
	// DomainProofBundle is used for Merkle pairwise hashing inside a
	// proof bundle (internal/proof).
	DomainProofBundle Domain = "pb:"
)

// ErrUnavailable is returned by every hashing operation once the
// build-time self-test has determined the primitive cannot be trusted.
// No caller-visible operation ever falls back to a different algorithm.
var ErrUnavailable = errors.New("digest: hash primitive unavailable (self-test failed)")

var (
	hasherPool = sync.Pool{
		New: func() any { return blake3.New() },
	}

	mu          sync.RWMutex
	unavailable bool
)

func init() {
	mu.Lock()
	defer mu.Unlock()
	unavailable = !selfTest()
}

// known-good vectors, required to pass on build and in doctor.
const (
	vectorEmptyHash = "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	vectorHelloHash = "ea8f163db38682925e4491c5e58d4bb3506ef8c14eb78a86e908c5624a67200f"
)

func selfTest() bool {
	empty := sumRaw(nil)
	hello := sumRaw([]byte("hello"))
	return empty.String() == vectorEmptyHash && hello.String() == vectorHelloHash
}

// SelfTestVectors returns the two known-good (input, expected-hex)
// pairs used by the build-time self-test, exported for internal/doctor.
func SelfTestVectors() [][2]string {
	return [][2]string{
		{"", vectorEmptyHash},
		{"hello", vectorHelloHash},
	}
}

// Available reports whether the hash primitive passed its self-test.
func Available() bool {
	mu.RLock()
	defer mu.RUnlock()
	return !unavailable
}

func sumRaw(b []byte) Digest {
	h := hasherPool.Get().(*blake3.Hasher)
	h.Reset()
	defer hasherPool.Put(h)
	_, _ = h.Write(b)
	var out Digest
	h.Sum(out[:0])
	return out
}

// Hash computes the bare primitive hash of b with no domain separation.
// Identity-bearing digests use HashDomain instead; Hash is exported for
// callers that need the raw primitive, e.g. the known-vector checks in
// internal/doctor.
func Hash(b []byte) (Digest, error) {
	if unavailableNow() {
		return Digest{}, ErrUnavailable
	}
	return sumRaw(b), nil
}

// HashDomain computes hash(prefix ∥ 0x00 ∥ bytes) — the admissible
// domain-separated hash used for every identity-bearing digest in the
// system.
func HashDomain(domain Domain, b []byte) (Digest, error) {
	if unavailableNow() {
		return Digest{}, ErrUnavailable
	}
	h := hasherPool.Get().(*blake3.Hasher)
	h.Reset()
	defer hasherPool.Put(h)
	_, _ = h.Write([]byte(domain))
	_, _ = h.Write([]byte{0x00})
	_, _ = h.Write(b)
	var out Digest
	h.Sum(out[:0])
	return out, nil
}

// HashFile streams the file at path through the CAS domain, suitable
// for computing a content-digest without loading the whole file into
// memory.
func HashFile(path string, open func(string) (io.ReadCloser, error)) (Digest, error) {
	if unavailableNow() {
		return Digest{}, ErrUnavailable
	}
	f, err := open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("digest: open %s: %w", path, err)
	}
	defer f.Close()

	h := hasherPool.Get().(*blake3.Hasher)
	h.Reset()
	defer hasherPool.Put(h)
	_, _ = h.Write([]byte(DomainCAS))
	_, _ = h.Write([]byte{0x00})

	br := bufio.NewReaderSize(f, 64*1024)
	if _, err := io.Copy(h, br); err != nil {
		return Digest{}, fmt.Errorf("digest: read %s: %w", path, err)
	}
	var out Digest
	h.Sum(out[:0])
	return out, nil
}

// unavailableNow reports whether the self-test failed. There is no
// operator opt-in to proceed with a degraded primitive: once the
// self-test fails, every hashing function returns ErrUnavailable, and
// nothing sets Result.CompatWarning.
func unavailableNow() bool {
	mu.RLock()
	defer mu.RUnlock()
	return unavailable
}

package proof

import (
	"errors"
	"fmt"

	"github.com/reach-labs/reachengine/internal/digest"
)

// EngineVersion and ContractVersion are stamped into every bundle this
// build produces, so a verifier can detect a bundle produced by an
// incompatible engine/contract revision before trusting its digests.
const (
	EngineVersion   = "reachengine/0"
	ContractVersion = "reach-exec/1"
)

// ErrRootMismatch is returned by Verify when the recomputed Merkle
// root does not match the bundle's stored root.
var ErrRootMismatch = errors.New("proof: merkle_root_mismatch")

// Bundle is the tamper-evident summary of one run, described in
// spec.md §4.7: the Merkle root over (inputs, outputs, policy,
// transcript) plus the leaves themselves, so a verifier can recompute
// the root independently of any external store.
type Bundle struct {
	RequestDigest    digest.Digest   `json:"request_digest"`
	InputDigests     []digest.Digest `json:"input_digests"`
	OutputDigests    []digest.Digest `json:"output_digests"`
	PolicyDigest     digest.Digest   `json:"policy_digest"`
	TranscriptDigest digest.Digest   `json:"transcript_digest"`
	MerkleRoot       digest.Digest   `json:"merkle_root"`
	EngineVersion    string          `json:"engine_version"`
	ContractVersion  string          `json:"contract_version"`
	Signature        []byte          `json:"signature,omitempty"`
}

// leaves renders the bundle's four digest groups into the single
// ordered leaf sequence the Merkle tree is built over: inputs, then
// outputs, then policy, then transcript — per spec.md §4.7's pairing
// tie-break. Each group preserves the caller's original submission
// order; Build never reorders a caller-supplied slice.
func (b Bundle) leaves() []digest.Digest {
	leaves := make([]digest.Digest, 0, len(b.InputDigests)+len(b.OutputDigests)+2)
	leaves = append(leaves, b.InputDigests...)
	leaves = append(leaves, b.OutputDigests...)
	leaves = append(leaves, b.PolicyDigest, b.TranscriptDigest)
	return leaves
}

// Build constructs a proof bundle from the four ordered digest groups
// of one run. inputDigests and outputDigests must already be in the
// order the caller wants bound into the tree (callers deriving them
// from a map should sort by artifact name first, since map iteration
// order is not itself deterministic).
func Build(requestDigest digest.Digest, inputDigests, outputDigests []digest.Digest, policyDigest, transcriptDigest digest.Digest) (Bundle, error) {
	b := Bundle{
		RequestDigest:    requestDigest,
		InputDigests:     append([]digest.Digest(nil), inputDigests...),
		OutputDigests:    append([]digest.Digest(nil), outputDigests...),
		PolicyDigest:     policyDigest,
		TranscriptDigest: transcriptDigest,
		EngineVersion:    EngineVersion,
		ContractVersion:  ContractVersion,
	}
	root, err := buildMerkleRoot(b.leaves())
	if err != nil {
		return Bundle{}, err
	}
	b.MerkleRoot = root
	return b, nil
}

// Signer produces a detached signature over the bundle's canonical
// leaf bytes. An external keypair is supplied by the caller; this
// package never generates or stores key material itself.
type Signer interface {
	Sign(b Bundle) ([]byte, error)
}

// Verifier checks a detached signature against the bundle's canonical
// leaf bytes.
type Verifier interface {
	Verify(b Bundle, sig []byte) error
}

// Sign attaches a signature produced by s to a copy of b.
func Sign(b Bundle, s Signer) (Bundle, error) {
	sig, err := s.Sign(b)
	if err != nil {
		return Bundle{}, fmt.Errorf("proof: sign: %w", err)
	}
	b.Signature = sig
	return b, nil
}

// VerifyResult is the {ok, reason} tuple spec.md §4.7 describes for
// verify. Signed is true only when the bundle carried a non-empty
// signature; an unsigned bundle is not itself a failure.
type VerifyResult struct {
	OK      bool
	Reason  string
	Signed  bool
	SigOK   bool
}

// Verify recomputes the Merkle root from the bundle's stored leaves
// and, if v is non-nil and the bundle carries a signature, verifies
// it. A missing signature is reported as unsigned, never as a
// failure; an absent verifier with a present signature also leaves
// SigOK false but does not fail OK.
func Verify(b Bundle, v Verifier) VerifyResult {
	root, err := buildMerkleRoot(b.leaves())
	if err != nil {
		return VerifyResult{OK: false, Reason: err.Error()}
	}
	if root != b.MerkleRoot {
		return VerifyResult{OK: false, Reason: ErrRootMismatch.Error()}
	}
	result := VerifyResult{OK: true, Signed: len(b.Signature) > 0}
	if result.Signed && v != nil {
		if err := v.Verify(b, b.Signature); err != nil {
			result.SigOK = false
			result.Reason = fmt.Sprintf("signature_invalid: %v", err)
			return result
		}
		result.SigOK = true
	}
	return result
}

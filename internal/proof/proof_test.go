package proof

import (
	"testing"

	"github.com/reach-labs/reachengine/internal/digest"
)

func mustHash(t *testing.T, s string) digest.Digest {
	t.Helper()
	d, err := digest.Hash([]byte(s))
	if err != nil {
		t.Fatalf("digest.Hash(%q): %v", s, err)
	}
	return d
}

func sampleBundle(t *testing.T) Bundle {
	t.Helper()
	reqDigest := mustHash(t, "request")
	inputs := []digest.Digest{mustHash(t, "input-a"), mustHash(t, "input-b")}
	outputs := []digest.Digest{mustHash(t, "output-a")}
	policyDigest := mustHash(t, "policy")
	transcriptDigest := mustHash(t, "transcript")

	b, err := Build(reqDigest, inputs, outputs, policyDigest, transcriptDigest)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return b
}

func TestBuildDeterministic(t *testing.T) {
	a := sampleBundle(t)
	b := sampleBundle(t)
	if a.MerkleRoot != b.MerkleRoot {
		t.Fatalf("merkle root differs across identical builds: %s != %s", a.MerkleRoot, b.MerkleRoot)
	}
}

func TestBuildWithoutInputsOrOutputs(t *testing.T) {
	d := mustHash(t, "solo")
	b, err := Build(d, nil, nil, d, d)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if b.MerkleRoot.IsZero() {
		t.Fatal("expected non-zero merkle root")
	}
}

func TestVerifySucceedsUnsigned(t *testing.T) {
	b := sampleBundle(t)
	res := Verify(b, nil)
	if !res.OK {
		t.Fatalf("expected verify to succeed, got reason %q", res.Reason)
	}
	if res.Signed {
		t.Fatal("expected unsigned bundle to report Signed=false")
	}
}

func TestVerifyDetectsTamperedInputLeaf(t *testing.T) {
	b := sampleBundle(t)
	// Flip one byte of the first input digest leaf.
	b.InputDigests[0][0] ^= 0xFF

	res := Verify(b, nil)
	if res.OK {
		t.Fatal("expected tampered leaf to fail verification")
	}
	if res.Reason != ErrRootMismatch.Error() {
		t.Fatalf("expected root mismatch reason, got %q", res.Reason)
	}
}

func TestVerifyDetectsTamperedRoot(t *testing.T) {
	b := sampleBundle(t)
	b.MerkleRoot[0] ^= 0xFF

	res := Verify(b, nil)
	if res.OK {
		t.Fatal("expected tampered root to fail verification")
	}
}

func TestLeafOrderAffectsRoot(t *testing.T) {
	reqDigest := mustHash(t, "request")
	policyDigest := mustHash(t, "policy")
	transcriptDigest := mustHash(t, "transcript")
	a := mustHash(t, "a")
	b := mustHash(t, "b")

	ab, err := Build(reqDigest, []digest.Digest{a, b}, nil, policyDigest, transcriptDigest)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ba, err := Build(reqDigest, []digest.Digest{b, a}, nil, policyDigest, transcriptDigest)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if ab.MerkleRoot == ba.MerkleRoot {
		t.Fatal("expected differently-ordered leaves to produce different roots")
	}
}

func TestOddLeafCountSelfDuplicates(t *testing.T) {
	// One input plus policy and transcript gives three leaves, so the
	// transcript leaf has no partner and must be paired with itself.
	reqDigest := mustHash(t, "request")
	a := mustHash(t, "a")
	policyDigest := mustHash(t, "policy")
	transcriptDigest := mustHash(t, "transcript")

	b, err := Build(reqDigest, []digest.Digest{a}, nil, policyDigest, transcriptDigest)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(b.leaves()) != 3 {
		t.Fatalf("expected 3 leaves (1 input + policy + transcript), got %d", len(b.leaves()))
	}
	if b.MerkleRoot.IsZero() {
		t.Fatal("expected non-zero root for odd leaf count")
	}
	left, err := hashPair(a, policyDigest)
	if err != nil {
		t.Fatalf("hashPair: %v", err)
	}
	right, err := hashPair(transcriptDigest, transcriptDigest)
	if err != nil {
		t.Fatalf("hashPair: %v", err)
	}
	want, err := hashPair(left, right)
	if err != nil {
		t.Fatalf("hashPair: %v", err)
	}
	if b.MerkleRoot != want {
		t.Fatalf("merkle root %s, want %s (odd leaf paired with itself)", b.MerkleRoot, want)
	}
}

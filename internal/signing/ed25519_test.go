package signing

import (
	"testing"

	"github.com/reach-labs/reachengine/internal/digest"
	"github.com/reach-labs/reachengine/internal/proof"
)

func testBundle(t *testing.T) proof.Bundle {
	t.Helper()
	d, err := digest.Hash([]byte("payload"))
	if err != nil {
		t.Fatalf("digest.Hash: %v", err)
	}
	b, err := proof.Build(d, []digest.Digest{d}, nil, d, d)
	if err != nil {
		t.Fatalf("proof.Build: %v", err)
	}
	return b
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	b := testBundle(t)

	signed, err := proof.Sign(b, kp)
	if err != nil {
		t.Fatalf("proof.Sign: %v", err)
	}

	res := proof.Verify(signed, kp)
	if !res.OK || !res.Signed || !res.SigOK {
		t.Fatalf("expected a valid signed verification, got %+v", res)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	b := testBundle(t)

	signed, err := proof.Sign(b, kp)
	if err != nil {
		t.Fatalf("proof.Sign: %v", err)
	}

	res := proof.Verify(signed, other)
	if res.SigOK {
		t.Fatal("expected verification with the wrong public key to fail")
	}
}

func TestVerifyRejectsTamperedBundleAfterSigning(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	b := testBundle(t)
	signed, err := proof.Sign(b, kp)
	if err != nil {
		t.Fatalf("proof.Sign: %v", err)
	}
	signed.InputDigests[0][0] ^= 0xFF

	res := proof.Verify(signed, kp)
	if res.OK {
		t.Fatal("expected tampered signed bundle to fail Merkle verification before signature check")
	}
}

func TestPublicKeyOnlyCanVerifyNotSign(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	b := testBundle(t)
	signed, err := proof.Sign(b, kp)
	if err != nil {
		t.Fatalf("proof.Sign: %v", err)
	}

	pubOnly, err := PublicKeyOnly(kp.PublicKey)
	if err != nil {
		t.Fatalf("PublicKeyOnly: %v", err)
	}
	res := proof.Verify(signed, pubOnly)
	if !res.SigOK {
		t.Fatalf("expected public-key-only verifier to validate signature, got %+v", res)
	}

	if _, err := pubOnly.Sign(b); err == nil {
		t.Fatal("expected Sign to fail without a private key")
	}
}

func TestLoadOrCreateKeyPairPersists(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrCreateKeyPair(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateKeyPair: %v", err)
	}
	second, err := LoadOrCreateKeyPair(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateKeyPair (reload): %v", err)
	}
	if first.PublicKey != second.PublicKey {
		t.Fatal("expected reloading the same key directory to return the same keypair")
	}
}

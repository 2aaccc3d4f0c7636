// Package signing provides ed25519 signing of proof bundles. A
// signature binds a bundle's Merkle root to a keypair so a verifier
// with only the public key can confirm the bundle was produced (or at
// least endorsed) by the holder of the private key, independent of any
// access to the original run.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/reach-labs/reachengine/internal/proof"
)

// Algorithm identifies the signing algorithm used. ed25519 is the only
// algorithm this package implements.
type Algorithm string

const AlgorithmEd25519 Algorithm = "ed25519"

// KeyPair holds an ed25519 keypair. The private key is unexported, so
// it never appears in the JSON form; LoadOrCreateKeyPair persists its
// seed, hex-encoded, to reach_signing.key.
type KeyPair struct {
	PublicKey  string `json:"public_key"`
	privateKey ed25519.PrivateKey
}

// GenerateKeyPair generates a new ed25519 keypair using the OS CSPRNG.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing: key generation failed: %w", err)
	}
	return &KeyPair{PublicKey: hex.EncodeToString(pub), privateKey: priv}, nil
}

// LoadOrCreateKeyPair loads an ed25519 keypair from
// keyDir/reach_signing.key, generating and persisting one if absent.
func LoadOrCreateKeyPair(keyDir string) (*KeyPair, error) {
	privPath := filepath.Join(keyDir, "reach_signing.key")
	pubPath := filepath.Join(keyDir, "reach_signing.pub")

	if _, err := os.Stat(privPath); os.IsNotExist(err) {
		return generateAndSave(privPath, pubPath)
	}
	return loadFromFile(privPath)
}

// PublicKeyOnly constructs a verification-only KeyPair from a
// hex-encoded public key, for callers that hold only the signer's
// public half.
func PublicKeyOnly(publicKeyHex string) (*KeyPair, error) {
	if err := validatePublicKeyHex(publicKeyHex); err != nil {
		return nil, err
	}
	return &KeyPair{PublicKey: publicKeyHex}, nil
}

// bundlePayload is the canonical message signed for a bundle: the
// contract version, then each leaf digest in the same fixed order
// the Merkle tree itself is built over (request digest first, as an
// explicit domain anchor the Merkle tree does not otherwise bind).
func bundlePayload(b proof.Bundle) []byte {
	var sb strings.Builder
	sb.WriteString("reach-proof:")
	sb.WriteString(b.ContractVersion)
	sb.WriteString(":")
	sb.WriteString(b.RequestDigest.String())
	for _, d := range b.InputDigests {
		sb.WriteString(":")
		sb.WriteString(d.String())
	}
	for _, d := range b.OutputDigests {
		sb.WriteString(":")
		sb.WriteString(d.String())
	}
	sb.WriteString(":")
	sb.WriteString(b.PolicyDigest.String())
	sb.WriteString(":")
	sb.WriteString(b.TranscriptDigest.String())
	sb.WriteString(":")
	sb.WriteString(b.MerkleRoot.String())
	return []byte(sb.String())
}

// Sign implements proof.Signer: it produces a detached ed25519
// signature over the bundle's canonical payload.
func (kp *KeyPair) Sign(b proof.Bundle) ([]byte, error) {
	if len(kp.privateKey) == 0 {
		return nil, errors.New("signing: keypair does not have a private key loaded")
	}
	return ed25519.Sign(kp.privateKey, bundlePayload(b)), nil
}

// Verify implements proof.Verifier: it checks sig against the
// bundle's canonical payload using kp's public key.
func (kp *KeyPair) Verify(b proof.Bundle, sig []byte) error {
	pubBytes, err := hex.DecodeString(kp.PublicKey)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("signing: invalid public key: %w", err)
	}
	if !ed25519.Verify(pubBytes, bundlePayload(b), sig) {
		return errors.New("signing: signature verification failed")
	}
	return nil
}

func generateAndSave(privPath, pubPath string) (*KeyPair, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(privPath), 0o755); err != nil {
		return nil, fmt.Errorf("signing: cannot create key directory: %w", err)
	}
	seedHex := hex.EncodeToString(kp.privateKey.Seed())
	if err := os.WriteFile(privPath, []byte(seedHex+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("signing: cannot write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(kp.PublicKey+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("signing: cannot write public key: %w", err)
	}
	return kp, nil
}

func loadFromFile(privPath string) (*KeyPair, error) {
	seedData, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("signing: cannot read private key file: %w", err)
	}
	seedHex := strings.TrimSpace(string(seedData))
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("signing: invalid private key hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing: private key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{PublicKey: hex.EncodeToString(pub), privateKey: priv}, nil
}

func validatePublicKeyHex(pubHex string) error {
	b, err := hex.DecodeString(pubHex)
	if err != nil {
		return fmt.Errorf("signing: invalid public key hex: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return fmt.Errorf("signing: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return nil
}

package evidence

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

const signatureAlg = "ed25519"

// Signature is the content of manifest.sig.
type Signature struct {
	Alg          string `json:"alg"`
	KeyID        string `json:"key_id"`
	SignedDigest string `json:"signed_digest"`
	Sig          string `json:"sig"`
}

type Signer struct {
	key   ed25519.PrivateKey
	keyID string
}

// NewSignerFromSeed builds a signer from a hex-encoded 32-byte ed25519 seed.
func NewSignerFromSeed(seedHex string) (*Signer, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(seedHex))
	if err != nil {
		return nil, fmt.Errorf("decode signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return NewSigner(ed25519.NewKeyFromSeed(seed)), nil
}

func NewSigner(key ed25519.PrivateKey) *Signer {
	return &Signer{key: key, keyID: KeyID(key.Public().(ed25519.PublicKey))}
}

func (s *Signer) PublicKey() ed25519.PublicKey { return s.key.Public().(ed25519.PublicKey) }

// KeyID is the first 16 hex characters of the SHA-256 of the public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:16]
}

// Sign signs payload and returns the encoded manifest.sig document.
func (s *Signer) Sign(payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	sig := Signature{
		Alg:          signatureAlg,
		KeyID:        s.keyID,
		SignedDigest: hex.EncodeToString(digest[:]),
		Sig:          base64.StdEncoding.EncodeToString(ed25519.Sign(s.key, payload)),
	}
	return json.MarshalIndent(sig, "", "  ")
}

func verifySignature(pub ed25519.PublicKey, payload, sigDoc []byte) error {
	var sig Signature
	if err := json.Unmarshal(sigDoc, &sig); err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if sig.Alg != signatureAlg {
		return fmt.Errorf("unsupported signature alg %q", sig.Alg)
	}
	if sig.KeyID != KeyID(pub) {
		return fmt.Errorf("signature key %s does not match %s", sig.KeyID, KeyID(pub))
	}
	digest := sha256.Sum256(payload)
	if sig.SignedDigest != hex.EncodeToString(digest[:]) {
		return fmt.Errorf("signed digest does not match manifest")
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Sig)
	if err != nil {
		return fmt.Errorf("decode signature bytes: %w", err)
	}
	if !ed25519.Verify(pub, payload, raw) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

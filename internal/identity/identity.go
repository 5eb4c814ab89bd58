// Package identity implements Ed25519 signing identities for council
// members, the canonical content|timestamp signing string, and signature
// verification. The algorithms are pinned (Ed25519, SHA-256), so this
// stays on the standard library's crypto packages rather than reaching
// for a third-party crypto dependency.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Errors surfaced by this package.
var (
	ErrInvalidKey       = errors.New("identity: invalid key")
	ErrInvalidSignature = errors.New("identity: invalid signature")
)

// SignedPayload is the wire layout: content, base64
// signature, base64 public key, and a decimal-seconds timestamp.
type SignedPayload struct {
	Content   string `json:"content"`
	Signature string `json:"signature"`
	PublicKey string `json:"public_key"`
	Timestamp uint64 `json:"timestamp"`
}

// Identity is a generated or loaded Ed25519 keypair.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Generate creates a new random Ed25519 identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate: %w", err)
	}
	return &Identity{priv: priv, pub: pub}, nil
}

// Load reads a raw 32-byte Ed25519 seed from path and derives the identity.
func Load(path string) (*Identity, error) {
	seed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: expected %d byte seed, got %d", ErrInvalidKey, ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Identity{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Save writes the identity's 32-byte seed to path.
func (id *Identity) Save(path string) error {
	seed := id.priv.Seed()
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		return fmt.Errorf("identity: write %s: %w", path, err)
	}
	return nil
}

// PublicKeyBase64 returns the base64-standard-encoded public key.
func (id *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.pub)
}

// canonicalString builds the exact signing input: content + "|" + timestamp.
func canonicalString(content string, timestamp uint64) string {
	return content + "|" + strconv.FormatUint(timestamp, 10)
}

// Sign signs content with the current wall-clock second timestamp.
//
// Two calls to Sign with identical content produce different signatures
// once the timestamp advances to the next second; this is a stated
// property of the canonical signing string, not an accident; tests that
// want to observe it must sleep at least 1s between calls.
func (id *Identity) Sign(content string) SignedPayload {
	ts := uint64(time.Now().Unix())
	canonical := canonicalString(content, ts)
	sig := ed25519.Sign(id.priv, []byte(canonical))
	return SignedPayload{
		Content:   content,
		Signature: base64.StdEncoding.EncodeToString(sig),
		PublicKey: id.PublicKeyBase64(),
		Timestamp: ts,
	}
}

// Verify recomputes the canonical signing string and checks the signature.
// It never errors on a cryptographic rejection, only on malformed
// encoding, so callers can distinguish "I/O broke" from "this is forged".
func Verify(p SignedPayload) (bool, error) {
	pubBytes, err := base64.StdEncoding.DecodeString(p.PublicKey)
	if err != nil {
		return false, fmt.Errorf("identity: decode public key: %w", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: public key is %d bytes, want %d", ErrInvalidKey, len(pubBytes), ed25519.PublicKeySize)
	}
	sigBytes, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		return false, fmt.Errorf("identity: decode signature: %w", err)
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return false, fmt.Errorf("%w: signature is %d bytes, want %d", ErrInvalidSignature, len(sigBytes), ed25519.SignatureSize)
	}

	canonical := canonicalString(p.Content, p.Timestamp)
	ok := ed25519.Verify(ed25519.PublicKey(pubBytes), []byte(canonical), sigBytes)
	return ok, nil
}

// Fingerprint returns the upper-hex of the first 8 bytes of SHA-256 of the
// base64-decoded public key, 16 hex characters.
func Fingerprint(publicKeyBase64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return "", fmt.Errorf("identity: decode public key: %w", err)
	}
	sum := sha256.Sum256(raw)
	return strings.ToUpper(fmt.Sprintf("%x", sum[:8])), nil
}

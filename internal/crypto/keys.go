package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"filippo.io/edwards25519"

	"dead-mans-switch/internal/core"
)

// GenerateIdentity creates a fresh ed25519 keypair
func GenerateIdentity() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	return pub, priv, nil
}

// IdentityOf is the account name of a public key: lower-case hex.
func IdentityOf(pub ed25519.PublicKey) core.Identity {
	return core.Identity(hex.EncodeToString(pub))
}

// ParseIdentity decodes an account name back into its public key and
// rejects anything that is not a canonical, non-neutral curve point.
func ParseIdentity(id core.Identity) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(string(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if err := checkPoint(raw); err != nil {
		return nil, err
	}
	return ed25519.PublicKey(raw), nil
}

func checkPoint(raw []byte) error {
	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, ed25519.PublicKeySize, len(raw))
	}
	p, err := new(edwards25519.Point).SetBytes(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	// SetBytes also takes y >= p
	if !bytes.Equal(p.Bytes(), raw) {
		return fmt.Errorf("%w: non-canonical encoding", ErrInvalidKey)
	}
	if p.Equal(edwards25519.NewIdentityPoint()) == 1 {
		return fmt.Errorf("%w: neutral element", ErrInvalidKey)
	}
	return nil
}

// SaveKey writes the private key seed as hex, readable by the owner only.
func SaveKey(path string, priv ed25519.PrivateKey) error {
	seed := hex.EncodeToString(priv.Seed())
	if err := os.WriteFile(path, []byte(seed+"\n"), 0o600); err != nil {
		return fmt.Errorf("save key: %w", err)
	}
	return nil
}

func LoadKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("load key %s: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("load key %s: seed is %d bytes, want %d", path, len(seed), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"clawdash/internal/domain"
)

// Signer produces detached signatures under a stable device identity.
type Signer interface {
	// DeviceID is the stable fingerprint of the public key.
	DeviceID() string
	// PublicKey is the raw public key, base64url without padding.
	PublicKey() string
	// Sign returns a base64url signature over payload.
	Sign(payload []byte) string
}

// DeviceKey is an ed25519 keypair persisted to disk. The same key file is
// reused across restarts so the gateway sees one device identity per install.
type DeviceKey struct {
	id   string
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

var _ Signer = (*DeviceKey)(nil)

// LoadOrCreateDeviceKey loads the keypair stored at path, creating and
// persisting a fresh one on first run. The key file holds the hex-encoded
// ed25519 seed and is written with 0600 permissions.
func LoadOrCreateDeviceKey(path string) (*DeviceKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, domain.NewDomainError("DeviceKey.Load", domain.ErrDeviceKey,
				fmt.Sprintf("decode seed in %s: %v", path, err))
		}
		if len(seed) != ed25519.SeedSize {
			return nil, domain.NewDomainError("DeviceKey.Load", domain.ErrDeviceKey,
				fmt.Sprintf("seed in %s has %d bytes, want %d", path, len(seed), ed25519.SeedSize))
		}
		return fromSeed(seed), nil
	}
	if !os.IsNotExist(err) {
		return nil, domain.WrapOp("DeviceKey.Load", err)
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, domain.WrapOp("DeviceKey.Generate", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, domain.WrapOp("DeviceKey.Persist", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0600); err != nil {
		return nil, domain.WrapOp("DeviceKey.Persist", err)
	}

	return fromSeed(seed), nil
}

func fromSeed(seed []byte) *DeviceKey {
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	return &DeviceKey{
		id:   hex.EncodeToString(sum[:]),
		pub:  pub,
		priv: priv,
	}
}

// DeviceID returns the hex sha256 fingerprint of the public key.
func (k *DeviceKey) DeviceID() string { return k.id }

// PublicKey returns the raw public key, base64url without padding.
func (k *DeviceKey) PublicKey() string {
	return base64.RawURLEncoding.EncodeToString(k.pub)
}

// Sign returns a base64url detached signature over payload.
func (k *DeviceKey) Sign(payload []byte) string {
	return base64.RawURLEncoding.EncodeToString(ed25519.Sign(k.priv, payload))
}

// Verify checks a base64url signature against a base64url raw public key.
// Used by tests and by anything that needs to validate a device assertion.
func Verify(publicKey, signature string, payload []byte) bool {
	pub, err := base64.RawURLEncoding.DecodeString(publicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}

package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const sessionKeyInfo = "quick-meet session key"

var ErrInvalidPublicKey = errors.New("invalid public key")

// EphemeralKey is a single-session X25519 key pair.
type EphemeralKey struct {
	Private []byte
	Public  []byte
}

// PublicBase64 returns the public key for transmission.
func (k *EphemeralKey) PublicBase64() string {
	return base64.RawURLEncoding.EncodeToString(k.Public)
}

// Wipe zeroes the private key.
func (k *EphemeralKey) Wipe() {
	for i := range k.Private {
		k.Private[i] = 0
	}
}

// GenerateEphemeralKey creates a fresh key pair for one session.
func (ks *KeyService) GenerateEphemeralKey() (*EphemeralKey, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to compute public key: %w", err)
	}
	return &EphemeralKey{Private: priv, Public: pub}, nil
}

// DeriveSharedSecret computes a 32-byte session key from the exchange.
func (ks *KeyService) DeriveSharedSecret(localPrivate, remotePublic []byte) ([]byte, error) {
	if len(localPrivate) != curve25519.ScalarSize {
		return nil, fmt.Errorf("private key must be %d bytes", curve25519.ScalarSize)
	}
	if len(remotePublic) != curve25519.PointSize {
		return nil, ErrInvalidPublicKey
	}

	// X25519 rejects low-order points with an all-zero output
	shared, err := curve25519.X25519(localPrivate, remotePublic)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}

	key := make([]byte, 32)
	r := hkdf.New(sha256.New, shared, nil, []byte(sessionKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}
	return key, nil
}

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	ivSize  = 16
	tagSize = 16
)

// ErrDecrypt is returned for every decryption failure. It carries no detail on purpose.
var ErrDecrypt = errors.New("decryption failed")

// Envelope is the parsed form of iv || tag || ciphertext.
type Envelope struct {
	IV         []byte
	Tag        []byte
	Ciphertext []byte
}

// Bytes serializes the envelope.
func (e Envelope) Bytes() []byte {
	out := make([]byte, 0, len(e.IV)+len(e.Tag)+len(e.Ciphertext))
	out = append(out, e.IV...)
	out = append(out, e.Tag...)
	return append(out, e.Ciphertext...)
}

// ParseEnvelope splits a serialized envelope.
func ParseEnvelope(b []byte) (Envelope, error) {
	if len(b) < ivSize+tagSize {
		return Envelope{}, ErrDecrypt
	}
	return Envelope{
		IV:         b[:ivSize],
		Tag:        b[ivSize : ivSize+tagSize],
		Ciphertext: b[ivSize+tagSize:],
	}, nil
}

func (ks *KeyService) aead(purpose string) (cipher.AEAD, error) {
	key, err := ks.DeriveKey(purpose)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCMWithNonceSize(block, ivSize)
}

// Encrypt seals plaintext with AES-256-GCM under the key for purpose.
func (ks *KeyService) Encrypt(plaintext []byte, purpose string) ([]byte, error) {
	gcm, err := ks.aead(purpose)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	// Seal appends the tag after the ciphertext
	sealed := gcm.Seal(nil, iv, plaintext, []byte(purpose))
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return Envelope{IV: iv, Tag: tag, Ciphertext: ct}.Bytes(), nil
}

// Decrypt opens an envelope produced by Encrypt with the same purpose.
// Any failure returns ErrDecrypt and no plaintext.
func (ks *KeyService) Decrypt(envelope []byte, purpose string) ([]byte, error) {
	env, err := ParseEnvelope(envelope)
	if err != nil {
		return nil, ErrDecrypt
	}
	gcm, err := ks.aead(purpose)
	if err != nil {
		return nil, ErrDecrypt
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+tagSize)
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	plaintext, err := gcm.Open(nil, env.IV, sealed, []byte(purpose))
	if err != nil {
		return nil, ErrDecrypt
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// EncryptString encrypts and base64url encodes the envelope.
func (ks *KeyService) EncryptString(plaintext, purpose string) (string, error) {
	env, err := ks.Encrypt([]byte(plaintext), purpose)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(env), nil
}

// DecryptString reverses EncryptString.
func (ks *KeyService) DecryptString(encoded, purpose string) (string, error) {
	env, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecrypt
	}
	plaintext, err := ks.Decrypt(env, purpose)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

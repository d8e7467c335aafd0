package crypto

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Canonicalize returns a stable JSON encoding of payload: object keys sorted,
// numbers kept as written. []byte and json.RawMessage are treated as JSON text.
func Canonicalize(payload any) ([]byte, error) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	case string:
		return json.Marshal(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	// encoding/json sorts map keys
	return json.Marshal(v)
}

// Sign returns the hex HMAC of identity || canonical(payload).
func (ks *KeyService) Sign(payload any, identity string) (string, error) {
	key, err := ks.DeriveKey(PurposeSigning)
	if err != nil {
		return "", err
	}
	return SignWithKey(key, payload, identity)
}

// Verify checks a signature produced by Sign in constant time.
func (ks *KeyService) Verify(payload any, identity, signature string) bool {
	key, err := ks.DeriveKey(PurposeSigning)
	if err != nil {
		return false
	}
	return VerifyWithKey(key, payload, identity, signature)
}

// SignWithKey signs like Sign with a caller-held key, such as a session key
// agreed through DeriveSharedSecret.
func SignWithKey(key []byte, payload any, identity string) (string, error) {
	mac, err := macWithKey(key, payload, identity)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(mac), nil
}

// VerifyWithKey checks a signature produced by SignWithKey in constant time.
func VerifyWithKey(key []byte, payload any, identity, signature string) bool {
	if len(key) == 0 {
		return false
	}
	given, err := hex.DecodeString(signature)
	if err != nil || len(given) != sha256.Size {
		return false
	}
	expected, err := macWithKey(key, payload, identity)
	if err != nil {
		return false
	}
	return hmac.Equal(given, expected)
}

func macWithKey(key []byte, payload any, identity string) ([]byte, error) {
	if len(key) == 0 {
		return nil, errors.New("empty signing key")
	}
	canonical, err := Canonicalize(payload)
	if err != nil {
		return nil, err
	}

	h := hmac.New(sha256.New, key)
	h.Write([]byte(identity))
	h.Write(canonical)
	return h.Sum(nil), nil
}

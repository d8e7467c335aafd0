package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// TimedToken is a self-contained encrypted grant.
type TimedToken struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

type timedPayload struct {
	Data    json.RawMessage `json:"d"`
	Expires int64           `json:"e"`
}

// TimedToken encrypts data together with its expiry. No server-side state is kept.
func (ks *KeyService) TimedToken(data any, ttl time.Duration) (TimedToken, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return TimedToken{}, fmt.Errorf("failed to marshal token data: %w", err)
	}

	expires := ks.now().Add(ttl)
	body, err := json.Marshal(timedPayload{Data: raw, Expires: expires.UnixMilli()})
	if err != nil {
		return TimedToken{}, fmt.Errorf("failed to marshal token: %w", err)
	}

	env, err := ks.Encrypt(body, PurposeToken)
	if err != nil {
		return TimedToken{}, err
	}

	return TimedToken{
		Token:   base64.RawURLEncoding.EncodeToString(env),
		Expires: time.UnixMilli(expires.UnixMilli()),
	}, nil
}

// ValidateTimedToken returns the data carried by token.
func (ks *KeyService) ValidateTimedToken(token string) (json.RawMessage, error) {
	env, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	body, err := ks.Decrypt(env, PurposeToken)
	if err != nil {
		return nil, ErrInvalidToken
	}

	var p timedPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, ErrInvalidToken
	}
	if ks.now().UnixMilli() >= p.Expires {
		return nil, ErrTokenExpired
	}
	return p.Data, nil
}

// HashFingerprint maps a raw device fingerprint to a stable keyed hash.
func (ks *KeyService) HashFingerprint(raw string) string {
	normalized := norm.NFC.String(strings.TrimSpace(raw))

	key, err := ks.DeriveKey(PurposeFingerprint)
	if err != nil || len(key) != 32 {
		sum := blake3.Sum256([]byte(normalized))
		return hex.EncodeToString(sum[:])
	}

	h, err := blake3.NewKeyed(key)
	if err != nil {
		sum := blake3.Sum256([]byte(normalized))
		return hex.EncodeToString(sum[:])
	}
	h.Write([]byte(normalized))
	return hex.EncodeToString(h.Sum(nil))
}

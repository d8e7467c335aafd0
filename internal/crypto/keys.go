package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"
)

// Key purposes
const (
	PurposeMessage     = "message"
	PurposeSigning     = "signing"
	PurposeToken       = "token"
	PurposeFingerprint = "fingerprint"
	PurposeAudit       = "audit"
	PurposeSession     = "session"
)

const (
	masterSecretSize = 32

	DefaultNonceTTL = 5 * time.Minute
	MaxNonceTTL     = 10 * time.Minute
)

var (
	ErrNotInitialized       = errors.New("key service not initialized")
	ErrMasterSecretRequired = errors.New("master secret is required")
)

// Config configures the key service
type Config struct {
	MasterSecret        string
	RequireMasterSecret bool
	NonceTTL            time.Duration
	MaxNonceTTL         time.Duration
}

// KeyService derives purpose-scoped keys from one master secret and offers the
// primitives built on them.
type KeyService struct {
	logger *zap.Logger
	config Config

	mu        sync.RWMutex
	master    *memguard.Enclave
	keys      map[string]*memguard.LockedBuffer
	ephemeral bool

	nonces *NonceStore
	now    func() time.Time
}

// NewKeyService creates a key service. Initialize must be called before use.
func NewKeyService(logger *zap.Logger, config Config) (*KeyService, error) {
	if config.NonceTTL <= 0 {
		config.NonceTTL = DefaultNonceTTL
	}
	if config.MaxNonceTTL <= 0 || config.MaxNonceTTL > MaxNonceTTL {
		config.MaxNonceTTL = MaxNonceTTL
	}
	if config.NonceTTL > config.MaxNonceTTL {
		config.NonceTTL = config.MaxNonceTTL
	}

	nonces, err := NewNonceStore(config.MaxNonceTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create nonce store: %w", err)
	}

	return &KeyService{
		logger: logger.Named("crypto"),
		config: config,
		keys:   make(map[string]*memguard.LockedBuffer),
		nonces: nonces,
		now:    time.Now,
	}, nil
}

// Initialize seals the master secret. Subsequent calls are no-ops.
func (ks *KeyService) Initialize(masterSecret []byte) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.master != nil {
		return nil
	}

	secret := make([]byte, len(masterSecret))
	copy(secret, masterSecret)

	if len(secret) == 0 {
		if ks.config.RequireMasterSecret {
			return ErrMasterSecretRequired
		}
		secret = make([]byte, masterSecretSize)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("failed to generate ephemeral master secret: %w", err)
		}
		ks.ephemeral = true
		ks.logger.Warn("No master secret configured, using ephemeral key",
			zap.String("impact", "encrypted data and signatures do not survive a restart"),
		)
	}

	// NewEnclave wipes secret
	ks.master = memguard.NewEnclave(secret)
	return nil
}

// InitializeFromConfig initializes with the configured secret, accepting
// either base64 or a raw string.
func (ks *KeyService) InitializeFromConfig() error {
	return ks.Initialize(decodeSecret(ks.config.MasterSecret))
}

// Ephemeral reports whether the master secret was generated at startup.
func (ks *KeyService) Ephemeral() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.ephemeral
}

// DeriveKey returns HMAC-SHA256(master, purpose). Keys are cached per purpose.
func (ks *KeyService) DeriveKey(purpose string) ([]byte, error) {
	ks.mu.RLock()
	if buf, ok := ks.keys[purpose]; ok {
		key := make([]byte, buf.Size())
		copy(key, buf.Bytes())
		ks.mu.RUnlock()
		return key, nil
	}
	ks.mu.RUnlock()

	ks.mu.Lock()
	defer ks.mu.Unlock()

	if buf, ok := ks.keys[purpose]; ok {
		key := make([]byte, buf.Size())
		copy(key, buf.Bytes())
		return key, nil
	}
	if ks.master == nil {
		return nil, ErrNotInitialized
	}

	master, err := ks.master.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open master secret: %w", err)
	}
	mac := hmac.New(sha256.New, master.Bytes())
	master.Destroy()
	mac.Write([]byte(purpose))
	derived := mac.Sum(nil)

	key := make([]byte, len(derived))
	copy(key, derived)
	// NewBufferFromBytes wipes derived
	ks.keys[purpose] = memguard.NewBufferFromBytes(derived)

	return key, nil
}

// RandomToken returns size random bytes, base64url encoded.
func (ks *KeyService) RandomToken(size int) (string, error) {
	if size <= 0 {
		size = 32
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Close destroys all key material.
func (ks *KeyService) Close() {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	for purpose, buf := range ks.keys {
		buf.Destroy()
		delete(ks.keys, purpose)
	}
	ks.master = nil
	ks.nonces.Close()
}

func decodeSecret(s string) []byte {
	if s == "" {
		return nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) >= 16 {
			return b
		}
	}
	return []byte(s)
}

package crypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
)

const nonceSize = 16

// NonceStore is a time-bounded set of consumed nonces. Entries are keyed by a
// hash of the nonce and hold their own expiry; the cache life window is the
// hard cap after which everything is evicted. The cache has no size cap: a
// size eviction would let a consumed nonce through again inside its ttl.
type NonceStore struct {
	mu    sync.Mutex
	cache *bigcache.BigCache
	now   func() time.Time
}

// NewNonceStore creates a nonce store with the given hard cap.
func NewNonceStore(lifeWindow time.Duration) (*NonceStore, error) {
	config := bigcache.Config{
		Shards:             64,
		LifeWindow:         lifeWindow,
		CleanWindow:        time.Minute,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       16,
	}

	cache, err := bigcache.New(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create nonce cache: %w", err)
	}

	return &NonceStore{
		cache: cache,
		now:   time.Now,
	}, nil
}

// Consume records value and returns true, or returns false if value was
// already recorded and has not expired.
func (ns *NonceStore) Consume(value string, ttl time.Duration) bool {
	key := nonceKey(value)
	now := ns.now()

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if stored, err := ns.cache.Get(key); err == nil && len(stored) == 8 {
		expires := time.Unix(0, int64(binary.BigEndian.Uint64(stored)))
		if now.Before(expires) {
			return false
		}
	}

	var expiry [8]byte
	binary.BigEndian.PutUint64(expiry[:], uint64(now.Add(ttl).UnixNano()))
	if err := ns.cache.Set(key, expiry[:]); err != nil {
		// refusing is the safe answer when the set cannot record the nonce
		return false
	}
	return true
}

// Len returns the number of stored nonces, expired ones included until evicted.
func (ns *NonceStore) Len() int {
	return ns.cache.Len()
}

// Close releases the cache.
func (ns *NonceStore) Close() {
	ns.cache.Close()
}

func nonceKey(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// Nonce returns a fresh random nonce.
func (ks *KeyService) Nonce() (string, error) {
	buf := make([]byte, nonceSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ConsumeNonce returns false if value was already consumed within its ttl.
// A non-positive ttl uses the default; ttl is capped at the configured maximum.
func (ks *KeyService) ConsumeNonce(value string, ttl time.Duration) bool {
	if value == "" {
		return false
	}
	if ttl <= 0 {
		ttl = ks.config.NonceTTL
	}
	if ttl > ks.config.MaxNonceTTL {
		ttl = ks.config.MaxNonceTTL
	}
	return ks.nonces.Consume(value, ttl)
}

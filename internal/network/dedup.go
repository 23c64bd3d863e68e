package network

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"
)

const (
	// defaultDedupTTL is how long an announcement is remembered.
	defaultDedupTTL = 5 * time.Second

	// defaultDedupSize bounds the remembered announcement digests.
	defaultDedupSize = 1 << 16
)

// Dedup drops announcements already delivered within a short window.
// Digests live in a bounded LRU; an entry older than the TTL counts as new.
type Dedup struct {
	mu   sync.Mutex
	seen *lru.Cache[[32]byte, time.Time]
	ttl  time.Duration
	now  func() time.Time
}

// NewDedup creates a deduplication filter.
func NewDedup() *Dedup {
	return newDedup(defaultDedupSize, defaultDedupTTL, time.Now)
}

func newDedup(size int, ttl time.Duration, now func() time.Time) *Dedup {
	// lru.New only fails on a non-positive size
	seen, _ := lru.New[[32]byte, time.Time](size)

	return &Dedup{seen: seen, ttl: ttl, now: now}
}

// Check reports whether data is new, and remembers it if so.
func (d *Dedup) Check(data []byte) bool {
	digest := blake3.Sum256(data)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen.Get(digest); ok && now.Sub(at) < d.ttl {
		return false
	}

	d.seen.Add(digest, now)

	return true
}

// Close forgets every digest.
func (d *Dedup) Close() {
	d.seen.Purge()
}

package promptcache

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/Awfp1314/ue-toolkits-assistant/pkg/logger"
)

// Kind tags the prompt segment a cached fragment belongs to.
type Kind string

const (
	KindSystem     Kind = "system"
	KindToolSchema Kind = "tool_schema"
	KindMemory     Kind = "memory"
)

type entry struct {
	value    string
	storedAt time.Time
	ttl      time.Duration
	hits     atomic.Uint64
}

// Stats is a point-in-time snapshot of cache-wide counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Entries   int
}

// Cache holds rendered prompt fragments keyed by content, so an
// unchanged fragment re-renders to the same key and is reused across
// turns. A failed lookup only costs a rebuild, never a turn.
type Cache struct {
	lru        *expirable.LRU[string, *entry]
	defaultTTL time.Duration
	hits       atomic.Uint64
	misses     atomic.Uint64
	evictions  atomic.Uint64
	mu         sync.Mutex
}

func NewCache(capacity int, defaultTTL time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 128
	}
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Minute
	}

	c := &Cache{defaultTTL: defaultTTL}
	// The LRU's own TTL is a backstop at twice the default; per-entry
	// expiry is enforced on read.
	c.lru = expirable.NewLRU[string, *entry](capacity, func(key string, _ *entry) {
		c.evictions.Add(1)
	}, 2*defaultTTL)
	return c
}

// Key derives the content address for a fragment: SHA-256 over the
// segment kind and the normalized content. Identical logical content
// always lands on the same key.
func Key(kind Kind, content string) string {
	normalized := Normalize(content)
	sum := sha256.Sum256([]byte(string(kind) + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}

var (
	isoTimestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})?`)
	sessionIDRe    = regexp.MustCompile(`\b(?:sess|turn)-[A-Za-z0-9-]+\b`)
	bracketDateRe  = regexp.MustCompile(`\[\d{4}-\d{2}-\d{2}\]`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
)

// Normalize strips fields that change every turn without changing
// meaning, so they never break content addressing.
func Normalize(content string) string {
	s := isoTimestampRe.ReplaceAllString(content, "")
	s = sessionIDRe.ReplaceAllString(s, "")
	s = bracketDateRe.ReplaceAllString(s, "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Get returns the cached fragment for (kind, content) if present and
// unexpired. Expired entries are removed on read.
func (c *Cache) Get(kind Kind, content string) (string, bool) {
	key := Key(kind, content)

	c.mu.Lock()
	e, ok := c.lru.Get(key)
	if ok && time.Since(e.storedAt) > e.ttl {
		c.lru.Remove(key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return "", false
	}
	e.hits.Add(1)
	c.hits.Add(1)
	return e.value, true
}

// Put stores value under the content address of (kind, content).
// ttl <= 0 uses the cache default.
func (c *Cache) Put(kind Kind, content, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	key := Key(kind, content)

	c.mu.Lock()
	evicted := c.lru.Add(key, &entry{value: value, storedAt: time.Now(), ttl: ttl})
	c.mu.Unlock()

	if evicted {
		logger.DebugCF("promptcache", "capacity eviction", map[string]interface{}{
			"entries": c.lru.Len(),
		})
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys lists current content addresses, oldest first. Debug aid.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.Len(),
	}
}

// Package contextstore holds the bounded, time-expiring cache of live chat
// context records. Eviction here loses only cached state: the durable
// summary, cursor, and messages live behind the persistence port and are
// re-hydrated on the next access. A record undergoing background
// summarization is safe to evict because the worker holds its own reference
// and writes the fold through to persistence.
package contextstore

import (
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/haasonsaas/chatctx/pkg/models"
)

const (
	// DefaultCapacity bounds the number of cached chat records.
	DefaultCapacity = 200

	// DefaultTTL is how long an untouched entry stays visible.
	DefaultTTL = 30 * time.Minute
)

// Options configures the store.
type Options struct {
	// Capacity is the maximum entry count; least-recently-used entries are
	// evicted beyond it. Defaults to DefaultCapacity.
	Capacity int

	// TTL is the per-entry time-to-live; expired entries are treated as
	// absent. Defaults to DefaultTTL.
	TTL time.Duration

	// OnEvict is called when an entry leaves the cache for any reason.
	OnEvict func(userID, chatID string)
}

// Store maps (userID, chatID) to the live ChatContext record.
type Store struct {
	capacity int
	lru      *expirable.LRU[string, *models.ChatContext]
}

// New creates a context store with LRU capacity and TTL expiry.
func New(opts Options) *Store {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	var onEvict func(string, *models.ChatContext)
	if opts.OnEvict != nil {
		evict := opts.OnEvict
		onEvict = func(key string, _ *models.ChatContext) {
			userID, chatID := SplitKey(key)
			evict(userID, chatID)
		}
	}
	return &Store{
		capacity: opts.Capacity,
		lru:      expirable.NewLRU[string, *models.ChatContext](opts.Capacity, onEvict, opts.TTL),
	}
}

// Key builds the cache key for a (user, chat) pair. The user length prefix
// keeps the key unambiguous when either identity contains the separator.
func Key(userID, chatID string) string {
	return strconv.Itoa(len(userID)) + ":" + userID + ":" + chatID
}

// SplitKey is the inverse of Key.
func SplitKey(key string) (userID, chatID string) {
	i := strings.IndexByte(key, ':')
	if i < 0 {
		return "", key
	}
	n, err := strconv.Atoi(key[:i])
	rest := key[i+1:]
	if err != nil || n < 0 || n >= len(rest) {
		return "", key
	}
	return rest[:n], rest[n+1:]
}

// Get returns the cached record, if present and not expired.
func (s *Store) Get(userID, chatID string) (*models.ChatContext, bool) {
	return s.lru.Get(Key(userID, chatID))
}

// Set inserts or replaces the record and refreshes its recency and TTL.
func (s *Store) Set(cc *models.ChatContext) {
	if cc == nil {
		return
	}
	s.lru.Add(Key(cc.UserID(), cc.ChatID()), cc)
}

// Delete removes the record, reporting whether it was present.
func (s *Store) Delete(userID, chatID string) bool {
	return s.lru.Remove(Key(userID, chatID))
}

// Len returns the number of physically present entries, expired or not.
func (s *Store) Len() int {
	return s.lru.Len()
}

// Capacity returns the configured maximum entry count.
func (s *Store) Capacity() int {
	return s.capacity
}

// Purge drops every entry.
func (s *Store) Purge() {
	s.lru.Purge()
}

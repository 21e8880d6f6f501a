// Package cache implements the tiered read cache: an in-memory tier backed
// by a persisted [store.Store] tier, with per-entry TTL and namespace-prefix
// invalidation.
//
// Entries are msgpack-serialized bytes plus write metadata. A read past
// WrittenAt+TTL is a miss regardless of persisted presence; the stale
// persisted record is lazily deleted. A fresh persisted entry found on a
// memory miss re-hydrates the memory tier.
//
// Failure semantics: storage I/O never fails a read. Get reports a miss and
// returns the error alongside so the caller can log it; the read path always
// falls through to the authoritative source. Writes are last-write-wins;
// a Set racing a Get on the same key needs no coordination beyond the
// memory-tier mutex.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/nearmarket/go-sync/store"
)

// DefaultTTL is used when Set is called with ttl <= 0. Pages are cheap to
// serve stale; mutations invalidate their namespaces explicitly.
const DefaultTTL = 6 * time.Hour

// Entry is the persisted form of a cached value.
type Entry struct {
	Value     []byte        `msgpack:"v"`
	WrittenAt time.Time     `msgpack:"w"`
	TTL       time.Duration `msgpack:"t"`
	Namespace string        `msgpack:"n"`
}

// Fresh reports whether the entry is within its TTL at the given instant.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Sub(e.WrittenAt) < e.TTL
}

// Namespace returns the invalidation namespace for a key: the prefix up to
// and including the first ':'. Keys without a separator are their own
// namespace.
func Namespace(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i+1]
	}
	return key
}

// Cache is the tiered read cache. Safe for concurrent use. Create one per
// session via New and release it with Close.
type Cache struct {
	persisted store.Store
	log       *zap.Logger

	mutex  sync.Mutex
	memory map[string]*Entry

	defaultTTL  time.Duration
	expiryCheck time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
}

// Option configures a Cache.
type Option func(*Cache)

// WithDefaultTTL sets the TTL used when Set is called with ttl <= 0.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Cache) { c.defaultTTL = d }
}

// WithExpiryCheck sets the interval of the background memory-tier eviction
// goroutine. Defaults to 1 minute.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *Cache) { c.expiryCheck = d }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// New returns a Cache whose persisted tier is the given store. A background
// goroutine evicts expired memory entries; Close stops it.
func New(parent context.Context, persisted store.Store, opts ...Option) *Cache {
	ctx, cancel := context.WithCancel(parent)
	c := &Cache{
		persisted:   persisted,
		log:         zap.NewNop(),
		memory:      make(map[string]*Entry),
		defaultTTL:  DefaultTTL,
		expiryCheck: time.Minute,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.waitGroup.Add(1)
	go c.run()
	return c
}

// Get returns the cached value for key if it is within its TTL. The memory
// tier is checked first; on a memory miss a fresh persisted entry is
// re-hydrated into memory. A storage error is returned together with
// found=false so the caller can treat it as a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	now := time.Now()

	c.mutex.Lock()
	if entry, ok := c.memory[key]; ok {
		if entry.Fresh(now) {
			val := entry.Value
			c.mutex.Unlock()
			return val, true, nil
		}
		delete(c.memory, key)
	}
	c.mutex.Unlock()

	data, found, err := c.persisted.Get(ctx, key)
	if err != nil {
		return nil, false, errors.Wrap(err, "cache: persisted get")
	}
	if !found {
		return nil, false, nil
	}

	var entry Entry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		// A corrupt record is a miss; drop it so it cannot recur.
		_ = c.persisted.Delete(ctx, key)
		return nil, false, errors.Wrap(err, "cache: decode entry")
	}
	if !entry.Fresh(now) {
		_ = c.persisted.Delete(ctx, key)
		return nil, false, nil
	}

	c.mutex.Lock()
	c.memory[key] = &entry
	c.mutex.Unlock()
	return entry.Value, true, nil
}

// Set writes the memory tier synchronously and the persisted tier before
// returning. A persisted-tier failure leaves the memory tier written and is
// reported so the caller can decide whether it matters.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	entry := &Entry{
		Value:     value,
		WrittenAt: time.Now(),
		TTL:       ttl,
		Namespace: Namespace(key),
	}

	c.mutex.Lock()
	c.memory[key] = entry
	c.mutex.Unlock()

	data, err := msgpack.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "cache: encode entry")
	}
	if err := c.persisted.Set(ctx, key, data); err != nil {
		c.log.Debug("cache persisted set failed", zap.String("key", key), zap.Error(err))
		return errors.Wrap(err, "cache: persisted set")
	}
	return nil
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mutex.Lock()
	delete(c.memory, key)
	c.mutex.Unlock()
	return errors.Wrap(c.persisted.Delete(ctx, key), "cache: persisted delete")
}

// InvalidatePrefix removes every entry in both tiers whose key starts with
// prefix. Used whenever filters or sort change, or a mutation lands in a
// namespace. Returns how many persisted entries were removed.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	c.mutex.Lock()
	for key := range c.memory {
		if strings.HasPrefix(key, prefix) {
			delete(c.memory, key)
		}
	}
	c.mutex.Unlock()

	removed, err := c.persisted.DeletePrefix(ctx, prefix)
	if err != nil {
		return 0, errors.Wrap(err, "cache: persisted invalidate")
	}
	return removed, nil
}

// Close stops the background eviction goroutine. The persisted store is not
// closed; its lifecycle belongs to the session.
func (c *Cache) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
	})
	return nil
}

func (c *Cache) run() {
	defer c.waitGroup.Done()
	ticker := time.NewTicker(c.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			c.mutex.Lock()
			for key, entry := range c.memory {
				if !entry.Fresh(now) {
					delete(c.memory, key)
				}
			}
			c.mutex.Unlock()
		}
	}
}

// Package paginate implements the per-list pagination engine: cache-first
// page fetches against a geospatial RPC with a plain-query fallback,
// offset/keyset hybrid paging, two-tier page sizing, id-based dedup across
// pages, and a staleness guard for responses that outlive their trigger.
package paginate

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/nearmarket/go-sync/backend"
	"github.com/nearmarket/go-sync/cache"
)

// Default two-tier page sizes: a larger first page for perceived
// responsiveness, smaller subsequent pages for efficiency.
const (
	DefaultFirstPageSize = 20
	DefaultNextPageSize  = 10
)

// Request is handed to a GeoFetch. The engine fills the paging fields
// according to the paging mode it selected; the fetcher translates them to
// its RPC's parameters.
type Request struct {
	Page    int
	Limit   int
	Offset  int
	Coords  *Coords
	Filters Filters
	Sort    Sort

	// Keyset cursor; set only in keyset mode.
	LastCreatedAt *time.Time
	LastID        string
}

// GeoFetch issues the entity's geospatial RPC.
type GeoFetch func(ctx context.Context, req Request) ([]backend.Item, error)

// FallbackFetch issues the plain indexed query used when the RPC errors or
// no coordinates are available.
type FallbackFetch func(ctx context.Context, q backend.FallbackQuery) ([]backend.Item, error)

// Config wires an Engine to one list type.
type Config struct {
	// Namespace prefixes every cache key, e.g. "pages:listings:". Refresh
	// invalidates exactly this prefix.
	Namespace string
	Geo       GeoFetch
	Fallback  FallbackFetch

	// SupportsKeyset: the RPC accepts a last_created_at/last_id cursor.
	// SupportsOffset: the RPC accepts a precise limit/offset window.
	// With neither, the engine requests the cumulative row total and
	// slices out the newly needed window client-side.
	SupportsKeyset bool
	SupportsOffset bool

	// RequiresCoords: the RPC is useless without a viewer position and the
	// fallback is used when none is available.
	RequiresCoords bool

	FirstPageSize int
	NextPageSize  int
	TTL           time.Duration
	Logger        *zap.Logger
}

// State is a snapshot of the engine's accumulated list.
type State struct {
	Items     []backend.Item
	Page      int
	HasMore   bool
	LastError string
}

// Engine fetches and accumulates pages for one list instance. One Engine
// per screen list; its state is never persisted. Safe for concurrent use.
type Engine struct {
	cfg   Config
	cache *cache.Cache
	log   *zap.Logger

	mutex      sync.Mutex
	sig        string
	currentKey string
	items      []backend.Item
	seen       map[string]bool
	page       int
	hasMore    bool
	lastError  string

	cursorCreatedAt *time.Time
	cursorID        string
}

// NewEngine returns an Engine over the given cache and fetchers.
func NewEngine(c *cache.Cache, cfg Config) *Engine {
	if cfg.FirstPageSize <= 0 {
		cfg.FirstPageSize = DefaultFirstPageSize
	}
	if cfg.NextPageSize <= 0 {
		cfg.NextPageSize = DefaultNextPageSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = cache.DefaultTTL
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		cache:   c,
		log:     log,
		seen:    make(map[string]bool),
		hasMore: true,
	}
}

// pageSize returns the requested size for page n under two-tier sizing.
func (e *Engine) pageSize(n int) int {
	if n <= 1 {
		return e.cfg.FirstPageSize
	}
	return e.cfg.NextPageSize
}

// cumulative returns the total rows needed to satisfy pages 1..n.
func (e *Engine) cumulative(n int) int {
	if n <= 0 {
		return 0
	}
	return e.cfg.FirstPageSize + (n-1)*e.cfg.NextPageSize
}

// State returns a snapshot of the accumulated list.
func (e *Engine) State() State {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	items := make([]backend.Item, len(e.items))
	copy(items, e.items)
	return State{Items: items, Page: e.page, HasMore: e.hasMore, LastError: e.lastError}
}

// FetchPage fetches page n for the given position and filters, merging the
// result into the accumulated list with id dedup. It returns the newly
// appended items; the full list is available via State. Network failures
// surface as an empty result plus a descriptive LastError in the state,
// and a response whose trigger is no longer current is discarded; either
// way FetchPage returns normally, never an error the render layer would
// have to handle.
func (e *Engine) FetchPage(ctx context.Context, page int, coords *Coords, filters Filters, sort Sort) []backend.Item {
	if page < 1 {
		page = 1
	}
	sig := signature(filters, sort, coords)
	key := PageKey(e.cfg.Namespace, filters, sort, coords, page)

	e.mutex.Lock()
	if sig != e.sig {
		// Filters, sort, or location bucket changed: the accumulated list
		// no longer describes this signature.
		e.resetLocked(sig)
	}
	e.currentKey = key
	cursorCreatedAt, cursorID := e.cursorCreatedAt, e.cursorID
	prevCount := len(e.items)
	e.mutex.Unlock()

	// Cache first.
	if rows, found, err := cache.GetAs[[]backend.Item](ctx, e.cache, key); err == nil && found {
		return e.apply(key, page, rows, len(rows), e.pageSize(page))
	} else if err != nil {
		e.log.Debug("page cache read failed", zap.String("key", key), zap.Error(err))
	}

	rows, raw, requested, fetchErr := e.fetch(ctx, page, coords, filters, sort, cursorCreatedAt, cursorID, prevCount)
	if fetchErr != nil {
		e.mutex.Lock()
		e.lastError = fetchErr.Error()
		e.mutex.Unlock()
		return nil
	}

	if err := cache.SetAs(ctx, e.cache, key, rows, e.cfg.TTL); err != nil {
		e.log.Debug("page cache write failed", zap.String("key", key), zap.Error(err))
	}
	return e.apply(key, page, rows, raw, requested)
}

// fetch runs the RPC (or fallback) and returns the new window of rows, the
// raw row count the backend returned, and the count that was requested.
func (e *Engine) fetch(ctx context.Context, page int, coords *Coords, filters Filters, sort Sort, cursorCreatedAt *time.Time, cursorID string, prevCount int) (rows []backend.Item, raw, requested int, err error) {
	mode := e.mode(sort, coords)

	if mode != modeFallback {
		req := Request{Page: page, Coords: coords, Filters: filters, Sort: sort}
		switch mode {
		case modeKeyset:
			req.Limit = e.pageSize(page)
			if page > 1 {
				req.LastCreatedAt = cursorCreatedAt
				req.LastID = cursorID
			}
		case modeOffset:
			req.Limit = e.pageSize(page)
			req.Offset = e.cumulative(page - 1)
		case modeCumulative:
			req.Limit = e.cumulative(page)
		}

		result, rpcErr := e.cfg.Geo(ctx, req)
		if rpcErr == nil {
			// A successful RPC is authoritative even when empty; the
			// fallback runs only on error or missing coordinates.
			if mode == modeCumulative {
				return sliceWindow(result, prevCount), len(result), e.cumulative(page), nil
			}
			return result, len(result), req.Limit, nil
		}
		e.log.Warn("geospatial rpc failed, using fallback",
			zap.String("namespace", e.cfg.Namespace), zap.Error(rpcErr))
	}

	// Plain indexed query: filtered, created_at descending, offset-paged.
	q := backend.FallbackQuery{
		Category:     filters.Category,
		VerifiedOnly: filters.VerifiedOnly,
		Search:       filters.Search,
		Limit:        e.pageSize(page),
		Offset:       e.cumulative(page - 1),
	}
	result, fbErr := e.cfg.Fallback(ctx, q)
	if fbErr != nil {
		return nil, 0, 0, errors.Wrap(fbErr, "paginate: fetch failed")
	}
	return result, len(result), q.Limit, nil
}

type pagingMode int

const (
	modeKeyset pagingMode = iota
	modeOffset
	modeCumulative
	modeFallback
)

func (e *Engine) mode(sort Sort, coords *Coords) pagingMode {
	if e.cfg.RequiresCoords && coords == nil {
		return modeFallback
	}
	if sort == SortRecency && e.cfg.SupportsKeyset {
		return modeKeyset
	}
	if e.cfg.SupportsOffset {
		return modeOffset
	}
	return modeCumulative
}

// sliceWindow cuts the newly needed rows out of a cumulative result.
func sliceWindow(rows []backend.Item, prevCount int) []backend.Item {
	if prevCount >= len(rows) {
		return nil
	}
	return rows[prevCount:]
}

// apply merges a fetched page into the accumulated list if its key is
// still the current one. Items whose id was already seen are dropped; zero
// new unique items forces hasMore to false even for a non-empty raw page,
// which prevents infinite-scroll loops against geospatially reordered
// result sets.
func (e *Engine) apply(key string, page int, rows []backend.Item, raw, requested int) []backend.Item {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if key != e.currentKey {
		// Filters or page changed while this fetch was in flight.
		e.log.Debug("discarding stale page response", zap.String("key", key))
		return nil
	}

	fresh := make([]backend.Item, 0, len(rows))
	for _, item := range rows {
		if e.seen[item.ID] {
			continue
		}
		e.seen[item.ID] = true
		fresh = append(fresh, item)
	}
	e.items = append(e.items, fresh...)
	e.page = page
	e.lastError = ""

	switch {
	case raw < requested:
		e.hasMore = false
	case len(fresh) == 0:
		e.hasMore = false
	default:
		e.hasMore = true
	}

	if len(e.items) > 0 {
		last := e.items[len(e.items)-1]
		created := last.CreatedAt
		e.cursorCreatedAt = &created
		e.cursorID = last.ID
	}

	out := make([]backend.Item, len(fresh))
	copy(out, fresh)
	return out
}

// Refresh clears the engine's cache namespace, resets to page 1, and
// refetches. Pull-to-refresh.
func (e *Engine) Refresh(ctx context.Context, coords *Coords, filters Filters, sort Sort) []backend.Item {
	if _, err := e.cache.InvalidatePrefix(ctx, e.cfg.Namespace); err != nil {
		e.log.Debug("refresh invalidate failed", zap.String("namespace", e.cfg.Namespace), zap.Error(err))
	}
	e.mutex.Lock()
	e.resetLocked(signature(filters, sort, coords))
	e.mutex.Unlock()
	return e.FetchPage(ctx, 1, coords, filters, sort)
}

func (e *Engine) resetLocked(sig string) {
	e.sig = sig
	e.currentKey = ""
	e.items = nil
	e.seen = make(map[string]bool)
	e.page = 0
	e.hasMore = true
	e.lastError = ""
	e.cursorCreatedAt = nil
	e.cursorID = ""
}

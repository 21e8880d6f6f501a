// Package syncer coordinates connectivity-driven synchronization: when the
// network monitor reports an offline to online transition (or on a manual
// Sync call) it drains the offline mutation queue, invalidates the cache
// namespaces touched by the actions that succeeded, and notifies refresh
// subscribers so visible lists refetch.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/nearmarket/go-sync/cache"
	"github.com/nearmarket/go-sync/netmon"
	"github.com/nearmarket/go-sync/paginate"
	"github.com/nearmarket/go-sync/queue"
)

// Cache namespaces owned by non-list surfaces. List pages use the
// paginate.Namespace* constants.
const (
	NamespaceChat    = "chat:"
	NamespaceProfile = "profile:"
	NamespaceUploads = "uploads:"
)

// maxDrainPasses bounds a single drain so a queue that keeps refilling
// (or a handler that keeps half-failing) cannot pin a goroutine forever.
const maxDrainPasses = 5

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to zap.NewNop().
func WithLogger(log *zap.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithBackOff replaces the inter-pass backoff factory. Tests use this to
// avoid real waits.
func WithBackOff(factory func() *backoff.ExponentialBackOff) Option {
	return func(c *Coordinator) { c.newBackOff = factory }
}

// Coordinator glues the monitor, queue, and cache together. One per
// session.
type Coordinator struct {
	queue      *queue.Queue
	cache      *cache.Cache
	monitor    *netmon.Monitor
	log        *zap.Logger
	newBackOff func() *backoff.ExponentialBackOff

	unsubscribe func()
	closed      chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup

	mutex      sync.Mutex
	refreshers map[int]func()
	nextID     int
}

// New wires a Coordinator and subscribes it to the monitor. The caller
// keeps ownership of all three collaborators.
func New(q *queue.Queue, ca *cache.Cache, m *netmon.Monitor, opts ...Option) *Coordinator {
	c := &Coordinator{
		queue:   q,
		cache:   ca,
		monitor: m,
		log:     zap.NewNop(),
		newBackOff: func() *backoff.ExponentialBackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
		closed:     make(chan struct{}),
		refreshers: make(map[int]func()),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.unsubscribe = m.Subscribe(netmon.Callbacks{OnOnline: c.onOnline})
	return c
}

func (c *Coordinator) onOnline() {
	select {
	case <-c.closed:
		return
	default:
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.log.Info("connectivity restored, draining queue")
		if _, err := c.Sync(context.Background()); err != nil {
			c.log.Warn("auto sync failed", zap.Error(err))
		}
	}()
}

// OnRefresh registers a callback invoked after a drain that invalidated at
// least one namespace. Engines register their Refresh here. The returned
// function unregisters; calling it more than once is harmless.
func (c *Coordinator) OnRefresh(fn func()) func() {
	c.mutex.Lock()
	id := c.nextID
	c.nextID++
	c.refreshers[id] = fn
	c.mutex.Unlock()
	return func() {
		c.mutex.Lock()
		delete(c.refreshers, id)
		c.mutex.Unlock()
	}
}

// Sync drains the queue, waiting with exponential backoff between passes
// while actions remain pending and the monitor stays online, then
// invalidates the cache namespaces derived from the action types that
// succeeded and notifies refresh subscribers. Concurrent Sync calls are
// safe: the queue itself admits one Process at a time and reports the
// others as skipped.
func (c *Coordinator) Sync(ctx context.Context) (queue.Result, error) {
	var (
		last      queue.Result
		succeeded = map[queue.ActionType]bool{}
	)
	wait := c.newBackOff()
	wait.Reset()

	for pass := 0; pass < maxDrainPasses; pass++ {
		result, err := c.queue.Process(ctx)
		if err != nil {
			return last, err
		}
		last = result
		for _, t := range result.SucceededTypes {
			succeeded[t] = true
		}
		if result.Skipped || result.Remaining == 0 || !c.monitor.IsOnline() {
			break
		}
		select {
		case <-time.After(wait.NextBackOff()):
		case <-ctx.Done():
			return last, ctx.Err()
		case <-c.closed:
			return last, nil
		}
	}

	if len(succeeded) > 0 {
		c.invalidate(ctx, succeeded)
		c.notifyRefreshers()
	}
	return last, nil
}

// invalidate busts every cache namespace a succeeded action type maps to.
func (c *Coordinator) invalidate(ctx context.Context, succeeded map[queue.ActionType]bool) {
	namespaces := map[string]bool{}
	for t := range succeeded {
		for _, ns := range namespacesFor(t) {
			namespaces[ns] = true
		}
	}
	for ns := range namespaces {
		n, err := c.cache.InvalidatePrefix(ctx, ns)
		if err != nil {
			c.log.Warn("post-sync invalidation failed", zap.String("namespace", ns), zap.Error(err))
			continue
		}
		c.log.Debug("invalidated namespace", zap.String("namespace", ns), zap.Int("entries", n))
	}
}

func (c *Coordinator) notifyRefreshers() {
	c.mutex.Lock()
	fns := make([]func(), 0, len(c.refreshers))
	for _, fn := range c.refreshers {
		fns = append(fns, fn)
	}
	c.mutex.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// namespacesFor maps an action type to the cache namespaces its server
// effect stales. Listing and request mutations also stale the unified
// marketplace feed, which shows both row kinds.
func namespacesFor(t queue.ActionType) []string {
	switch t {
	case queue.TypeMessage, queue.TypePing:
		return []string{NamespaceChat}
	case queue.TypeListingCreate, queue.TypeListingUpdate, queue.TypeListingDelete:
		return []string{paginate.NamespaceListings, paginate.NamespaceMarketplace}
	case queue.TypeRequestCreate, queue.TypeRequestUpdate:
		return []string{paginate.NamespaceRequests, paginate.NamespaceMarketplace}
	case queue.TypeProfileUpdate:
		return []string{NamespaceProfile}
	case queue.TypeUpload:
		return []string{NamespaceUploads}
	default:
		return nil
	}
}

// Close unsubscribes from the monitor and waits for any in-flight
// auto-drain to finish.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
	})
	c.wg.Wait()
	return nil
}

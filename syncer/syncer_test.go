package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearmarket/go-sync/backend"
	"github.com/nearmarket/go-sync/cache"
	"github.com/nearmarket/go-sync/netmon"
	"github.com/nearmarket/go-sync/paginate"
	"github.com/nearmarket/go-sync/queue"
	"github.com/nearmarket/go-sync/store"
)

func fastBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = time.Millisecond
	return b
}

type fixture struct {
	store   store.Store
	cache   *cache.Cache
	queue   *queue.Queue
	monitor *netmon.Monitor
	coord   *Coordinator
}

func newFixture(t *testing.T, handlers map[queue.ActionType]queue.Handler) *fixture {
	t.Helper()
	st := store.NewMemory()
	c := cache.New(context.Background(), store.NewMemory())
	q := queue.New(st, handlers)
	m := netmon.New(nil)
	coord := New(q, c, m, WithBackOff(fastBackOff))
	t.Cleanup(func() {
		coord.Close()
		m.Close()
		c.Close()
	})
	return &fixture{store: st, cache: c, queue: q, monitor: m, coord: coord}
}

func backendListingDraft() backend.ListingDraft {
	return backend.ListingDraft{Title: "wooden ladder", Category: "tools", PriceCents: 45000}
}

func TestOfflineMutationsDrainOnReconnect(t *testing.T) {
	ctx := context.Background()
	var sent int32
	f := newFixture(t, map[queue.ActionType]queue.Handler{
		queue.TypeMessage: func(ctx context.Context, a *queue.Action) error {
			atomic.AddInt32(&sent, 1)
			return nil
		},
	})

	// Seed a cached chat page that the drained message must stale, and an
	// unrelated entry that must survive.
	require.NoError(t, f.cache.Set(ctx, "chat:42:messages", []byte("cached"), time.Hour))
	require.NoError(t, f.cache.Set(ctx, "profile:me", []byte("cached"), time.Hour))

	f.monitor.SetOnline(false)
	_, err := f.queue.AddMessage(ctx, "42", "see you at the market")
	require.NoError(t, err)
	_, err = f.queue.AddMessage(ctx, "42", "bringing the ladder")
	require.NoError(t, err)

	f.monitor.SetOnline(true)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&sent) == 2
	}, 2*time.Second, 10*time.Millisecond, "reconnect must drain the queue")

	assert.Eventually(t, func() bool {
		_, found, err := f.cache.Get(ctx, "chat:42:messages")
		return err == nil && !found
	}, 2*time.Second, 10*time.Millisecond, "chat namespace must be invalidated after the drain")

	_, found, err := f.cache.Get(ctx, "profile:me")
	require.NoError(t, err)
	assert.True(t, found, "only namespaces of succeeded action types are invalidated")

	status, err := f.queue.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.TotalActions)
}

func TestSyncRetriesPassesUntilDrained(t *testing.T) {
	ctx := context.Background()
	var attempts int32
	f := newFixture(t, map[queue.ActionType]queue.Handler{
		queue.TypeMessage: func(ctx context.Context, a *queue.Action) error {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return errors.New("transient send failure")
			}
			return nil
		},
	})

	_, err := f.queue.AddMessage(ctx, "7", "hello")
	require.NoError(t, err)

	result, err := f.coord.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts), "a failed pass is retried after backoff")
}

func TestSyncStopsWhenOffline(t *testing.T) {
	ctx := context.Background()
	var attempts int32
	f := newFixture(t, map[queue.ActionType]queue.Handler{
		queue.TypeMessage: func(ctx context.Context, a *queue.Action) error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("network gone")
		},
	})

	_, err := f.queue.AddMessage(ctx, "7", "hello")
	require.NoError(t, err)

	f.monitor.SetOnline(false)
	result, err := f.coord.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Remaining)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "no retry passes while offline")
}

func TestRefreshSubscribersNotifiedAfterInvalidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[queue.ActionType]queue.Handler{
		queue.TypeListingCreate: func(ctx context.Context, a *queue.Action) error { return nil },
	})

	var mu sync.Mutex
	var notified int
	unsubscribe := f.coord.OnRefresh(func() {
		mu.Lock()
		notified++
		mu.Unlock()
	})

	_, err := f.queue.AddListingCreate(ctx, backendListingDraft())
	require.NoError(t, err)
	_, err = f.coord.Sync(ctx)
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, 1, notified)
	mu.Unlock()

	// After unsubscribing, a further sync with nothing succeeded must not
	// notify; neither must one with successes.
	unsubscribe()
	_, err = f.queue.AddListingCreate(ctx, backendListingDraft())
	require.NoError(t, err)
	_, err = f.coord.Sync(ctx)
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, 1, notified)
	mu.Unlock()
}

func TestEmptySyncDoesNotNotify(t *testing.T) {
	f := newFixture(t, map[queue.ActionType]queue.Handler{})

	var notified int32
	f.coord.OnRefresh(func() { atomic.AddInt32(&notified, 1) })

	result, err := f.coord.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, int32(0), atomic.LoadInt32(&notified))
}

func TestNamespaceMapping(t *testing.T) {
	assert.Equal(t, []string{NamespaceChat}, namespacesFor(queue.TypeMessage))
	assert.Equal(t, []string{NamespaceChat}, namespacesFor(queue.TypePing))
	assert.Equal(t, []string{paginate.NamespaceListings, paginate.NamespaceMarketplace}, namespacesFor(queue.TypeListingDelete))
	assert.Equal(t, []string{paginate.NamespaceRequests, paginate.NamespaceMarketplace}, namespacesFor(queue.TypeRequestUpdate))
	assert.Equal(t, []string{NamespaceProfile}, namespacesFor(queue.TypeProfileUpdate))
	assert.Equal(t, []string{NamespaceUploads}, namespacesFor(queue.TypeUpload))
	assert.Nil(t, namespacesFor(queue.ActionType("bogus")))
}

func TestCloseStopsAutoDrain(t *testing.T) {
	var sent int32
	f := newFixture(t, map[queue.ActionType]queue.Handler{
		queue.TypeMessage: func(ctx context.Context, a *queue.Action) error {
			atomic.AddInt32(&sent, 1)
			return nil
		},
	})

	require.NoError(t, f.coord.Close())

	f.monitor.SetOnline(false)
	_, err := f.queue.AddMessage(context.Background(), "7", "hello")
	require.NoError(t, err)
	f.monitor.SetOnline(true)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&sent), "a closed coordinator must not drain")
}

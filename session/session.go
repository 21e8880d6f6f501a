// Package session assembles the client stack for one signed-in user:
// persisted store, tiered cache, offline mutation queue with default
// handlers, connectivity monitor, and sync coordinator. Sessions are
// independent; there are no package-level singletons.
package session

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nearmarket/go-sync/backend"
	"github.com/nearmarket/go-sync/cache"
	"github.com/nearmarket/go-sync/netmon"
	"github.com/nearmarket/go-sync/paginate"
	"github.com/nearmarket/go-sync/queue"
	"github.com/nearmarket/go-sync/store"
	"github.com/nearmarket/go-sync/syncer"
)

const (
	redisKeyPrefix = "nearmarket"
	probeTimeout   = 5 * time.Second
	closeTimeout   = 10 * time.Second
)

// Session owns the per-user sync stack. Construct with New, tear down
// with Close.
type Session struct {
	cfg    Config
	log    *zap.Logger
	client backend.Client

	store   store.Store
	redis   *redis.Client
	cache   *cache.Cache
	queue   *queue.Queue
	monitor *netmon.Monitor
	coord   *syncer.Coordinator

	cancelProbe context.CancelFunc
}

// New wires a Session from the given config and backend client. The
// context bounds the lifetime of background work (cache janitor,
// connectivity probe); Close also stops them.
func New(ctx context.Context, cfg Config, client backend.Client, log *zap.Logger) (*Session, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &Session{cfg: cfg, log: log, client: client}

	st, err := s.openStore()
	if err != nil {
		return nil, err
	}
	if key := cfg.encryptionKey(); key != nil {
		sealed, err := store.NewEncrypted(st, key, syncer.NamespaceChat)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		st = sealed
	}
	s.store = st

	s.cache = cache.New(ctx, st,
		cache.WithDefaultTTL(cfg.CacheTTL.Std()),
		cache.WithLogger(log))

	s.queue = queue.New(st, queue.DefaultHandlers(client), queue.WithLogger(log))

	s.monitor = netmon.New(log)
	if cfg.ProbeInterval > 0 {
		probeCtx, cancel := context.WithCancel(ctx)
		s.cancelProbe = cancel
		s.monitor.Run(probeCtx, netmon.DialProbe(cfg.ProbeAddr, probeTimeout), cfg.ProbeInterval.Std())
	}

	s.coord = syncer.New(s.queue, s.cache, s.monitor, syncer.WithLogger(log))
	return s, nil
}

func (s *Session) openStore() (store.Store, error) {
	switch {
	case s.cfg.RedisAddr != "":
		s.redis = redis.NewClient(&redis.Options{
			Addr:     s.cfg.RedisAddr,
			Password: s.cfg.RedisPassword,
			DB:       s.cfg.RedisDB,
		})
		return store.NewRedis(s.redis, redisKeyPrefix), nil
	case s.cfg.StorePath != "":
		st, err := store.NewSQLite(s.cfg.StorePath)
		if err != nil {
			return nil, errors.Wrap(err, "session: open store")
		}
		return st, nil
	default:
		return store.NewMemory(), nil
	}
}

// Cache returns the session's read cache.
func (s *Session) Cache() *cache.Cache { return s.cache }

// Queue returns the session's offline mutation queue.
func (s *Session) Queue() *queue.Queue { return s.queue }

// Monitor returns the session's connectivity monitor.
func (s *Session) Monitor() *netmon.Monitor { return s.monitor }

// Coordinator returns the session's sync coordinator.
func (s *Session) Coordinator() *syncer.Coordinator { return s.coord }

// Sync drains the queue now. See syncer.Coordinator.Sync.
func (s *Session) Sync(ctx context.Context) (queue.Result, error) {
	return s.coord.Sync(ctx)
}

// Listings returns a pagination engine for the listings feed.
func (s *Session) Listings() *paginate.Engine {
	return paginate.NewListings(s.cache, s.client, s.engineConfig())
}

// Marketplace returns a pagination engine for the unified marketplace feed.
func (s *Session) Marketplace() *paginate.Engine {
	return paginate.NewMarketplace(s.cache, s.client, s.engineConfig())
}

// Requests returns a pagination engine for the requests feed.
func (s *Session) Requests() *paginate.Engine {
	return paginate.NewRequests(s.cache, s.client, s.engineConfig())
}

func (s *Session) engineConfig() paginate.Config {
	return paginate.Config{
		FirstPageSize: s.cfg.FirstPageSize,
		NextPageSize:  s.cfg.NextPageSize,
		TTL:           s.cfg.CacheTTL.Std(),
		Logger:        s.log,
	}
}

// Close is logout: it discards the user's queued mutations and cached
// data, then releases every resource. Errors are collected so a failing
// step does not keep later ones from running.
func (s *Session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	if err := s.coord.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.cancelProbe != nil {
		s.cancelProbe()
	}
	if err := s.monitor.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.queue.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.cache.InvalidatePrefix(ctx, ""); err != nil {
		errs = append(errs, err)
	}
	if err := s.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(errors.Join(errs...), "session: close")
	}
	return nil
}

package store

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	client       *redis.Client
	prefix       string
	queryTimeout time.Duration
}

var _ Store = (*redisStore)(nil)

// NewRedis returns a Store backed by Redis. All keys are stored under the
// given prefix so multiple stores can share one instance. The caller owns
// the redis.Client lifecycle; Close is a no-op on the client.
func NewRedis(client *redis.Client, prefix string) Store {
	return &redisStore{
		client:       client,
		prefix:       prefix,
		queryTimeout: DefaultQueryTimeout,
	}
}

func (s *redisStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.queryTimeout)
}

func (s *redisStore) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	data, err := s.client.Get(qctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "store: redis get")
	}
	return data, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	return errors.Wrap(s.client.Set(qctx, s.key(key), value, 0).Err(), "store: redis set")
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	return errors.Wrap(s.client.Del(qctx, s.key(key)).Err(), "store: redis del")
}

func (s *redisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := s.scan(ctx, prefix)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	removed, err := s.client.Del(qctx, keys...).Result()
	if err != nil {
		return 0, errors.Wrap(err, "store: redis delete prefix")
	}
	return int(removed), nil
}

func (s *redisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	// Strip the store prefix so callers see the keys they wrote.
	strip := 0
	if s.prefix != "" {
		strip = len(s.prefix) + 1
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k[strip:])
	}
	return out, nil
}

// globEscape neutralizes redis glob metacharacters so a key prefix is
// matched literally. Page keys can embed user search strings.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '^', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// scan returns the full (store-prefixed) redis keys matching prefix. SCAN
// is used instead of KEYS so shared instances are not blocked.
func (s *redisStore) scan(ctx context.Context, prefix string) ([]string, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var (
		keys   []string
		cursor uint64
	)
	match := globEscape(s.key(prefix)) + "*"
	for {
		batch, next, err := s.client.Scan(qctx, cursor, match, 200).Result()
		if err != nil {
			return nil, errors.Wrap(err, "store: redis scan")
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Close is a no-op; the caller owns the redis.Client lifecycle.
func (s *redisStore) Close() error {
	return nil
}

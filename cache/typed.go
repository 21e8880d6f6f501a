package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"
)

// GetAs retrieves a typed value, deserializing the cached bytes via msgpack.
func GetAs[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var zero T
	data, found, err := c.Get(ctx, key)
	if !found || err != nil {
		return zero, false, err
	}
	var result T
	if err := msgpack.Unmarshal(data, &result); err != nil {
		return zero, false, errors.Wrap(err, "cache: unmarshal value")
	}
	return result, true, nil
}

// SetAs serializes a typed value via msgpack and caches it.
func SetAs[T any](ctx context.Context, c *Cache, key string, val T, ttl time.Duration) error {
	data, err := msgpack.Marshal(val)
	if err != nil {
		return errors.Wrap(err, "cache: marshal value")
	}
	return c.Set(ctx, key, data, ttl)
}

// Invoker produces a value on a cache miss. Return found=false to signal
// "no data" without caching a zero value.
type Invoker[T any] func(ctx context.Context) (T, bool, error)

// Loader is a cache-aside helper that collapses concurrent misses on the
// same key into a single upstream call. Two callers racing to populate one
// key issue one fetch, not two.
type Loader struct {
	group singleflight.Group
}

type loadResult struct {
	value any
	found bool
}

// Load checks the cache for key; on a hit within TTL the cached value is
// returned. On a miss, invoke runs (deduplicated per key across concurrent
// callers) and, if it reports found=true, the result is cached with the
// given TTL. A cache read or write error never fails the load; the invoker
// result wins.
func Load[T any](ctx context.Context, l *Loader, c *Cache, key string, ttl time.Duration, invoke Invoker[T]) (T, bool, error) {
	var zero T
	if val, found, err := GetAs[T](ctx, c, key); err == nil && found {
		return val, true, nil
	}

	v, err, _ := l.group.Do(key, func() (any, error) {
		result, ok, err := invoke(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			// Swallow the Set error; the caller got their value.
			_ = SetAs(ctx, c, key, result, ttl)
		}
		return loadResult{value: result, found: ok}, nil
	})
	if err != nil {
		return zero, false, err
	}
	res := v.(loadResult)
	if !res.found {
		return zero, false, nil
	}
	typed, ok := res.value.(T)
	if !ok {
		return zero, false, errors.Newf("cache: cannot convert value of type %T to %T", res.value, zero)
	}
	return typed, true, nil
}

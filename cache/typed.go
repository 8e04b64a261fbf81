package cache

import (
	"context"
	"strconv"

	"golang.org/x/sync/singleflight"
)

// Typed is a view of a Cache holding values of type T.
type Typed[T any] struct {
	cache *Cache
	codec Codec
	group singleflight.Group
}

// NewTyped creates a typed view over c. A nil codec uses JSONCodec.
func NewTyped[T any](c *Cache, codec Codec) *Typed[T] {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Typed[T]{cache: c, codec: codec}
}

// Cache returns the underlying byte cache.
func (t *Typed[T]) Cache() *Cache {
	return t.cache
}

// Get returns the value stored under key. Bytes that no longer decode are
// dropped from the cache and reported as a *CodecError.
func (t *Typed[T]) Get(key string) (T, bool, error) {
	var v T
	data, ok := t.cache.Get(key)
	if !ok {
		return v, false, nil
	}
	if err := t.codec.Unmarshal(data, &v); err != nil {
		t.cache.Invalidate(key)
		var zero T
		return zero, false, NewCodecError(key, "decode", err)
	}
	return v, true, nil
}

// Insert encodes v and stores it under key.
func (t *Typed[T]) Insert(key string, v T) error {
	data, err := t.codec.Marshal(v)
	if err != nil {
		return NewCodecError(key, "encode", err)
	}
	t.cache.Insert(key, data)
	return nil
}

// Invalidate removes key.
func (t *Typed[T]) Invalidate(key string) bool {
	return t.cache.Invalidate(key)
}

// GetOrInsertWith returns the cached value for key, or runs compute and
// caches its result. Concurrent misses on one key share a single compute
// call. Nothing is cached when compute fails, or when the cache saw an
// invalidation while compute ran; callers arriving after that invalidation
// start a fresh compute.
func (t *Typed[T]) GetOrInsertWith(ctx context.Context, key string, compute func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	generation := t.cache.Generation()
	if v, ok, err := t.Get(key); err != nil {
		return zero, err
	} else if ok {
		return v, nil
	}

	flight := key + "@" + strconv.FormatUint(generation, 10)
	ch := t.group.DoChan(flight, func() (interface{}, error) {
		// Another caller may have filled the entry between our miss and now.
		if v, ok, err := t.Get(key); err == nil && ok {
			return v, nil
		}

		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		data, err := t.codec.Marshal(v)
		if err != nil {
			return nil, NewCodecError(key, "encode", err)
		}
		t.cache.InsertIf(key, data, generation)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, ok := res.Val.(T)
		if !ok {
			return zero, nil
		}
		return v, nil
	}
}

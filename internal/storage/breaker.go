package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerConfig configures the circuit breaker placed in front of a store.
type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
	HalfOpenRequests    uint32        `yaml:"half_open_requests"`
}

// breakerStore wraps an ObjectStore with a circuit breaker. Only transient
// errors count as failures; a missing object or a denied request says
// nothing about the health of the endpoint.
type breakerStore struct {
	inner ObjectStore
	cb    *gobreaker.CircuitBreaker[interface{}]
	name  string
}

// WithBreaker wraps store with a circuit breaker. When the circuit is open,
// calls fail fast with a TransientStoreError.
func WithBreaker(store ObjectStore, name string, cfg BreakerConfig) ObjectStore {
	if !cfg.Enabled {
		return store
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}

	log := slog.With("component", "breaker", "store", name)
	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit state changed", "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
	})
	return &breakerStore{inner: store, cb: cb, name: name}
}

func (b *breakerStore) execute(op, bucket, key string, fn func() (interface{}, error)) (interface{}, error) {
	res, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &TransientStoreError{Op: op, Bucket: bucket, Key: key, Err: err}
	}
	return res, err
}

func (b *breakerStore) List(ctx context.Context, bucket, prefix, cursor string, limit int) (Page, error) {
	res, err := b.execute("list", bucket, prefix, func() (interface{}, error) {
		return b.inner.List(ctx, bucket, prefix, cursor, limit)
	})
	if err != nil {
		return Page{}, err
	}
	return res.(Page), nil
}

func (b *breakerStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	res, err := b.execute("get", bucket, key, func() (interface{}, error) {
		return b.inner.Get(ctx, bucket, key)
	})
	if err != nil {
		return nil, err
	}
	return res.(io.ReadCloser), nil
}

func (b *breakerStore) Put(ctx context.Context, bucket, key string, r io.Reader, contentType string) error {
	_, err := b.execute("put", bucket, key, func() (interface{}, error) {
		return nil, b.inner.Put(ctx, bucket, key, r, contentType)
	})
	return err
}

func (b *breakerStore) Head(ctx context.Context, bucket, key string) (bool, error) {
	res, err := b.execute("head", bucket, key, func() (interface{}, error) {
		return b.inner.Head(ctx, bucket, key)
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (b *breakerStore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := b.execute("copy", srcBucket, srcKey, func() (interface{}, error) {
		return nil, b.inner.Copy(ctx, srcBucket, srcKey, dstBucket, dstKey)
	})
	return err
}

func (b *breakerStore) Close() error {
	return b.inner.Close()
}

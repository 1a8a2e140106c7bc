package storage

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// failingStore returns err from every call and counts calls.
type failingStore struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *failingStore) call() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *failingStore) List(ctx context.Context, bucket, prefix, cursor string, limit int) (Page, error) {
	return Page{}, f.call()
}
func (f *failingStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	return nil, f.call()
}
func (f *failingStore) Put(ctx context.Context, bucket, key string, r io.Reader, ct string) error {
	return f.call()
}
func (f *failingStore) Head(ctx context.Context, bucket, key string) (bool, error) {
	return false, f.call()
}
func (f *failingStore) Copy(ctx context.Context, sb, sk, db, dk string) error {
	return f.call()
}
func (f *failingStore) Close() error { return nil }

func TestWithBreaker_OpensOnTransientErrors(t *testing.T) {
	inner := &failingStore{err: &TransientStoreError{Op: "head", Err: errors.New("503")}}
	s := WithBreaker(inner, "test", BreakerConfig{Enabled: true, ConsecutiveFailures: 3, OpenTimeout: time.Minute})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.Head(ctx, "b", "k"); !IsTransient(err) {
			t.Fatalf("call %d: expected transient, got %v", i, err)
		}
	}

	// Circuit is now open: the inner store is not called.
	_, err := s.Head(ctx, "b", "k")
	if !IsTransient(err) {
		t.Fatalf("expected transient error from open circuit, got %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("expected 3 inner calls, got %d", inner.calls)
	}
}

func TestWithBreaker_FatalErrorsDoNotTrip(t *testing.T) {
	inner := &failingStore{err: &FatalStoreError{Op: "get", Kind: KindNotFound, Err: errors.New("404")}}
	s := WithBreaker(inner, "test", BreakerConfig{Enabled: true, ConsecutiveFailures: 2})

	for i := 0; i < 5; i++ {
		if _, err := s.Get(context.Background(), "b", "k"); !IsNotFound(err) {
			t.Fatalf("call %d: expected not found, got %v", i, err)
		}
	}
	if inner.calls != 5 {
		t.Errorf("expected every call to reach the store, got %d", inner.calls)
	}
}

func TestWithBreaker_Disabled(t *testing.T) {
	inner := &failingStore{}
	if s := WithBreaker(inner, "test", BreakerConfig{}); s != ObjectStore(inner) {
		t.Error("disabled breaker should return the store unchanged")
	}
}

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/storage"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
}

func TestPolicy_RetriesTransient(t *testing.T) {
	calls := 0
	err := fastPolicy(4).Do(context.Background(), "put", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &storage.TransientStoreError{Op: "put", Err: errors.New("503")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestPolicy_StopsOnFatal(t *testing.T) {
	calls := 0
	err := fastPolicy(4).Do(context.Background(), "get", func(ctx context.Context) error {
		calls++
		return &storage.FatalStoreError{Op: "get", Kind: storage.KindNotFound, Err: errors.New("404")}
	})
	if !storage.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestPolicy_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), "list", func(ctx context.Context) error {
		calls++
		return &storage.TransientStoreError{Op: "list", Err: errors.New("throttled")}
	})
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error after exhaustion, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestPolicy_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Policy{MaxAttempts: 10, Initial: 50 * time.Millisecond}.Do(ctx, "head", func(ctx context.Context) error {
		calls++
		cancel()
		return &storage.TransientStoreError{Op: "head", Err: errors.New("timeout")}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call after cancellation, got %d", calls)
	}
}

func TestPolicy_CustomRetryable(t *testing.T) {
	sentinel := errors.New("flaky")
	calls := 0
	p := fastPolicy(2)
	p.Retryable = func(err error) bool { return errors.Is(err, sentinel) }
	_ = p.Do(context.Background(), "x", func(ctx context.Context) error {
		calls++
		return sentinel
	})
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

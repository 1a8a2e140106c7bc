package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a non-retryable store failure.
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindAccessDenied ErrorKind = "access_denied"
	KindInvalid      ErrorKind = "invalid"
)

// TransientStoreError is a retryable failure: throttling, timeouts, 5xx
// responses or an open circuit.
type TransientStoreError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("store.%s %s: transient: %v", e.Op, objectPath(e.Bucket, e.Key), e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// FatalStoreError is a non-retryable failure such as a denied request or a
// missing bucket or object.
type FatalStoreError struct {
	Op     string
	Bucket string
	Key    string
	Kind   ErrorKind
	Err    error
}

func (e *FatalStoreError) Error() string {
	return fmt.Sprintf("store.%s %s: %s: %v", e.Op, objectPath(e.Bucket, e.Key), e.Kind, e.Err)
}

func (e *FatalStoreError) Unwrap() error { return e.Err }

func objectPath(bucket, key string) string {
	if key == "" {
		return bucket
	}
	return bucket + "/" + key
}

// IsTransient reports whether err is, or wraps, a TransientStoreError.
func IsTransient(err error) bool {
	var te *TransientStoreError
	return errors.As(err, &te)
}

// IsFatal reports whether err is, or wraps, a FatalStoreError.
func IsFatal(err error) bool {
	var fe *FatalStoreError
	return errors.As(err, &fe)
}

// IsNotFound reports whether err is a FatalStoreError of kind KindNotFound.
func IsNotFound(err error) bool {
	var fe *FatalStoreError
	return errors.As(err, &fe) && fe.Kind == KindNotFound
}

// IsAccessDenied reports whether err is a FatalStoreError of kind
// KindAccessDenied. Such errors abort a whole run.
func IsAccessDenied(err error) bool {
	var fe *FatalStoreError
	return errors.As(err, &fe) && fe.Kind == KindAccessDenied
}

// IsInvalid reports whether err is a FatalStoreError of kind KindInvalid,
// such as a malformed bucket name or an unsupported operation.
func IsInvalid(err error) bool {
	var fe *FatalStoreError
	return errors.As(err, &fe) && fe.Kind == KindInvalid
}

// contextErr returns the context error wrapped with operation context, or nil
// while the context is still live.
func contextErr(ctx context.Context, op, bucket, key string) error {
	if ctx.Err() == nil {
		return nil
	}
	return fmt.Errorf("store.%s %s: %w", op, objectPath(bucket, key), ctx.Err())
}

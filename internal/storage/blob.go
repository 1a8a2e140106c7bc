package storage

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local filesystem driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // in-memory driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"
)

// BlobStore implements ObjectStore on top of gocloud.dev buckets.
// Works with AWS S3, GCS, S3-compatible endpoints and the local filesystem.
type BlobStore struct {
	cfg StoreConfig

	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

// NewBlobStore creates a gocloud-backed store. Buckets are opened lazily on
// first use and cached for the lifetime of the store.
func NewBlobStore(cfg StoreConfig) (*BlobStore, error) {
	switch cfg.URLScheme {
	case "", "s3", "gs", "mem":
	case "file":
		if cfg.LocalRoot == "" {
			return nil, fmt.Errorf("local_root required for file scheme")
		}
	default:
		return nil, fmt.Errorf("unsupported blob scheme: %s", cfg.URLScheme)
	}
	if cfg.URLScheme == "" {
		cfg.URLScheme = "s3"
	}
	return &BlobStore{
		cfg:     cfg,
		buckets: make(map[string]*blob.Bucket),
	}, nil
}

// Attach registers an already opened bucket under name. Used for in-memory
// buckets, which cannot be reopened by URL.
func (s *BlobStore) Attach(name string, b *blob.Bucket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[name] = b
}

// bucketURL builds the gocloud URL for a bucket name.
func (s *BlobStore) bucketURL(name string) (string, error) {
	params := url.Values{}
	switch s.cfg.URLScheme {
	case "file":
		dir := filepath.Join(s.cfg.LocalRoot, name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create bucket directory %s: %w", dir, err)
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", fmt.Errorf("resolve bucket directory %s: %w", dir, err)
		}
		return "file://" + filepath.ToSlash(abs), nil
	case "s3":
		if s.cfg.Region != "" {
			params.Set("region", s.cfg.Region)
		}
		if s.cfg.Endpoint != "" {
			params.Set("endpoint", s.cfg.Endpoint)
			params.Set("s3ForcePathStyle", "true")
		}
	}
	u := fmt.Sprintf("%s://%s", s.cfg.URLScheme, name)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u, nil
}

func (s *BlobStore) bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	u, err := s.bucketURL(name)
	if err != nil {
		return nil, &FatalStoreError{Op: "open", Bucket: name, Kind: KindInvalid, Err: err}
	}
	b, err := blob.OpenBucket(ctx, u)
	if err != nil {
		return nil, classifyBlobErr(ctx, "open", name, "", err)
	}
	s.buckets[name] = b
	return b, nil
}

// List returns one page of objects. The cursor is the base64 form of the
// driver's page token.
func (s *BlobStore) List(ctx context.Context, bucket, prefix, cursor string, limit int) (Page, error) {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return Page{}, err
	}

	token := blob.FirstPageToken
	if cursor != "" {
		token, err = base64.RawURLEncoding.DecodeString(cursor)
		if err != nil {
			return Page{}, &FatalStoreError{Op: "list", Bucket: bucket, Kind: KindInvalid, Err: fmt.Errorf("decode cursor: %w", err)}
		}
	}
	if limit <= 0 {
		limit = 1000
	}

	objs, next, err := b.ListPage(ctx, token, limit, &blob.ListOptions{Prefix: prefix})
	if err != nil {
		return Page{}, classifyBlobErr(ctx, "list", bucket, prefix, err)
	}

	page := Page{Objects: make([]ObjectDescriptor, 0, len(objs))}
	for _, o := range objs {
		if o.IsDir {
			continue
		}
		page.Objects = append(page.Objects, ObjectDescriptor{
			Key:          o.Key,
			Size:         uint64(o.Size),
			LastModified: o.ModTime.UTC(),
			ETag:         hex.EncodeToString(o.MD5),
		})
	}
	if len(next) > 0 {
		page.NextCursor = base64.RawURLEncoding.EncodeToString(next)
	}
	return page, nil
}

// Get opens a reader for the object.
func (s *BlobStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	r, err := b.NewReader(ctx, key, nil)
	if err != nil {
		return nil, classifyBlobErr(ctx, "get", bucket, key, err)
	}
	return r, nil
}

// Put writes the object. A failed copy aborts the write so no partial
// object is left behind.
func (s *BlobStore) Put(ctx context.Context, bucket, key string, r io.Reader, contentType string) error {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := b.NewWriter(wctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return classifyBlobErr(ctx, "put", bucket, key, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		w.Close()
		return classifyBlobErr(ctx, "put", bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return classifyBlobErr(ctx, "put", bucket, key, err)
	}
	return nil
}

// Head reports whether the object exists.
func (s *BlobStore) Head(ctx context.Context, bucket, key string) (bool, error) {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return false, err
	}
	ok, err := b.Exists(ctx, key)
	if err != nil {
		return false, classifyBlobErr(ctx, "head", bucket, key, err)
	}
	return ok, nil
}

// Copy copies an object. Copies inside one bucket are done by the driver;
// copies across buckets are streamed through this process.
func (s *BlobStore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	if srcBucket == dstBucket {
		b, err := s.bucket(ctx, srcBucket)
		if err != nil {
			return err
		}
		if err := b.Copy(ctx, dstKey, srcKey, nil); err != nil {
			return classifyBlobErr(ctx, "copy", srcBucket, srcKey, err)
		}
		return nil
	}

	src, err := s.bucket(ctx, srcBucket)
	if err != nil {
		return err
	}
	attrs, err := src.Attributes(ctx, srcKey)
	if err != nil {
		return classifyBlobErr(ctx, "copy", srcBucket, srcKey, err)
	}
	r, err := s.Get(ctx, srcBucket, srcKey)
	if err != nil {
		return err
	}
	defer r.Close()
	return s.Put(ctx, dstBucket, dstKey, r, attrs.ContentType)
}

// Close releases all opened buckets.
func (s *BlobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name, b := range s.buckets {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close bucket %s: %w", name, err)
		}
		delete(s.buckets, name)
	}
	return firstErr
}

// classifyBlobErr maps gocloud error codes onto the store error taxonomy.
func classifyBlobErr(ctx context.Context, op, bucket, key string, err error) error {
	if cerr := contextErr(ctx, op, bucket, key); cerr != nil {
		return cerr
	}
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return &FatalStoreError{Op: op, Bucket: bucket, Key: key, Kind: KindNotFound, Err: err}
	case gcerrors.PermissionDenied:
		return &FatalStoreError{Op: op, Bucket: bucket, Key: key, Kind: KindAccessDenied, Err: err}
	case gcerrors.InvalidArgument, gcerrors.FailedPrecondition, gcerrors.Unimplemented:
		return &FatalStoreError{Op: op, Bucket: bucket, Key: key, Kind: KindInvalid, Err: err}
	default:
		return &TransientStoreError{Op: op, Bucket: bucket, Key: key, Err: err}
	}
}

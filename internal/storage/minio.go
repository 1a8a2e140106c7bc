package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOStore implements ObjectStore using the MinIO client. It talks to any
// S3-compatible endpoint.
type MinIOStore struct {
	client *minio.Client
}

// NewMinIOStore creates a new MinIO-backed store. No request is made until
// the first operation.
func NewMinIOStore(cfg StoreConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinIOStore{client: client}, nil
}

// List returns one page of objects. The cursor is the last key of the
// previous page, passed to the server as StartAfter.
func (m *MinIOStore) List(ctx context.Context, bucket, prefix, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		limit = 1000
	}

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objCh := m.client.ListObjects(lctx, bucket, minio.ListObjectsOptions{
		Prefix:     prefix,
		Recursive:  true,
		StartAfter: cursor,
		MaxKeys:    limit,
	})

	var page Page
	for obj := range objCh {
		if obj.Err != nil {
			return Page{}, classifyMinIOErr(ctx, "list", bucket, prefix, obj.Err)
		}
		var size uint64
		if obj.Size > 0 {
			size = uint64(obj.Size)
		}
		page.Objects = append(page.Objects, ObjectDescriptor{
			Key:          obj.Key,
			Size:         size,
			LastModified: obj.LastModified.UTC(),
			ETag:         trimETag(obj.ETag),
		})
		if len(page.Objects) == limit {
			page.NextCursor = obj.Key
			break
		}
	}
	return page, nil
}

// Get opens the object. The object is stat'ed first so a missing key is
// reported here rather than on the first read.
func (m *MinIOStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinIOErr(ctx, "get", bucket, key, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, classifyMinIOErr(ctx, "get", bucket, key, err)
	}
	return obj, nil
}

// Put stores an object with an unknown length.
func (m *MinIOStore) Put(ctx context.Context, bucket, key string, r io.Reader, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := m.client.PutObject(ctx, bucket, key, r, -1, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return classifyMinIOErr(ctx, "put", bucket, key, err)
	}
	return nil
}

// Head reports whether the object exists.
func (m *MinIOStore) Head(ctx context.Context, bucket, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	cerr := classifyMinIOErr(ctx, "head", bucket, key, err)
	if IsNotFound(cerr) {
		return false, nil
	}
	return false, cerr
}

// Copy performs a server-side copy.
func (m *MinIOStore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := m.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: dstBucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: srcBucket, Object: srcKey},
	)
	if err != nil {
		return classifyMinIOErr(ctx, "copy", srcBucket, srcKey, err)
	}
	return nil
}

// Close is a no-op for the MinIO client.
func (m *MinIOStore) Close() error {
	return nil
}

func classifyMinIOErr(ctx context.Context, op, bucket, key string, err error) error {
	if cerr := contextErr(ctx, op, bucket, key); cerr != nil {
		return cerr
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return &FatalStoreError{Op: op, Bucket: bucket, Key: key, Kind: KindNotFound, Err: err}
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return &FatalStoreError{Op: op, Bucket: bucket, Key: key, Kind: KindAccessDenied, Err: err}
	case "InvalidBucketName", "InvalidArgument", "XMinioInvalidObjectName":
		return &FatalStoreError{Op: op, Bucket: bucket, Key: key, Kind: KindInvalid, Err: err}
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return &FatalStoreError{Op: op, Bucket: bucket, Key: key, Kind: KindNotFound, Err: err}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &FatalStoreError{Op: op, Bucket: bucket, Key: key, Kind: KindAccessDenied, Err: err}
	}
	return &TransientStoreError{Op: op, Bucket: bucket, Key: key, Err: err}
}

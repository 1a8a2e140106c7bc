package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// ObjectDescriptor describes one object returned by a listing.
// Descriptors are immutable once produced.
type ObjectDescriptor struct {
	Key          string    `json:"key"`
	Size         uint64    `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ETag         string    `json:"etag,omitempty"`
}

// Page is one page of a listing. An empty NextCursor marks the last page.
type Page struct {
	Objects    []ObjectDescriptor
	NextCursor string
}

// ObjectStore abstracts a keyed object store.
//
// Implementations classify native errors into TransientStoreError and
// FatalStoreError so callers can decide whether to retry.
type ObjectStore interface {
	// List returns one page of objects under prefix, starting after cursor.
	// An empty cursor starts from the beginning.
	List(ctx context.Context, bucket, prefix, cursor string, limit int) (Page, error)

	// Get opens the object for reading. The caller closes the reader.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// Put writes the object, replacing any existing content.
	Put(ctx context.Context, bucket, key string, r io.Reader, contentType string) error

	// Head reports whether the object exists. A missing object is not an error.
	Head(ctx context.Context, bucket, key string) (bool, error)

	// Copy copies an object inside the store, possibly across buckets.
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error

	// Close releases any resources.
	Close() error
}

// Location is a bucket plus key prefix, written on the command line as
// "bucket/prefix".
type Location struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// ParseLocation splits "bucket/some/prefix" into its parts. A non-empty
// prefix always ends in "/", so "bucket/videos" never matches "videos-old/".
func ParseLocation(s string) (Location, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "/")
	if s == "" {
		return Location{}, fmt.Errorf("empty location")
	}
	bucket, prefix, _ := strings.Cut(s, "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("location %q has no bucket", s)
	}
	return Location{Bucket: bucket, Prefix: prefix}.Dir(), nil
}

// Dir returns l with a non-empty prefix ending in "/".
func (l Location) Dir() Location {
	if l.Prefix != "" && !strings.HasSuffix(l.Prefix, "/") {
		l.Prefix += "/"
	}
	return l
}

// String renders the location as "bucket/prefix".
func (l Location) String() string {
	if l.Prefix == "" {
		return l.Bucket
	}
	return l.Bucket + "/" + l.Prefix
}

// StoreConfig configures an object store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // "blob" | "s3" | "minio"

	// blob backend (gocloud.dev)
	URLScheme string `yaml:"url_scheme"` // "s3" | "gs" | "file" | "mem"
	LocalRoot string `yaml:"local_root"` // root directory for the file scheme

	// s3 / minio / blob+s3
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	PathStyle bool   `yaml:"path_style"`
}

// NewObjectStore creates a store backend based on configuration.
func NewObjectStore(ctx context.Context, cfg StoreConfig) (ObjectStore, error) {
	switch cfg.Backend {
	case "", "blob":
		return NewBlobStore(cfg)
	case "s3":
		return NewS3Store(ctx, cfg)
	case "minio":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("endpoint required for minio backend")
		}
		return NewMinIOStore(cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// SameBackend reports whether two configurations address the same store, so
// that copies between them can be done server side.
func SameBackend(a, b StoreConfig) bool {
	return a.Backend == b.Backend &&
		a.URLScheme == b.URLScheme &&
		a.LocalRoot == b.LocalRoot &&
		a.Endpoint == b.Endpoint &&
		a.Region == b.Region &&
		a.AccessKey == b.AccessKey
}

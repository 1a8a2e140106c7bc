package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// s3API is the subset of the S3 client used by S3Store.
type s3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

// S3Store implements ObjectStore with the AWS SDK v2. Listing uses native
// continuation tokens and copies are done server side.
type S3Store struct {
	client s3API
}

// NewS3Store creates a store using the default AWS credential chain, or
// static credentials when an access key is configured.
func NewS3Store(ctx context.Context, cfg StoreConfig) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client}, nil
}

// List returns one page using ListObjectsV2 continuation tokens.
func (s *S3Store) List(ctx context.Context, bucket, prefix, cursor string, limit int) (Page, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if limit > 0 {
		in.MaxKeys = aws.Int32(int32(limit))
	}
	if cursor != "" {
		in.ContinuationToken = aws.String(cursor)
	}

	out, err := s.client.ListObjectsV2(ctx, in)
	if err != nil {
		return Page{}, classifyAWSErr(ctx, "list", bucket, prefix, err)
	}

	page := Page{Objects: make([]ObjectDescriptor, 0, len(out.Contents))}
	for _, obj := range out.Contents {
		d := ObjectDescriptor{
			Key:  aws.ToString(obj.Key),
			ETag: trimETag(aws.ToString(obj.ETag)),
		}
		if obj.Size != nil && *obj.Size > 0 {
			d.Size = uint64(*obj.Size)
		}
		if obj.LastModified != nil {
			d.LastModified = obj.LastModified.UTC()
		}
		page.Objects = append(page.Objects, d)
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextCursor = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

// Get opens the object body.
func (s *S3Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyAWSErr(ctx, "get", bucket, key, err)
	}
	return out.Body, nil
}

// Put uploads the object in a single request.
func (s *S3Store) Put(ctx context.Context, bucket, key string, r io.Reader, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return classifyAWSErr(ctx, "put", bucket, key, err)
	}
	return nil
}

// Head reports whether the object exists.
func (s *S3Store) Head(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	cerr := classifyAWSErr(ctx, "head", bucket, key, err)
	if IsNotFound(cerr) {
		return false, nil
	}
	return false, cerr
}

// Copy performs a server-side CopyObject.
func (s *S3Store) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(srcBucket + "/" + url.PathEscape(srcKey)),
	})
	if err != nil {
		return classifyAWSErr(ctx, "copy", srcBucket, srcKey, err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *S3Store) Close() error {
	return nil
}

func trimETag(etag string) string {
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		return etag[1 : len(etag)-1]
	}
	return etag
}

// classifyAWSErr maps S3 API error codes and HTTP statuses onto the store
// error taxonomy.
func classifyAWSErr(ctx context.Context, op, bucket, key string, err error) error {
	if cerr := contextErr(ctx, op, bucket, key); cerr != nil {
		return cerr
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "ServiceUnavailable", "InternalError", "Throttling", "ThrottlingException":
			return &TransientStoreError{Op: op, Bucket: bucket, Key: key, Err: err}
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return &FatalStoreError{Op: op, Bucket: bucket, Key: key, Kind: KindNotFound, Err: err}
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return &FatalStoreError{Op: op, Bucket: bucket, Key: key, Kind: KindAccessDenied, Err: err}
		case "InvalidBucketName", "InvalidArgument", "InvalidObjectState":
			return &FatalStoreError{Op: op, Bucket: bucket, Key: key, Kind: KindInvalid, Err: err}
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case 404:
			return &FatalStoreError{Op: op, Bucket: bucket, Key: key, Kind: KindNotFound, Err: err}
		case 401, 403:
			return &FatalStoreError{Op: op, Bucket: bucket, Key: key, Kind: KindAccessDenied, Err: err}
		case 400:
			return &FatalStoreError{Op: op, Bucket: bucket, Key: key, Kind: KindInvalid, Err: err}
		}
	}

	return &TransientStoreError{Op: op, Bucket: bucket, Key: key, Err: err}
}

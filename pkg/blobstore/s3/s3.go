// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/leseb/brainingest/pkg/blobstore"
	"github.com/leseb/brainingest/pkg/provider"
)

func init() {
	blobstore.Providers.Register("s3", func(ctx context.Context, params provider.Params) (blobstore.Store, error) {
		return New(ctx, Options{
			Bucket:    params.String("bucket", ""),
			Region:    params.String("region", ""),
			Prefix:    params.String("prefix", ""),
			Endpoint:  params.String("endpoint", ""),
			AccessKey: params.String("access_key", ""),
			SecretKey: params.String("secret_key", ""),
			Timeout:   params.Duration("timeout", 0),
		})
	})
}

// compile-time check
var _ blobstore.Store = (*Store)(nil)

// Options configures the S3 backend.
type Options struct {
	Bucket    string // required
	Region    string // e.g. "us-east-1"
	Prefix    string // key prefix, e.g. "uploads/"
	Endpoint  string // custom endpoint for MinIO compatibility
	AccessKey string // optional static credentials
	SecretKey string
	Timeout   time.Duration // per-call timeout for Get/Delete/List
	PartSize  int64         // multipart part size, default manager.DefaultUploadPartSize
}

const (
	metaFilename = "filename"
	metaFileID   = "file-id"
	metaOwnerID  = "owner-id"
)

// Store implements blobstore.Store backed by S3 (or MinIO). Uploads stream
// through manager.Uploader so the body is never buffered whole.
type Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	timeout  time.Duration
}

// New creates an S3-backed Store.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 blobstore: bucket is required")
	}

	optFns := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true // required for MinIO
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if opts.PartSize > 0 {
			u.PartSize = opts.PartSize
		}
		u.LeavePartsOnError = false
	})

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Store{
		client:   client,
		uploader: uploader,
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
		timeout:  timeout,
	}, nil
}

func (s *Store) fullKey(key string) string {
	return s.prefix + key
}

// Put streams r to the bucket. The uploader aborts any multipart upload on
// failure so no partial object becomes visible.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, meta blobstore.Metadata) (int64, error) {
	if err := blobstore.ValidateKey(key); err != nil {
		return 0, fmt.Errorf("put %q: %w", key, err)
	}

	cr := &countingReader{r: blobstore.ContextReader(ctx, r)}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
		Body:   cr,
		Metadata: map[string]string{
			metaFilename: url.PathEscape(meta.Filename),
			metaFileID:   meta.FileID,
			metaOwnerID:  meta.OwnerID,
		},
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return cr.n, fmt.Errorf("s3 upload failed: %w", err)
	}
	return cr.n, nil
}

// Get returns the object body. The caller must close it.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, *blobstore.Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, fmt.Errorf("object %s: %w", key, blobstore.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("s3 get failed: %w", err)
	}

	obj := &blobstore.Object{
		Key:      key,
		Size:     aws.ToInt64(out.ContentLength),
		ModTime:  aws.ToTime(out.LastModified),
		Metadata: decodeMetadata(out.Metadata, aws.ToString(out.ContentType)),
	}
	return out.Body, obj, nil
}

// Delete removes the object. S3 reports success for missing keys.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3 delete failed: %w", err)
	}
	return nil
}

// List returns objects under prefix. Listing does not fetch per-object
// metadata.
func (s *Store) List(ctx context.Context, prefix string) ([]blobstore.Object, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.fullKey(prefix)),
	})

	var out []blobstore.Object
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, o := range page.Contents {
			out = append(out, blobstore.Object{
				Key:     strings.TrimPrefix(aws.ToString(o.Key), s.prefix),
				Size:    aws.ToInt64(o.Size),
				ModTime: aws.ToTime(o.LastModified),
			})
		}
	}
	return out, nil
}

// Close is a no-op for the S3 store.
func (s *Store) Close() error {
	return nil
}

func decodeMetadata(m map[string]string, contentType string) blobstore.Metadata {
	get := func(k string) string {
		for mk, v := range m {
			if strings.EqualFold(mk, k) {
				return v
			}
		}
		return ""
	}
	filename := get(metaFilename)
	if unescaped, err := url.PathUnescape(filename); err == nil {
		filename = unescaped
	}
	return blobstore.Metadata{
		Filename:    filename,
		ContentType: contentType,
		FileID:      get(metaFileID),
		OwnerID:     get(metaOwnerID),
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// isNotFound checks whether the error indicates a missing S3 object.
func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	// Some S3-compatible services return a generic "NotFound" status.
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound")
}

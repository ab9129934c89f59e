// Package s3 provides a blob store backed by an S3-compatible service
// (AWS S3 or MinIO).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	blobcore "canopy/internal/blob/core"
)

// Store keeps every snapshot in a single bucket. Keys map directly to
// object keys.
type Store struct {
	client  *s3.Client
	bucket  string
	presign *s3.PresignClient
}

var _ blobcore.Store = (*Store)(nil)

// Config holds explicit construction parameters, mostly for tests. In
// production the environment variables below are the usual entry point.
type Config struct {
	Region    string
	Bucket    string
	Endpoint  string // optional, enables MinIO style endpoints
	PathStyle bool
}

// Environment variables:
//
//	CANOPY_BLOB_S3_BUCKET=<bucket> (required)
//	CANOPY_BLOB_S3_REGION=<region> (default us-east-1)
//	CANOPY_BLOB_S3_ENDPOINT=<url> (optional, for MinIO)
//	CANOPY_BLOB_S3_PATH_STYLE=true|false (default false)
//	AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN (optional)

// New creates an S3 blob store from Config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 blob store: bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("s3 blob store: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Store{client: client, bucket: cfg.Bucket, presign: s3.NewPresignClient(client)}, nil
}

// OpenFromEnv constructs an S3 store from process environment.
func OpenFromEnv(ctx context.Context) (*Store, error) {
	bucket := os.Getenv("CANOPY_BLOB_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("s3 blob store: CANOPY_BLOB_S3_BUCKET required")
	}
	return New(ctx, Config{
		Bucket:    bucket,
		Region:    os.Getenv("CANOPY_BLOB_S3_REGION"),
		Endpoint:  os.Getenv("CANOPY_BLOB_S3_ENDPOINT"),
		PathStyle: strings.EqualFold(os.Getenv("CANOPY_BLOB_S3_PATH_STYLE"), "true"),
	})
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader, contentType string) (blobcore.Info, error) {
	input := &s3.PutObjectInput{Bucket: &s.bucket, Key: &key, Body: r}
	if contentType != "" {
		input.ContentType = &contentType
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return blobcore.Info{}, fmt.Errorf("s3 blob store: put %s: %w", key, err)
	}
	return s.head(ctx, key)
}

func (s *Store) Get(ctx context.Context, key string) (blobcore.Info, io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		if isNoSuchKey(err) {
			return blobcore.Info{}, nil, blobcore.ErrNotFound
		}
		return blobcore.Info{}, nil, fmt.Errorf("s3 blob store: get %s: %w", key, err)
	}
	info := infoFrom(key, out.ContentLength, out.ContentType, out.ETag, out.LastModified)
	return info, out.Body, nil
}

func (s *Store) head(ctx context.Context, key string) (blobcore.Info, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		if isNoSuchKey(err) {
			return blobcore.Info{}, blobcore.ErrNotFound
		}
		return blobcore.Info{}, fmt.Errorf("s3 blob store: head %s: %w", key, err)
	}
	return infoFrom(key, out.ContentLength, out.ContentType, out.ETag, out.LastModified), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key}); err != nil {
		return fmt.Errorf("s3 blob store: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]blobcore.Info, error) {
	var infos []blobcore.Info
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 blob store: list %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			var size int64
			if obj.Size != nil {
				size = *obj.Size
			}
			infos = append(infos, blobcore.Info{
				Key:          aws.ToString(obj.Key),
				Size:         size,
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
		if out.IsTruncated != nil && *out.IsTruncated && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *Store) PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	out, err := s.presign.PresignGetObject(ctx,
		&s3.GetObjectInput{Bucket: &s.bucket, Key: &key},
		func(po *s3.PresignOptions) { po.Expires = expiry },
	)
	if err != nil {
		return "", fmt.Errorf("s3 blob store: presign %s: %w", key, err)
	}
	return out.URL, nil
}

func (s *Store) Driver() blobcore.Driver { return blobcore.DriverS3 }

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}

func infoFrom(key string, size *int64, contentType, etag *string, lastModified *time.Time) blobcore.Info {
	info := blobcore.Info{Key: key, LastModified: time.Now().UTC()}
	if size != nil {
		info.Size = *size
	}
	if contentType != nil {
		info.ContentType = *contentType
	}
	if etag != nil {
		info.ETag = strings.Trim(*etag, "\"")
	}
	if lastModified != nil {
		info.LastModified = *lastModified
	}
	return info
}

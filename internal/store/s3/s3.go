// Package s3 implements store.BlobStore against an S3-compatible bucket
// (AWS S3, MinIO, or any endpoint speaking the S3 API).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/yaleman/memesync/internal/logging"
	"github.com/yaleman/memesync/internal/metrics"
	"github.com/yaleman/memesync/internal/store"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string // optional custom endpoint (MinIO etc.)
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	OpTimeout time.Duration // per-attempt timeout; 0 disables
}

// Store implements store.BlobStore using the AWS SDK.
type Store struct {
	client    *s3.Client
	bucket    string
	opTimeout time.Duration
}

// New creates an S3 store from config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	st := &Store{
		client:    client,
		bucket:    cfg.Bucket,
		opTimeout: cfg.OpTimeout,
	}

	// Verify bucket exists
	if err := st.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.Error(err))
	}

	return st, nil
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout > 0 {
		return context.WithTimeout(ctx, s.opTimeout)
	}
	return ctx, func() {}
}

func (s *Store) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		_, createErr := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(s.bucket),
		})
		if createErr != nil {
			metrics.RecordS3Operation("create_bucket", time.Since(start), false)
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", s.bucket, createErr)
		}
		metrics.RecordS3Operation("create_bucket", time.Since(start), true)
		logging.Info("created S3 bucket", zap.String("bucket", s.bucket))
	}
	return nil
}

// transportErr maps an SDK failure to the typed taxonomy.
func transportErr(op, key string, err error) error {
	timeout := errors.Is(err, context.DeadlineExceeded)
	return &store.TransportError{Op: op, Key: key, Timeout: timeout, Err: err}
}

// Get downloads the full object for a key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	start := time.Now()
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordS3Operation("get_object", time.Since(start), false)
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, store.ErrNotFound
		}
		return nil, transportErr("get", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		metrics.RecordS3Operation("get_object", time.Since(start), false)
		return nil, transportErr("get", key, err)
	}

	metrics.RecordS3Operation("get_object", time.Since(start), true)
	logging.Debug("S3 get object", zap.String("key", key), zap.Int("size", len(data)))
	return data, nil
}

// Put uploads bytes to a key.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	start := time.Now()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		metrics.RecordS3Operation("put_object", time.Since(start), false)
		return transportErr("put", key, err)
	}

	metrics.RecordS3Operation("put_object", time.Since(start), true)
	logging.Debug("S3 put object", zap.String("key", key), zap.Int("size", len(data)))
	return nil
}

// Delete removes an object. Deleting a missing key succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	start := time.Now()
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordS3Operation("delete_object", time.Since(start), false)
		return transportErr("delete", key, err)
	}

	metrics.RecordS3Operation("delete_object", time.Since(start), true)
	logging.Debug("S3 delete object", zap.String("key", key))
	return nil
}

// List pages through the bucket and returns info for every object. Keys
// are content hashes, so no bytes are downloaded to reconcile.
func (s *Store) List(ctx context.Context) ([]store.ObjectInfo, error) {
	start := time.Now()
	var infos []store.ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	})

	for paginator.HasMorePages() {
		pageCtx, cancel := s.opContext(ctx)
		page, err := paginator.NextPage(pageCtx)
		cancel()
		if err != nil {
			metrics.RecordS3Operation("list_objects", time.Since(start), false)
			return nil, transportErr("list", "", err)
		}

		for _, obj := range page.Contents {
			info := store.ObjectInfo{
				Key:  aws.ToString(obj.Key),
				Hash: aws.ToString(obj.Key),
			}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.Modified = *obj.LastModified
			}
			infos = append(infos, info)
		}
	}

	metrics.RecordS3Operation("list_objects", time.Since(start), true)
	logging.Debug("S3 list objects", zap.Int("count", len(infos)))
	return infos, nil
}

// Exists checks whether an object is present without downloading it.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	start := time.Now()
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordS3Operation("head_object", time.Since(start), false)
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, transportErr("head", key, err)
	}

	metrics.RecordS3Operation("head_object", time.Since(start), true)
	return true, nil
}

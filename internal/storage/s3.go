package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/joseph-ayodele/docparse/constants"
	"github.com/joseph-ayodele/docparse/internal/common"
)

type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3 stores objects in an S3-compatible bucket.
type S3 struct {
	client *minio.Client
	bucket string
	region string
	log    *slog.Logger
}

func NewS3(cfg S3Config, logger *slog.Logger) (*S3, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	return &S3{client: client, bucket: cfg.Bucket, region: cfg.Region, log: logger}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *S3) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return common.NewStorageError("check bucket", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return common.NewStorageError("create bucket", err)
	}
	s.log.Info("storage.bucket.created", "bucket", s.bucket)
	return nil
}

func (s *S3) Put(ctx context.Context, key string, data []byte, mimeType string) error {
	if mimeType == "" {
		mimeType = constants.DefaultMimeType
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: mimeType})
	if err != nil {
		s.log.Error("storage.put.failed", "key", key, "error", err)
		return common.NewStorageError("s3 put object", err)
	}
	s.log.Debug("storage.put.ok", "key", key, "bytes", len(data))
	return nil
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapErr("s3 get object", err)
	}
	defer func(obj *minio.Object) {
		if err := obj.Close(); err != nil {
			s.log.Warn("storage.get.close_failed", "key", key, "error", err)
		}
	}(obj)

	// GetObject is lazy; missing keys surface on first read
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.mapErr("s3 read object", err)
	}
	return data, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return s.mapErr("s3 remove object", err)
	}
	return nil
}

// Health reports whether the bucket is reachable.
func (s *S3) Health(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

func (s *S3) mapErr(msg string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return common.NewStorageError(msg, fmt.Errorf("%w: %v", ErrNotFound, err))
	}
	return common.NewStorageError(msg, err)
}

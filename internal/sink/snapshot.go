package sink

import (
	"bytes"
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/arguscam/argus/internal/config"
	"github.com/arguscam/argus/internal/detect"
)

const snapshotUploadAttempts = 3

// SnapshotSink archives the frames of high-risk results in object storage.
// Lower-risk results pass through untouched; their frames only live in the
// Redis-free transports.
type SnapshotSink struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewSnapshotSink connects to the object store and ensures the bucket
// exists.
func NewSnapshotSink(ctx context.Context, cfg config.StorageConfig) (*SnapshotSink, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket check %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &SnapshotSink{
		client: client,
		bucket: cfg.Bucket,
		logger: zap.L().Named("sink.snapshot"),
	}, nil
}

func (s *SnapshotSink) Name() string { return "snapshot" }

// Publish uploads the frame of a high-risk result. Transient upload failures
// are retried with exponential backoff before the error is surfaced.
func (s *SnapshotSink) Publish(ctx context.Context, r *detect.Result) error {
	if r.RiskLevel != detect.RiskHigh || len(r.FrameJPEG) == 0 {
		return nil
	}

	key := fmt.Sprintf("%s/%s/%s.jpg",
		r.SourceID, r.Timestamp.UTC().Format("2006-01-02"), r.ID)

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), snapshotUploadAttempts-1),
		ctx)

	err := backoff.Retry(func() error {
		_, err := s.client.PutObject(ctx, s.bucket, key,
			bytes.NewReader(r.FrameJPEG), int64(len(r.FrameJPEG)),
			minio.PutObjectOptions{ContentType: "image/jpeg"})
		return err
	}, policy)
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	s.logger.Info("snapshot archived",
		zap.String("source", r.SourceID),
		zap.String("object", key),
		zap.String("risk", r.RiskLevel))
	return nil
}

func (s *SnapshotSink) Close() error { return nil }

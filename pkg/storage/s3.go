package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"callbridge-server/pkg/errors"
	"callbridge-server/pkg/metrics"
)

// Config configures the S3-compatible recording store.
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	FallbackBuckets []string
	AccessKeyID     string
	SecretAccessKey string
	PresignTTL      time.Duration
	UsePathStyle    bool
}

// BlobStore stores call recordings in an S3-compatible bucket and hands
// out short-lived presigned URLs for playback.
type BlobStore struct {
	client     *s3.Client
	presigner  *s3.PresignClient
	bucket     string
	fallbacks  []string
	presignTTL time.Duration
	logger     *logrus.Logger
}

// NewBlobStore creates a recording store.
func NewBlobStore(ctx context.Context, cfg Config, logger *logrus.Logger) (*BlobStore, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("storage bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	logger.WithFields(logrus.Fields{
		"bucket":           bucket,
		"fallback_buckets": len(cfg.FallbackBuckets),
		"region":           region,
	}).Info("Recording store initialized")

	return &BlobStore{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		bucket:     bucket,
		fallbacks:  cfg.FallbackBuckets,
		presignTTL: ttl,
		logger:     logger,
	}, nil
}

// Bucket returns the primary bucket name.
func (b *BlobStore) Bucket() string {
	return b.bucket
}

// CandidateBuckets returns the primary bucket followed by the fallbacks.
func (b *BlobStore) CandidateBuckets() []string {
	out := make([]string, 0, len(b.fallbacks)+1)
	out = append(out, b.bucket)
	out = append(out, b.fallbacks...)
	return out
}

// RecordingKey builds the date-prefixed object key for a call recording.
func RecordingKey(callSID string, receivedAt time.Time) string {
	return fmt.Sprintf("recordings/%s/%s_%d.mp3",
		receivedAt.Format("2006-01-02"), callSID, receivedAt.Unix())
}

// DatePrefix builds the key prefix for one recording day.
func DatePrefix(day time.Time) string {
	return "recordings/" + day.Format("2006-01-02") + "/"
}

// Upload writes recording data to the primary bucket under key and
// returns the object URI.
func (b *BlobStore) Upload(ctx context.Context, key string, data io.Reader, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
		Body:   data,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := b.client.PutObject(ctx, input); err != nil {
		if metrics.RecordingUploadsTotal != nil {
			metrics.RecordingUploadsTotal.WithLabelValues("error").Inc()
		}
		return "", errors.Wrap(err, "failed to upload recording").
			WithField("bucket", b.bucket).
			WithField("key", key)
	}

	if metrics.RecordingUploadsTotal != nil {
		metrics.RecordingUploadsTotal.WithLabelValues("ok").Inc()
	}
	b.logger.WithFields(logrus.Fields{
		"bucket": b.bucket,
		"key":    key,
	}).Info("Recording uploaded")

	return fmt.Sprintf("s3://%s/%s", b.bucket, key), nil
}

// PresignGet returns a short-lived GET URL for an object.
func (b *BlobStore) PresignGet(ctx context.Context, bucket, key string) (string, error) {
	if bucket == "" {
		bucket = b.bucket
	}

	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, s3.WithPresignExpires(b.presignTTL))
	if err != nil {
		return "", errors.Wrap(err, "failed to presign recording URL").
			WithField("bucket", bucket).
			WithField("key", key)
	}

	return req.URL, nil
}

// FindKeyContaining scans one bucket under prefix for the first object
// whose key contains substr.
func (b *BlobStore) FindKeyContaining(ctx context.Context, bucket, prefix, substr string) (string, error) {
	if bucket == "" {
		bucket = b.bucket
	}

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: &bucket,
		Prefix: &prefix,
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", errors.Wrap(err, "failed to list recordings").
				WithField("bucket", bucket).
				WithField("prefix", prefix)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil && strings.Contains(*obj.Key, substr) {
				return *obj.Key, nil
			}
		}
	}

	return "", errors.Wrap(errors.ErrRecordingNotFound, "no object matches").
		WithField("bucket", bucket).
		WithField("prefix", prefix).
		WithField("substr", substr)
}

// DeleteOlderThan removes objects under prefix whose LastModified is
// before cutoff. It returns the number of deleted objects.
func (b *BlobStore) DeleteOlderThan(ctx context.Context, prefix string, cutoff time.Time) (int, error) {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: &b.bucket,
		Prefix: &prefix,
	})

	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, errors.Wrap(err, "failed to list recordings for retention").
				WithField("bucket", b.bucket).
				WithField("prefix", prefix)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || obj.LastModified == nil || !obj.LastModified.Before(cutoff) {
				continue
			}
			if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: &b.bucket,
				Key:    obj.Key,
			}); err != nil {
				b.logger.WithError(err).WithField("key", *obj.Key).Warn("Failed to delete expired recording")
				continue
			}
			deleted++
		}
	}

	if deleted > 0 {
		b.logger.WithFields(logrus.Fields{
			"bucket":  b.bucket,
			"deleted": deleted,
			"cutoff":  cutoff.Format(time.RFC3339),
		}).Info("Retention sweep removed expired recordings")
	}

	return deleted, nil
}

// Package storage archives dead letters in S3-compatible object storage.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/erp/ledger/internal/infrastructure/broker"
	"github.com/erp/ledger/internal/infrastructure/config"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client the archive uses
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3Archive writes each dead letter as one JSON object
type S3Archive struct {
	client S3API
	bucket string
	logger *zap.Logger
}

// NewS3Archive builds a client for any S3-compatible endpoint. An empty
// endpoint uses the AWS default resolver.
func NewS3Archive(ctx context.Context, cfg config.StorageConfig, bucket string, logger *zap.Logger) (*S3Archive, error) {
	if bucket == "" {
		return nil, errors.New("archive bucket is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var endpoint string
	if cfg.Endpoint != "" {
		endpoint = cfg.Endpoint
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			endpoint = "https://" + endpoint
		}
		if _, err := url.Parse(endpoint); err != nil {
			return nil, fmt.Errorf("invalid storage endpoint: %w", err)
		}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewS3ArchiveWithClient(client, bucket, logger), nil
}

// NewS3ArchiveWithClient wraps an existing client
func NewS3ArchiveWithClient(client S3API, bucket string, logger *zap.Logger) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, logger: logger}
}

// Bucket returns the archive bucket
func (a *S3Archive) Bucket() string {
	return a.bucket
}

// EnsureBucket creates the bucket when it does not exist yet
func (a *S3Archive) EnsureBucket(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	if err == nil {
		return nil
	}

	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if !errors.As(err, &notFound) && !errors.As(err, &noSuchBucket) {
		return fmt.Errorf("failed to check bucket %s: %w", a.bucket, err)
	}

	a.logger.Info("creating archive bucket", zap.String("bucket", a.bucket))
	_, err = a.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(a.bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// ObjectKey names the object a dead letter is archived under:
// dead-letters/<group>/<yyyy>/<mm>/<dd>/<message id>.json
func ObjectKey(dl broker.DeadLetter) string {
	return fmt.Sprintf("dead-letters/%s/%s/%s.json",
		dl.ConsumerGroup, dl.FailedAt.UTC().Format("2006/01/02"), url.PathEscape(dl.MessageID))
}

// Archive stores dl and returns its object key. Archiving the same dead
// letter twice overwrites the object.
func (a *S3Archive) Archive(ctx context.Context, dl broker.DeadLetter) (string, error) {
	body, err := json.Marshal(dl)
	if err != nil {
		return "", fmt.Errorf("failed to encode dead letter: %w", err)
	}

	key := ObjectKey(dl)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"consumer-group": dl.ConsumerGroup,
			"routing-key":    dl.RoutingKey,
			"partition-key":  dl.PartitionKey,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive %s: %w", key, err)
	}
	return key, nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/fx"

	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

var Module = fx.Module("storage",
	fx.Provide(NewService),
)

// ErrDisabled is returned by operations when no storage is configured.
var ErrDisabled = errors.New("storage is not configured")

// Service provides S3-compatible object storage (AWS S3, MinIO, R2).
type Service struct {
	client *s3.Client
	bucket string
	log    *slog.Logger
}

// UploadResult describes a stored object
type UploadResult struct {
	Key    string
	Bucket string
	ETag   string
	Size   int64
}

// NewService builds the S3 client. Without configuration the service is
// returned disabled rather than failing startup.
func NewService(cfg *config.Config, log *slog.Logger) (*Service, error) {
	sc := cfg.Storage
	log = log.With(logger.Scope("storage"))

	if !sc.IsConfigured() {
		log.Warn("storage disabled - no S3 endpoint configured")
		return &Service{log: log}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(sc.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			sc.AccessKeyID, sc.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := endpointURL(sc.Endpoint, sc.UseSSL)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		// MinIO and most S3 clones need path-style addressing
		o.UsePathStyle = true
	})

	log.Info("storage initialized",
		slog.String("endpoint", endpoint),
		slog.String("bucket", sc.Bucket))

	return &Service{client: client, bucket: sc.Bucket, log: log}, nil
}

func endpointURL(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// Enabled reports whether uploads can succeed.
func (s *Service) Enabled() bool {
	return s != nil && s.client != nil
}

// Bucket returns the configured bucket.
func (s *Service) Bucket() string {
	return s.bucket
}

// Put uploads body under key.
func (s *Service) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (*UploadResult, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}

	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", key, err)
	}

	return &UploadResult{
		Key:    key,
		Bucket: s.bucket,
		ETag:   strings.Trim(aws.ToString(out.ETag), `"`),
		Size:   size,
	}, nil
}

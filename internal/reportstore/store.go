// Package reportstore archives run reports in an S3-compatible bucket.
package reportstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kuitang/sitecheck/internal/harness"
	"github.com/kuitang/sitecheck/internal/obs"
	"github.com/kuitang/sitecheck/internal/report"
)

// Store writes reports under a key prefix in one bucket.
type Store struct {
	s3Client   *s3.Client
	bucketName string
	publicURL  string
}

// Config holds the configuration for creating a Store.
type Config struct {
	// Endpoint is the S3 endpoint URL. Leave empty for AWS S3.
	Endpoint string
	// Region is the bucket region ("auto" for Tigris and R2).
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	// PublicURL, when set, is the base URL reports are linked from.
	PublicURL string
	// UsePathStyle is required by most S3-compatible services other than AWS.
	UsePathStyle bool
}

// New creates a Store. Credentials fall back to the default AWS chain when
// no static keys are given.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("reportstore: bucket name is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	sdkConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewFromS3Client(s3Client, cfg.BucketName, cfg.PublicURL), nil
}

// NewFromS3Client wraps an existing S3 client.
func NewFromS3Client(s3Client *s3.Client, bucketName, publicURL string) *Store {
	return &Store{
		s3Client:   s3Client,
		bucketName: bucketName,
		publicURL:  strings.TrimSuffix(publicURL, "/"),
	}
}

// Prefix is the directory a batch is archived under:
// runs/<yyyy-mm-dd>/<run-id>/.
func Prefix(b harness.Batch) string {
	return path.Join("runs", b.Started.UTC().Format("2006-01-02"), b.RunID) + "/"
}

// Archive uploads the JSON, Markdown and HTML reports for b and returns
// the keys written.
func (s *Store) Archive(ctx context.Context, b harness.Batch) ([]string, error) {
	js, err := report.JSON(b)
	if err != nil {
		return nil, fmt.Errorf("reportstore: encode report: %w", err)
	}
	prefix := Prefix(b)
	objects := []struct {
		name, contentType string
		body              []byte
	}{
		{"report.json", "application/json", js},
		{"report.md", "text/markdown; charset=utf-8", report.Markdown(b)},
		{"report.html", "text/html; charset=utf-8", report.HTML(b)},
	}

	keys := make([]string, 0, len(objects))
	for _, o := range objects {
		key := prefix + o.name
		if err := s.put(ctx, key, o.body, o.contentType); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	obs.From(ctx).Info("report archived", "bucket", s.bucketName, "prefix", prefix, "objects", len(keys))
	return keys, nil
}

func (s *Store) put(ctx context.Context, key string, content []byte, contentType string) error {
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("reportstore: failed to put object %q: %w", key, err)
	}
	return nil
}

// URL returns the public link for key, or "" when no public URL is set.
func (s *Store) URL(key string) string {
	if s.publicURL == "" {
		return ""
	}
	return s.publicURL + "/" + strings.TrimPrefix(key, "/")
}

// BucketName returns the bucket reports are archived in.
func (s *Store) BucketName() string {
	return s.bucketName
}

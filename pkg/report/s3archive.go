package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// DefaultPresignTTL is how long a report download URL stays valid.
const DefaultPresignTTL = 15 * time.Minute

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// S3Config configures report archiving to S3 or an S3-compatible store.
//
// Credentials follow the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are both set.
type S3Config struct {
	// Bucket is the destination bucket (required).
	Bucket string

	// Region is the AWS region. Defaults to us-east-1 for AWS S3 when
	// the SDK cannot resolve one.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Prefix is prepended to every report object key.
	Prefix string

	// AccessKeyID and SecretAccessKey are explicit static credentials.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the URL path.
	ForcePathStyle bool

	// PresignTTL is the validity of download URLs.
	PresignTTL time.Duration
}

// Validate checks that required configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	if c.PresignTTL < 0 {
		return &ConfigError{Field: "PresignTTL", Message: "must not be negative"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "report s3 config: " + e.Field + ": " + e.Message
}

// Archive errors.
var (
	ErrAccessDenied = errors.New("access denied")
	ErrNoSuchBucket = errors.New("bucket not found")
	ErrThrottled    = errors.New("request throttled")
	ErrUnavailable  = errors.New("storage unavailable")
)

// ArchiveError wraps S3 failures with the operation and object key.
type ArchiveError struct {
	Op  string
	Key string
	Err error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("report archive %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *ArchiveError) Unwrap() error {
	return e.Err
}

// S3Archiver uploads finished reports and issues presigned download URLs.
type S3Archiver struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
	ttl     time.Duration
}

// NewS3Archiver creates an archiver from configuration.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &ArchiveError{Op: "New", Key: cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewS3ArchiverFromClient(client, cfg), nil
}

// NewS3ArchiverFromClient wraps an existing S3 client.
func NewS3ArchiverFromClient(client *s3.Client, cfg S3Config) *S3Archiver {
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	return &S3Archiver{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		ttl:     ttl,
	}
}

// ObjectKey returns the object key used for a report name.
func (a *S3Archiver) ObjectKey(name string) string {
	if a.prefix == "" {
		return name
	}
	return path.Join(a.prefix, name)
}

// Archive uploads body under name and returns a presigned GET URL.
func (a *S3Archiver) Archive(ctx context.Context, name string, body io.ReadSeeker, size int64) (string, error) {
	key := a.ObjectKey(name)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", wrapError("PutObject", key, err)
	}

	return a.DownloadURL(ctx, name)
}

// DownloadURL presigns a GET for an archived report.
func (a *S3Archiver) DownloadURL(ctx context.Context, name string) (string, error) {
	key := a.ObjectKey(name)
	req, err := a.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(a.ttl))
	if err != nil {
		return "", wrapError("PresignGetObject", key, err)
	}
	return req.URL, nil
}

func loadAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(awsCfg.Region, cfg.Endpoint)
	return awsCfg, nil
}

// resolveRegion defaults to us-east-1 only for AWS S3 (no custom endpoint).
func resolveRegion(sdkRegion, endpoint string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

// wrapError maps S3 error codes onto archive sentinels.
func wrapError(op, key string, err error) error {
	wrapped := &ArchiveError{Op: op, Key: key, Err: err}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = errors.Join(ErrAccessDenied, err)
		case "NoSuchBucket":
			wrapped.Err = errors.Join(ErrNoSuchBucket, err)
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = errors.Join(ErrThrottled, err)
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = errors.Join(ErrUnavailable, err)
		}
	}
	return wrapped
}

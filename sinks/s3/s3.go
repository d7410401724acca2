// Package s3 archives audit entries as JSON objects in an S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/codecraft/subsync/pkg/subsync"
)

// PutObjectAPI is the subset of *s3.Client the sink uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config configures the audit archive.
type Config struct {
	Bucket string
	Prefix string // default "audit"
	Region string

	// EndpointURL targets S3-compatible stores (MinIO, B2). Path-style
	// addressing is used when set.
	EndpointURL string

	// Static credentials. When empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// Sink is a subsync.AuditSink writing one object per entry under
// <prefix>/<yyyy>/<mm>/<dd>/<event id>-<entry id>.json.
type Sink struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// New builds an S3 client from config.
func New(ctx context.Context, config Config) (*Sink, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(config.Region))
	}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if config.EndpointURL != "" {
			o.BaseEndpoint = aws.String(config.EndpointURL)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, config)
}

// NewWithClient allows injecting the S3 API.
func NewWithClient(client PutObjectAPI, config Config) (*Sink, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if config.Prefix == "" {
		config.Prefix = "audit"
	}
	return &Sink{client: client, bucket: config.Bucket, prefix: config.Prefix}, nil
}

// Key returns the object key for an entry.
func (s *Sink) Key(entry *subsync.AuditEntry) string {
	at := entry.At.UTC()
	return path.Join(s.prefix, at.Format("2006"), at.Format("01"), at.Format("02"),
		fmt.Sprintf("%s-%s.json", entry.EventID, entry.ID))
}

// Record implements subsync.AuditSink.
func (s *Sink) Record(ctx context.Context, entry *subsync.AuditEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.Key(entry)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"event-type": string(entry.EventType),
			"outcome":    entry.Outcome,
		},
	})
	if err != nil {
		return fmt.Errorf("put audit entry s3://%s/%s: %w", s.bucket, s.Key(entry), err)
	}
	return nil
}

var _ subsync.AuditSink = (*Sink)(nil)

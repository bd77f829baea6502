package store

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3Putter is the narrow *s3.Client surface ArchiveWriter needs, so
// tests can substitute a fake instead of a live bucket.
type s3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// ArchiveWriter pushes a tenant's monthly audit partition to an
// S3-compatible bucket once it rolls out of the hot retention window
// (spec.md §4.6/SPEC_FULL.md §3 "Storage mapping"). cmd/intentd builds
// one when S3 is configured, but its audit-archive-rollover task only
// logs; nothing in the module calls Put.
type ArchiveWriter struct {
	client s3Putter
	bucket string
}

// NewArchiveWriter loads AWS credentials/region from the environment the
// way every aws-sdk-go-v2 service client does (shared config, env vars,
// instance profile) and builds an S3 client against it.
func NewArchiveWriter(ctx context.Context, bucket, region string) (*ArchiveWriter, error) {
	if bucket == "" {
		return nil, fmt.Errorf("store: archive writer requires a bucket")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("store: load aws config: %w", err)
	}
	return &ArchiveWriter{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

func partitionKey(tenantID, yearMonth string) string {
	return fmt.Sprintf("audit/%s/%s.json", tenantID, yearMonth)
}

// Put uploads one tenant's monthly audit partition. payload is expected
// to be a JSON array of audit.Record already serialized by the caller,
// keeping this package free of an import on pkg/audit.
func (a *ArchiveWriter) Put(ctx context.Context, tenantID, yearMonth string, payload []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(partitionKey(tenantID, yearMonth)),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("store: archive partition %s/%s: %w", tenantID, yearMonth, err)
	}
	return nil
}

// Exists reports whether a tenant's monthly partition has already been
// archived, so the rollover task can skip partitions it already pushed.
func (a *ArchiveWriter) Exists(ctx context.Context, tenantID, yearMonth string) (bool, error) {
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(partitionKey(tenantID, yearMonth)),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

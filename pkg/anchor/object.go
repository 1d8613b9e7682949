package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of *s3.Client the object ledger uses.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ObjectLedgerConfig names the bucket anchors are written to.
type ObjectLedgerConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string // Key prefix, default "anchors/"
}

// ObjectLedger writes one immutable object per digest. Pair it with a bucket
// that has object lock or versioning enabled for write-once semantics.
type ObjectLedger struct {
	client S3API
	bucket string
	prefix string
	clock  func() time.Time
}

// NewS3ObjectLedger loads the default AWS configuration and returns a ledger
// over cfg.Bucket.
func NewS3ObjectLedger(ctx context.Context, cfg ObjectLedgerConfig) (*ObjectLedger, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	})
	return NewObjectLedger(client, cfg.Bucket, cfg.Prefix), nil
}

// NewObjectLedger returns a ledger over an existing client.
func NewObjectLedger(client S3API, bucket, prefix string) *ObjectLedger {
	if prefix == "" {
		prefix = "anchors/"
	}
	return &ObjectLedger{client: client, bucket: bucket, prefix: prefix, clock: time.Now}
}

func (o *ObjectLedger) Name() string { return "s3" }

func (o *ObjectLedger) key(digest string) string {
	return o.prefix + digest + ".json"
}

// Anchor returns "s3://<bucket>/<key>". An existing object for the digest
// counts as success.
func (o *ObjectLedger) Anchor(ctx context.Context, eventID, digest string) (string, error) {
	key := o.key(digest)
	ref := "s3://" + o.bucket + "/" + key

	_, err := o.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return ref, nil
	}
	var notFound *s3types.NotFound
	if !errors.As(err, &notFound) {
		return "", fmt.Errorf("s3 head failed: %w", err)
	}

	body, err := objectBody(eventID, digest, o.clock())
	if err != nil {
		return "", err
	}
	_, err = o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed: %w", err)
	}
	return ref, nil
}

func objectBody(eventID, digest string, at time.Time) ([]byte, error) {
	return json.Marshal(anchorMessage{
		Digest:     digest,
		EventID:    eventID,
		AnchoredAt: at.UTC().Format(time.RFC3339Nano),
	})
}

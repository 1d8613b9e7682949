//go:build gcp

package anchor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
)

// GCSLedger writes one immutable object per digest to Google Cloud Storage.
type GCSLedger struct {
	client *storage.Client
	bucket string
	prefix string
	clock  func() time.Time
}

// NewGCSLedger creates a client from application default credentials.
func NewGCSLedger(ctx context.Context, bucket, prefix string) (*GCSLedger, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	if prefix == "" {
		prefix = "anchors/"
	}
	return &GCSLedger{client: client, bucket: bucket, prefix: prefix, clock: time.Now}, nil
}

func (g *GCSLedger) Name() string { return "gcs" }

// Anchor returns "gs://<bucket>/<object>". The write is conditional on the
// object not existing; an existing object counts as success.
func (g *GCSLedger) Anchor(ctx context.Context, eventID, digest string) (string, error) {
	path := g.prefix + digest + ".json"
	ref := "gs://" + g.bucket + "/" + path

	obj := g.client.Bucket(g.bucket).Object(path)
	if _, err := obj.Attrs(ctx); err == nil {
		return ref, nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return "", fmt.Errorf("gcs attrs error: %w", err)
	}

	body, err := objectBody(eventID, digest, g.clock())
	if err != nil {
		return "", err
	}
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		// lost a race with a concurrent writer of the same digest
		if _, attrErr := obj.Attrs(ctx); attrErr == nil {
			return ref, nil
		}
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return ref, nil
}

// Close closes the GCS client.
func (g *GCSLedger) Close() error { return g.client.Close() }

//go:build gcp

package anchor

import "context"

// NewGCSTarget returns the GCS object ledger.
func NewGCSTarget(ctx context.Context, bucket, prefix string) (Target, error) {
	return NewGCSLedger(ctx, bucket, prefix)
}

//go:build !gcp

package anchor

import (
	"context"
	"fmt"
)

// NewGCSTarget reports that GCS support was not compiled in.
func NewGCSTarget(ctx context.Context, bucket, prefix string) (Target, error) {
	return nil, fmt.Errorf("GCS anchoring is not enabled in this build (use -tags gcp)")
}

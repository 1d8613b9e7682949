package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gatelog/gatelog/pkg/util/resiliency"
)

// DefaultLocalEndpoint is where gatelog-chain mines blocks by default.
const DefaultLocalEndpoint = "http://localhost:8080/mine"

// LocalChain anchors digests to the proof-of-concept ledger by mining a
// block whose data is {"hash": digest}.
type LocalChain struct {
	endpoint string
	timeout  time.Duration
	client   *resiliency.EnhancedClient
}

// NewLocalChain returns a target posting to endpoint. Every call is bounded
// by timeout regardless of the caller's deadline.
func NewLocalChain(endpoint string, timeout time.Duration, client *resiliency.EnhancedClient) *LocalChain {
	if endpoint == "" {
		endpoint = DefaultLocalEndpoint
	}
	if client == nil {
		client = resiliency.NewEnhancedClient(resiliency.WithTimeout(timeout))
	}
	return &LocalChain{endpoint: endpoint, timeout: timeout, client: client}
}

func (l *LocalChain) Name() string { return "local" }

type mineRequest struct {
	Data mineData `json:"data"`
}

type mineData struct {
	Hash string `json:"hash"`
}

type mineResponse struct {
	Index int    `json:"index"`
	Hash  string `json:"hash"`
}

// Anchor returns the hash of the mined block.
func (l *LocalChain) Anchor(ctx context.Context, eventID, digest string) (string, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	body, err := json.Marshal(mineRequest{Data: mineData{Hash: digest}})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ledger returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var mined mineResponse
	if err := json.NewDecoder(resp.Body).Decode(&mined); err != nil {
		// The block was mined; only the reference is unknown.
		return "", nil
	}
	return mined.Hash, nil
}

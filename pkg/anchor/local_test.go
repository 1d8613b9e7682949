package anchor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatelog/gatelog/pkg/util/resiliency"
)

func TestLocalChain_PostsDigest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/mine", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, testDigest, body["data"]["hash"])

		_ = json.NewEncoder(w).Encode(map[string]any{"message": "mined", "index": 7, "hash": "00f00d"})
	}))
	defer srv.Close()

	l := NewLocalChain(srv.URL+"/mine", time.Second, nil)
	assert.Equal(t, "local", l.Name())

	ref, err := l.Anchor(context.Background(), "e-1", testDigest)
	require.NoError(t, err)
	assert.Equal(t, "00f00d", ref)
}

func TestLocalChain_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad data", http.StatusBadRequest)
	}))
	defer srv.Close()

	l := NewLocalChain(srv.URL, time.Second, nil)
	_, err := l.Anchor(context.Background(), "e-1", testDigest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "bad data")
}

func TestLocalChain_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := resiliency.NewEnhancedClient(resiliency.WithMaxRetries(0))
	_, err := NewLocalChain(url, time.Second, client).Anchor(context.Background(), "e-1", testDigest)
	assert.Error(t, err)
}

func TestLocalChain_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := resiliency.NewEnhancedClient(resiliency.WithMaxRetries(0))
	start := time.Now()
	_, err := NewLocalChain(srv.URL, 50*time.Millisecond, client).Anchor(context.Background(), "e-1", testDigest)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestLocalChain_DefaultEndpoint(t *testing.T) {
	assert.Equal(t, DefaultLocalEndpoint, NewLocalChain("", time.Second, nil).endpoint)
}

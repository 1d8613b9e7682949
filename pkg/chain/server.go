package chain

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gatelog/gatelog/pkg/api"
)

type mineRequest struct {
	Data json.RawMessage `json:"data"`
}

type mineResponse struct {
	Message string `json:"message"`
	Index   int    `json:"index"`
	Hash    string `json:"hash"`
}

type validateResponse struct {
	Valid        bool `json:"valid"`
	Blocks       int  `json:"blocks"`
	InvalidIndex *int `json:"invalid_index,omitempty"`
}

// NewHandler serves the ledger HTTP API.
func NewHandler(c *Chain, corsOrigins []string) http.Handler {
	logger := slog.Default().With("component", "chain")
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, r, http.StatusOK, map[string]any{
			"status":    "ok",
			"blocks":    c.Len(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("GET /chain", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, r, http.StatusOK, c.Blocks())
	})

	mux.HandleFunc("POST /mine", func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			api.WriteBadRequest(w, r, "", "request body could not be read")
			return
		}
		var req mineRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			api.WriteBadRequest(w, r, "", "request body is not valid JSON")
			return
		}
		b, err := c.Mine(req.Data)
		if errors.Is(err, ErrEmptyData) {
			api.WriteBadRequest(w, r, "data", err.Error())
			return
		}
		if err != nil {
			api.WriteInternal(w, r, err)
			return
		}
		logger.InfoContext(r.Context(), "block mined", "index", b.Index, "hash", b.Hash, "nonce", b.Nonce)
		api.WriteJSON(w, r, http.StatusOK, mineResponse{Message: "block added to the chain", Index: b.Index, Hash: b.Hash})
	})

	mux.HandleFunc("GET /validate", func(w http.ResponseWriter, r *http.Request) {
		bad := c.Validate()
		resp := validateResponse{Valid: bad < 0, Blocks: c.Len()}
		if bad >= 0 {
			resp.InvalidIndex = &bad
		}
		api.WriteJSON(w, r, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /blocks/{hash}", func(w http.ResponseWriter, r *http.Request) {
		b, ok := c.GetByHash(r.PathValue("hash"))
		if !ok {
			api.WriteNotFound(w, r, "block not found")
			return
		}
		api.WriteJSON(w, r, http.StatusOK, b)
	})

	mux.HandleFunc("GET /search", func(w http.ResponseWriter, r *http.Request) {
		hash := r.URL.Query().Get("hash")
		if hash == "" {
			api.WriteBadRequest(w, r, "hash", "hash query parameter is required")
			return
		}
		b, ok := c.Search("hash", hash)
		if !ok {
			api.WriteNotFound(w, r, "no block anchors this hash")
			return
		}
		api.WriteJSON(w, r, http.StatusOK, b)
	})

	return api.Chain(mux, api.Recover, api.RequestID, api.CORS(corsOrigins))
}


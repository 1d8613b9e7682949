// Command gatelog-chain serves the local proof-of-work ledger that gatelog
// anchors to by default.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/gatelog/gatelog/pkg/chain"
	"github.com/gatelog/gatelog/pkg/observability"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "gatelog-chain: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(args []string) error {
	fs := pflag.NewFlagSet("gatelog-chain", pflag.ContinueOnError)
	port := fs.StringP("port", "p", envOr("PORT", "8080"), "listen port")
	dataDir := fs.StringP("data-dir", "d", envOr("CHAIN_DATA_DIR", "./data"), "directory holding blockchain.json")
	difficulty := fs.Int("difficulty", chain.DefaultDifficulty, "leading zero hex digits required of a mined hash")
	origins := fs.StringSlice("cors-origin", []string{"*"}, "allowed CORS origins")
	logLevel := fs.String("log-level", envOr("LOG_LEVEL", "info"), "debug, info, warn or error")
	logFormat := fs.String("log-format", envOr("LOG_FORMAT", "text"), "text or json")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := observability.SetupLogger(os.Stderr, *logLevel, *logFormat).With("component", "chain")

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	c, err := chain.Open(filepath.Join(*dataDir, "blockchain.json"), chain.WithDifficulty(*difficulty))
	if err != nil {
		return err
	}
	if bad := c.Validate(); bad >= 0 {
		logger.Warn("loaded chain fails validation", "first_invalid_index", bad)
	}

	server := &http.Server{
		Addr:              ":" + *port,
		Handler:           chain.NewHandler(c, *origins),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledger listening", "addr", server.Addr, "blocks", c.Len(), "difficulty", *difficulty)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

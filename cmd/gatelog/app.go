package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gatelog/gatelog/pkg/anchor"
	"github.com/gatelog/gatelog/pkg/config"
	"github.com/gatelog/gatelog/pkg/ingest"
	"github.com/gatelog/gatelog/pkg/observability"
	"github.com/gatelog/gatelog/pkg/policy"
	"github.com/gatelog/gatelog/pkg/store"
	"github.com/gatelog/gatelog/pkg/util/resiliency"
)

// app holds the long-lived components shared by the commands.
type app struct {
	cfg       *config.Config
	store     store.Store
	relay     *anchor.Relay
	metrics   *observability.Metrics
	telemetry *observability.Provider
	logger    *slog.Logger
	closers   []func() error
}

// newApp opens the store and builds the relay. Optional legs that fail to
// initialise are logged and left out.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:     cfg,
		metrics: observability.NewMetrics(),
		logger:  slog.Default().With("component", "main"),
	}

	otelCfg := observability.DefaultConfig()
	otelCfg.ServiceVersion = version
	otelCfg.Enabled = cfg.Telemetry.Enabled
	otelCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	otelCfg.Insecure = cfg.Telemetry.Insecure
	otelCfg.Environment = cfg.Telemetry.Environment
	telemetry, err := observability.New(ctx, otelCfg)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.telemetry = telemetry
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return telemetry.Shutdown(sctx)
	})

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	a.relay = a.buildRelay(ctx)
	a.logger.Info("anchoring targets ready", "targets", a.relay.Targets())
	return a, nil
}

func (a *app) buildRelay(ctx context.Context) *anchor.Relay {
	cfg := a.cfg
	client := resiliency.NewEnhancedClient(
		resiliency.WithTimeout(cfg.Anchor.LocalTimeout),
		resiliency.WithMaxRetries(2),
		resiliency.WithBreaker(resiliency.NewCircuitBreaker("local-ledger", 5, 30*time.Second)),
	)
	local := anchor.NewLocalChain(cfg.Anchor.LocalEndpoint, cfg.Anchor.LocalTimeout, client)
	opts := []anchor.RelayOption{anchor.WithObserver(a.metrics)}

	if cfg.Public.Enabled {
		eth, err := anchor.DialEthereum(ctx, anchor.EthereumConfig{
			ProviderURL:     cfg.Public.ProviderURL,
			ContractAddress: cfg.Public.ContractAddress,
			SigningKey:      cfg.Public.SigningKey,
			ABIPath:         cfg.Public.ABIPath,
			ReceiptTimeout:  cfg.Public.ReceiptTimeout,
		})
		if err != nil {
			a.logger.Error("public ledger disabled: client could not be built", "error", err)
		} else {
			a.logger.Info("public ledger enabled", "account", eth.Account().Hex(), "contract", cfg.Public.ContractAddress)
			opts = append(opts, anchor.WithPublic(eth))
		}
	}

	var sinks []anchor.Target
	if len(cfg.Kafka.Brokers) > 0 {
		w := anchor.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		sink := anchor.NewKafkaLog(w, cfg.Kafka.Topic)
		sinks = append(sinks, sink)
		a.closers = append(a.closers, sink.Close)
	}
	if cfg.Object.Bucket != "" {
		var (
			t   anchor.Target
			err error
		)
		switch strings.ToLower(cfg.Object.Provider) {
		case "gcs":
			t, err = anchor.NewGCSTarget(ctx, cfg.Object.Bucket, cfg.Object.Prefix)
		default:
			t, err = anchor.NewS3ObjectLedger(ctx, anchor.ObjectLedgerConfig{
				Bucket:   cfg.Object.Bucket,
				Region:   cfg.Object.Region,
				Endpoint: cfg.Object.Endpoint,
				Prefix:   cfg.Object.Prefix,
			})
		}
		if err != nil {
			a.logger.Error("object ledger disabled", "provider", cfg.Object.Provider, "error", err)
		} else {
			sinks = append(sinks, t)
		}
	}
	if len(sinks) > 0 {
		opts = append(opts, anchor.WithSinks(sinks...))
	}

	return anchor.NewRelay(local, a.store, opts...)
}

// service builds the ingestion service with the configured policy.
func (a *app) service() (*ingest.Service, error) {
	mode, err := ingest.ParseMode(a.cfg.Anchor.Mode)
	if err != nil {
		return nil, err
	}
	opts := []ingest.Option{
		ingest.WithMode(mode),
		ingest.WithAnchorTimeout(a.cfg.Anchor.Timeout),
		ingest.WithRecorder(a.metrics),
		ingest.WithTelemetry(a.telemetry),
	}
	if a.cfg.PolicyFile != "" {
		eval, err := policy.LoadFile(a.cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		a.logger.Info("admission policy loaded", "file", a.cfg.PolicyFile, "rules", eval.Len())
		opts = append(opts, ingest.WithAdmitter(eval))
	}
	return ingest.NewService(a.store, a.relay, opts...), nil
}

// worker builds the outbox worker from the anchor settings.
func (a *app) worker() (*anchor.Worker, error) {
	return anchor.NewWorker(a.store, a.relay, anchor.WorkerConfig{
		PollInterval: a.cfg.Anchor.PollInterval,
		Concurrency:  a.cfg.Anchor.Concurrency,
		Lease:        a.cfg.Anchor.Lease,
		MaxAttempts:  a.cfg.Anchor.MaxAttempts,
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown incomplete", "error", err)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gatelog/gatelog/pkg/api"
	"github.com/gatelog/gatelog/pkg/ingest"
	"github.com/gatelog/gatelog/pkg/mqttin"
)

// ServeCmd runs the HTTP API and, when configured, the MQTT adapter and an
// in-process outbox worker.
type ServeCmd struct {
	NoWorker bool `help:"In queued mode, leave the outbox to a separate 'gatelog worker'."`
}

func (s *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.service()
	if err != nil {
		return err
	}
	handlers, err := api.NewHandlers(svc)
	if err != nil {
		return err
	}

	var idem api.IdempotencyStore = api.NewMemoryIdempotencyStore(cfg.HTTP.IdempotencyTTL)
	if cfg.HTTP.RedisURL != "" {
		redisStore, client, err := api.NewRedisIdempotencyStore(cfg.HTTP.RedisURL, cfg.HTTP.IdempotencyTTL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		idem = redisStore
	}

	srvCfg := api.ServerConfig{
		Addr:           cfg.Addr(),
		RateLimitRPS:   cfg.HTTP.RateLimitRPS,
		RateLimitBurst: cfg.HTTP.RateLimitBurst,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		// Awaited anchoring holds the response open for up to ANCHOR_TIMEOUT.
		WriteTimeout: cfg.Anchor.Timeout + 15*time.Second,
	}
	router := api.NewRouter(srvCfg, handlers,
		api.WithMetricsHandler(a.metrics.Handler()),
		api.WithObserver(a.metrics),
		api.WithIdempotency(idem),
	)
	defer router.Close()
	server := api.NewHTTPServer(srvCfg, router)

	if svc.Mode() == ingest.ModeQueued && !s.NoWorker {
		w, err := a.worker()
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = w.Stop() }()
	}

	if cfg.MQTT.Broker != "" {
		sub := mqttin.NewSubscriber(mqttin.Config{
			BrokerURL:     cfg.MQTT.Broker,
			ClientID:      cfg.MQTT.ClientID,
			Topic:         cfg.MQTT.Topic,
			QoS:           cfg.MQTT.QoS,
			Username:      cfg.MQTT.Username,
			Password:      cfg.MQTT.Password,
			HandleTimeout: cfg.Anchor.Timeout + 15*time.Second,
		}, svc)
		go func() {
			if err := sub.Start(ctx, time.Second, 30*time.Second); err != nil {
				a.logger.Warn("mqtt adapter not started", "error", err)
			}
		}()
		defer sub.Stop(2 * time.Second)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("gatelog listening", "addr", srvCfg.Addr, "anchor_mode", svc.Mode(), "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	a.logger.Info("gatelog stopped")
	return nil
}

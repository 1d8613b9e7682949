package main

import (
	"context"
	"os/signal"
	"syscall"
)

// WorkerCmd drains the anchoring outbox filled by queued-mode servers.
type WorkerCmd struct {
	Once bool `help:"Drain due jobs once and exit."`
}

func (c *WorkerCmd) Run(cli *CLI) error {
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

	w, err := a.worker()
	if err != nil {
		return err
	}

	if c.Once {
		n, err := w.Drain(ctx)
		a.logger.Info("outbox drained", "jobs", n)
		return err
	}

	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return w.Stop()
}

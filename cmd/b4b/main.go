// Command b4b runs the byte4byte gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/byte4byte/b4b/internal/logger"
	"github.com/byte4byte/b4b/pkg/config"
)

func main() {
	sample := flag.Bool("sample-events", false, "send sample events to the configured outputs and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if *sample {
		err = runSample(ctx, cfg, log)
	} else {
		err = run(ctx, cfg, log)
	}
	stop()
	if err != nil {
		log.Error("exiting", logger.Error(err))
		os.Exit(1)
	}
}

// run serves the gateway and the ops endpoints until ctx ends.
func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		a.close()
		return err
	}
	log.Info("gateway ready",
		slog.Int("endpoints", len(cfg.Routes.Endpoints)),
		slog.Any("outputs", a.sinks.Names()),
		slog.String("cipher", cfg.Cipher),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.gateway.Run(gctx) })
	g.Go(func() error { return a.ops.Run(gctx) })
	err = g.Wait()
	a.close()
	return err
}

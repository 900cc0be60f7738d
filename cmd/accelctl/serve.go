package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fxnlabs/accel-runtime/pkg/accel"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func serveCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Hold the configured device and serve metrics until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "metrics-address",
				Usage: "Override the configured metrics listen address",
			},
			&cli.UintFlag{
				Name:  "probe-kind",
				Usage: "Launch a job of this PE kind periodically; 0 disables probing",
			},
			&cli.DurationFlag{
				Name:  "probe-interval",
				Value: 10 * time.Second,
				Usage: "Time between probe jobs",
			},
		},
		Action: func(c *cli.Context) error {
			cfg := *e.cfg
			cfg.Metrics.Enabled = true
			if addr := c.String("metrics-address"); addr != "" {
				cfg.Metrics.ListenAddress = addr
			}

			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			dev, _, stop, err := openDevice(ctx, &cfg)
			if err != nil {
				return err
			}
			defer stop()

			log := e.log.Named("serve")
			log.Info("serving", zap.Int("device", dev.ID()), zap.String("metrics", cfg.Metrics.ListenAddress))
			if kind := c.Uint("probe-kind"); kind != 0 {
				probe(ctx, log, dev, accel.PEKind(kind), c.Duration("probe-interval"))
			} else {
				<-ctx.Done()
			}
			log.Info("shutting down")
			return nil
		},
	}
}

// probe launches an argument-less job of kind every interval until ctx is
// done, logging failures and latency.
func probe(ctx context.Context, log *zap.Logger, dev *accel.Device, kind accel.PEKind, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := time.Now()
		h, err := dev.Launch(ctx, kind)
		if err == nil {
			_, err = h.Wait(ctx)
			if errors.Is(err, accel.ErrTimeout) {
				drain(log, h, kind)
			}
		}
		if err != nil {
			log.Warn("probe failed", zap.Uint32("kind", uint32(kind)), zap.Error(err))
			continue
		}
		log.Debug("probe completed", zap.Uint32("kind", uint32(kind)), zap.Duration("latency", time.Since(start)))
	}
}

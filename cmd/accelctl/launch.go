package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fxnlabs/accel-runtime/pkg/accel"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func launchCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:      "launch",
		Usage:     "Run one job on a PE of the configured device",
		ArgsUsage: "[argument...]",
		Description: "Arguments are u32:N, i32:N, u64:N, i64:N, f32:X, f64:X, addr:N or buffers\n" +
			"buf[.in|.out][.local][.keep]:<size>|0x<hex>. Buffers copied back are printed in hex.",
		Flags: []cli.Flag{
			&cli.UintFlag{
				Name:     "kind",
				Usage:    "PE kind to launch",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: time.Minute,
				Usage: "Give up waiting for the job after this long",
			},
		},
		Action: func(c *cli.Context) error {
			args, err := parseArguments(c.Args().Slice())
			if err != nil {
				return err
			}

			cfg := *e.cfg
			cfg.Metrics.Enabled = false
			dev, _, stop, err := openDevice(c.Context, &cfg)
			if err != nil {
				return err
			}
			defer stop()

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()
			return runLaunch(ctx, os.Stdout, e.log, dev, accel.PEKind(c.Uint("kind")), args)
		},
	}
}

func runLaunch(ctx context.Context, w io.Writer, log *zap.Logger, dev *accel.Device, kind accel.PEKind, args []argument) error {
	start := time.Now()
	h, err := dev.Launch(ctx, kind, values(args)...)
	if err != nil {
		return fmt.Errorf("launch PE kind %d: %w", kind, err)
	}
	ret, err := h.Wait(ctx)
	if errors.Is(err, accel.ErrTimeout) {
		drain(log, h, kind)
	}
	if err != nil {
		return fmt.Errorf("wait for PE kind %d: %w", kind, err)
	}
	log.Debug("job completed", zap.Uint32("kind", uint32(kind)), zap.Duration("elapsed", time.Since(start)))

	fmt.Fprintf(w, "return: %d (%#x)\n", ret, ret)
	for _, a := range args {
		if a.buf != nil && a.out {
			fmt.Fprintf(w, "%s: %s\n", a.spec, hex.EncodeToString(a.buf))
		}
	}
	for _, r := range h.Retained() {
		fmt.Fprintf(w, "retained: %s (%s)\n", r.Addr, humanize.IBytes(uint64(r.Length)))
	}
	return nil
}

// drainTimeout bounds how long a timed-out job may keep running before the
// device is closed underneath it.
const drainTimeout = 5 * time.Second

// drain waits for a job whose caller gave up so its PE and device memory are
// released before the device closes.
func drain(log *zap.Logger, h *accel.CompletionHandle, kind accel.PEKind) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if _, err := h.Wait(ctx); err != nil {
		log.Warn("timed out job still holds its PE",
			zap.Uint32("kind", uint32(kind)),
			zap.Uint64("pe", uint64(h.Job().Handle())),
			zap.Error(err))
		return
	}
	log.Debug("timed out job drained", zap.Uint32("kind", uint32(kind)))
}

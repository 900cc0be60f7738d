package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fxnlabs/accel-runtime/pkg/accel"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

func benchCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:      "bench",
		Usage:     "Launch many jobs of one PE kind concurrently and report latency",
		ArgsUsage: "[argument...]",
		Flags: []cli.Flag{
			&cli.UintFlag{
				Name:     "kind",
				Usage:    "PE kind to launch",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "jobs",
				Value: 1000,
				Usage: "Number of jobs to run",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Value: runtime.NumCPU(),
				Usage: "Jobs in flight at once",
			},
		},
		Action: func(c *cli.Context) error {
			specs := c.Args().Slice()
			if _, err := parseArguments(specs); err != nil {
				return err
			}

			dev, _, stop, err := openDevice(c.Context, e.cfg)
			if err != nil {
				return err
			}
			defer stop()

			res, err := runBench(c.Context, e.log, dev, benchOptions{
				kind:        accel.PEKind(c.Uint("kind")),
				jobs:        c.Int("jobs"),
				concurrency: c.Int("concurrency"),
				specs:       specs,
			})
			if err != nil {
				return err
			}
			res.write(os.Stdout)
			return nil
		},
	}
}

type benchOptions struct {
	kind        accel.PEKind
	jobs        int
	concurrency int
	specs       []string
}

type benchResult struct {
	jobs      int
	elapsed   time.Duration
	latencies []float64 // milliseconds, sorted
}

func runBench(ctx context.Context, log *zap.Logger, dev *accel.Device, opts benchOptions) (*benchResult, error) {
	if opts.jobs <= 0 {
		return nil, fmt.Errorf("jobs must be positive, got %d", opts.jobs)
	}
	if opts.concurrency <= 0 {
		opts.concurrency = 1
	}

	var (
		mu        sync.Mutex
		latencies = make([]float64, 0, opts.jobs)
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)

	start := time.Now()
	for i := 0; i < opts.jobs; i++ {
		g.Go(func() error {
			// Buffers are host memory of the job, so every job parses its own.
			args, err := parseArguments(opts.specs)
			if err != nil {
				return err
			}
			t := time.Now()
			h, err := dev.Launch(ctx, opts.kind, values(args)...)
			if err != nil {
				return err
			}
			if _, err := h.Wait(ctx); err != nil {
				return err
			}
			ms := float64(time.Since(t).Microseconds()) / 1000

			mu.Lock()
			latencies = append(latencies, ms)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	sort.Float64s(latencies)

	log.Info("benchmark finished",
		zap.Uint32("kind", uint32(opts.kind)),
		zap.Int("jobs", opts.jobs),
		zap.Duration("elapsed", elapsed))
	return &benchResult{jobs: opts.jobs, elapsed: elapsed, latencies: latencies}, nil
}

func (r *benchResult) throughput() float64 {
	return float64(r.jobs) / r.elapsed.Seconds()
}

func (r *benchResult) quantile(p float64) float64 {
	return stat.Quantile(p, stat.Empirical, r.latencies, nil)
}

func (r *benchResult) write(w io.Writer) {
	fmt.Fprintf(w, "jobs:        %s\n", humanize.Comma(int64(r.jobs)))
	fmt.Fprintf(w, "elapsed:     %s\n", r.elapsed)
	fmt.Fprintf(w, "throughput:  %.1f jobs/s\n", r.throughput())
	fmt.Fprintf(w, "latency ms:  mean %.3f  p50 %.3f  p99 %.3f  max %.3f\n",
		stat.Mean(r.latencies, nil), r.quantile(0.5), r.quantile(0.99), r.latencies[len(r.latencies)-1])
}

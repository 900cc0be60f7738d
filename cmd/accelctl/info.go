package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/common-nighthawk/go-figure"
	"github.com/dustin/go-humanize"
	"github.com/fxnlabs/accel-runtime/internal/config"
	"github.com/fxnlabs/accel-runtime/pkg/accel"
	"github.com/fxnlabs/accel-runtime/pkg/transport"
	"github.com/fxnlabs/accel-runtime/pkg/transport/sim"
	"github.com/urfave/cli/v2"
)

func infoCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Show the devices of the transport and the PEs of the configured device",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "no-banner",
				Usage: "Do not print the banner",
			},
		},
		Action: func(c *cli.Context) error {
			// A monitor lease never conflicts with jobs running elsewhere.
			cfg := *e.cfg
			cfg.Runtime.AccessMode = transport.AccessMonitor.String()
			cfg.Metrics.Enabled = false

			dev, drv, stop, err := openDevice(c.Context, &cfg)
			if err != nil {
				return err
			}
			defer stop()

			if !c.Bool("no-banner") {
				figure.NewFigure("accel", "", true).Print()
				fmt.Println()
			}
			return writeInfo(os.Stdout, &cfg, drv, dev)
		},
	}
}

// kernelNames maps the PE kinds of the configured simulated device to their
// kernels. It is empty for other transports.
func kernelNames(cfg *config.Config) map[accel.PEKind]string {
	names := make(map[accel.PEKind]string)
	if cfg.Runtime.Transport != sim.Name {
		return names
	}
	platform := sim.DefaultPlatform()
	if cfg.Platform != nil {
		platform = *cfg.Platform
	}
	if cfg.Runtime.Device >= len(platform.Devices) {
		return names
	}
	for _, pe := range platform.Devices[cfg.Runtime.Device].PEs {
		names[accel.PEKind(pe.Kind)] = pe.Kernel
	}
	return names
}

func writeInfo(w io.Writer, cfg *config.Config, drv *accel.Driver, dev *accel.Device) error {
	count, err := drv.DeviceCount()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Transport:  %s (registered: %v)\n", cfg.Runtime.Transport, transport.Registered())
	fmt.Fprintf(w, "Devices:    %d\n", count)
	fmt.Fprintf(w, "Device:     %d (%s)\n", dev.ID(), dev.Mode())
	mem := dev.DefaultMemory()
	fmt.Fprintf(w, "Memory:     %s in %d allocations\n", humanize.IBytes(uint64(mem.Allocated())), mem.Live())
	fmt.Fprintln(w)

	names := kernelNames(cfg)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tINSTANCES\tKERNEL")
	for _, kind := range dev.Kinds() {
		name := names[kind]
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\n", kind, dev.PECount(kind), name)
	}
	return tw.Flush()
}

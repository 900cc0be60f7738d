// Package app wires the runtime together with fx: configuration, logger,
// transport, driver, the configured device and the metrics server.
package app

import (
	"context"

	"github.com/fxnlabs/accel-runtime/internal/config"
	"github.com/fxnlabs/accel-runtime/internal/logger"
	"github.com/fxnlabs/accel-runtime/internal/metrics"
	"github.com/fxnlabs/accel-runtime/pkg/accel"
	"github.com/fxnlabs/accel-runtime/pkg/transport"
	_ "github.com/fxnlabs/accel-runtime/pkg/transport/sim"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module provides *accel.Driver and *accel.Device from a supplied
// *config.Config.
var Module = fx.Module("accel",
	fx.Provide(
		NewLogger,
		NewTransport,
		NewDriver,
		NewDevice,
	),
	fx.Invoke(RegisterMetricsServer),
)

// New builds an application for cfg. Extra options typically populate the
// device.
func New(cfg *config.Config, opts ...fx.Option) *fx.App {
	return fx.New(append([]fx.Option{
		fx.Supply(cfg),
		Module,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: log.Named("fx")}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),
	}, opts...)...)
}

func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(cfg.Logger.Verbosity, cfg.Logger.Encoding)
}

func NewTransport(cfg *config.Config, log *zap.Logger) (transport.Transport, error) {
	return transport.New(cfg.Runtime.Transport, cfg.TransportPlatform(), log)
}

// DriverOptions translates the runtime policy settings.
func DriverOptions(cfg *config.Config) []accel.Option {
	var opts []accel.Option
	if cfg.Runtime.LocalMemoryPolicy == config.LocalMemoryStrict {
		opts = append(opts, accel.WithStrictLocalMemory())
	}
	if cfg.Runtime.PanicOnLeak {
		opts = append(opts, accel.WithPanicOnLeak())
	}
	if cfg.Runtime.AcquireTimeout > 0 {
		opts = append(opts, accel.WithAcquireTimeout(cfg.Runtime.AcquireTimeout))
	}
	return opts
}

// NewDriver creates the driver and closes it, with every device it opened,
// when the application stops.
func NewDriver(lc fx.Lifecycle, cfg *config.Config, tr transport.Transport, log *zap.Logger) (*accel.Driver, error) {
	drv, err := accel.NewDriver(tr, log, DriverOptions(cfg)...)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return drv.Close()
		},
	})
	return drv, nil
}

// NewDevice leases the configured device.
func NewDevice(cfg *config.Config, drv *accel.Driver) (*accel.Device, error) {
	return drv.AllocateDevice(cfg.Runtime.Device, cfg.AccessMode())
}

// RegisterMetricsServer serves /metrics for the lifetime of the application
// when metrics are enabled.
func RegisterMetricsServer(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}
	srv := metrics.NewServer(cfg.Metrics.ListenAddress, log)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			srv.Start()
			return nil
		},
		OnStop: srv.Stop,
	})
}

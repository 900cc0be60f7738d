package main

import (
	"context"

	"github.com/fxnlabs/accel-runtime/internal/app"
	"github.com/fxnlabs/accel-runtime/internal/config"
	"github.com/fxnlabs/accel-runtime/pkg/accel"
	"go.uber.org/fx"
)

// openDevice starts the application for cfg and returns the leased device
// with a function that stops the application again.
func openDevice(ctx context.Context, cfg *config.Config) (*accel.Device, *accel.Driver, func() error, error) {
	var dev *accel.Device
	var drv *accel.Driver
	a := app.New(cfg, fx.Populate(&dev, &drv))
	if err := a.Err(); err != nil {
		return nil, nil, nil, err
	}
	if err := a.Start(ctx); err != nil {
		return nil, nil, nil, err
	}
	stop := func() error {
		return a.Stop(context.Background())
	}
	return dev, drv, stop, nil
}

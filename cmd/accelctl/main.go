package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fxnlabs/accel-runtime/internal/config"
	"github.com/fxnlabs/accel-runtime/internal/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// env carries what the Before hook loaded to the commands.
type env struct {
	home string
	cfg  *config.Config
	log  *zap.Logger
}

func main() {
	e := &env{}
	var rootLogger *zap.Logger

	app := &cli.App{
		Name:  "accelctl",
		Usage: "Inspect accelerator devices and launch jobs on their processing elements",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "home",
				Value:       config.GetDefaultConfigHome(),
				Usage:       "Path to the accelctl home directory or a config file",
				EnvVars:     []string{"ACCEL_HOME"},
				Destination: &e.home,
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Usage: "Override the configured log level",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(e.home)
			if errors.Is(err, fs.ErrNotExist) {
				cfg, err = config.Default(), nil
			}
			if err != nil {
				return err
			}
			if v := c.String("verbosity"); v != "" {
				cfg.Logger.Verbosity = v
			}
			zapLogger, err := logger.New(cfg.Logger.Verbosity, cfg.Logger.Encoding)
			if err != nil {
				return err
			}
			rootLogger = zapLogger.Named("cli")
			e.cfg, e.log = cfg, rootLogger
			return nil
		},
		Commands: []*cli.Command{
			initCommand(e),
			infoCommand(e),
			launchCommand(e),
			benchCommand(e),
			serveCommand(e),
		},
	}

	if err := app.Run(os.Args); err != nil {
		if rootLogger != nil {
			rootLogger.Fatal("failed to run app", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

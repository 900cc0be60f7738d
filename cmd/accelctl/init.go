package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxnlabs/accel-runtime/fixtures"
	"github.com/fxnlabs/accel-runtime/internal/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func initCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write the default configuration into the home directory",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite an existing configuration",
			},
		},
		Action: func(c *cli.Context) error {
			path, err := writeConfig(e.home, c.Bool("force"))
			if err != nil {
				return err
			}
			e.log.Info("configuration written", zap.String("path", path))
			return nil
		},
	}
}

// writeConfig writes the configuration template to home, which is either a
// directory or the path of a .yaml file.
func writeConfig(home string, force bool) (string, error) {
	path := home
	if filepath.Ext(path) != ".yaml" {
		path = filepath.Join(home, config.FileName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("failed to create home directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("%s already exists, use --force to overwrite it", path)
	}
	if err := os.WriteFile(path, fixtures.ConfigTemplate, 0o600); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return path, nil
}

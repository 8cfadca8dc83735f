// Package main is the edgecam daemon.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"edgecam/internal/config"
	"edgecam/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	app := &cli.App{
		Name:    "edgecam",
		Usage:   "scheduled object detection on an edge camera",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "/etc/edgecam/edgecam.yaml",
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"EDGECAM_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the detection daemon",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "debug",
						Usage: "log HTTP request and response bodies",
					},
				},
				Action: runAction,
			},
			{
				Name:   "check",
				Usage:  "validate the configuration and probe the detector",
				Action: checkAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Infow("Starting edgecam", "version", version, "device", cfg.DeviceID, "config", c.String("config"))

	d, err := newDaemon(ctx, cfg, logger, daemonOptions{
		configPath: c.String("config"),
		debugHTTP:  c.Bool("debug"),
	})
	if err != nil {
		logger.Errorw("Startup failed", "error", err)
		return cli.Exit(err.Error(), 1)
	}
	return d.run(ctx)
}

func checkAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	detector, err := newDetector(c.Context, cfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer detector.Close()

	cc := cfg.CycleConfig()
	fmt.Fprintf(c.App.Writer, "config ok: camera=%s detector=%s due=%s period=%s\n",
		cfg.Camera.Kind, detector.Name(), cc.Schedule.Due, cc.Schedule.Period)
	return nil
}

// shutdownContext outlives the cancelled run context
func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), shutdownTimeout)
}

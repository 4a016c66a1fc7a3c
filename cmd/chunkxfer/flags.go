package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/Gammanik/chunkxfer/internal/config"
	"github.com/Gammanik/chunkxfer/internal/logging"
	"github.com/Gammanik/chunkxfer/internal/transfer"
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML config file",
			EnvVars: []string{"CHUNKXFER_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "block-store",
			Usage: "block store base URL",
		},
		&cli.StringFlag{
			Name:  "metadata",
			Usage: "metadata service base URL",
		},
		&cli.StringFlag{
			Name:  "token",
			Usage: "metadata service bearer token",
		},
		&cli.StringFlag{
			Name:  "chunk-size",
			Usage: "chunk size, e.g. 1MiB or 4194304",
		},
		&cli.IntFlag{
			Name:  "concurrency",
			Usage: "max chunks in flight (0 = unlimited)",
		},
		&cli.BoolFlag{
			Name:    "quiet",
			Aliases: []string{"q"},
			Usage:   "no progress output",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "debug logging",
		},
	}
}

// loadConfig layers defaults, the config file, CHUNKXFER_* variables and
// finally command-line flags.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}

	cfg, err := config.FromEnv(cfg)
	if err != nil {
		return cfg, err
	}

	if c.IsSet("block-store") {
		cfg.BlockStoreURL = c.String("block-store")
	}
	if c.IsSet("metadata") {
		cfg.MetadataURL = c.String("metadata")
	}
	if c.IsSet("token") {
		cfg.Token = c.String("token")
	}
	if c.IsSet("chunk-size") {
		n, err := humanize.ParseBytes(c.String("chunk-size"))
		if err != nil {
			return cfg, fmt.Errorf("invalid --chunk-size: %w", err)
		}
		cfg.ChunkSize = config.ByteSize(n)
	}
	if c.IsSet("concurrency") {
		cfg.Concurrency = c.Int("concurrency")
	}
	if c.Bool("debug") {
		cfg.Debug = true
	}

	return cfg, cfg.Validate()
}

// newCoordinator builds a coordinator from the layered configuration. The
// returned logger must be synced by the caller.
func newCoordinator(c *cli.Context) (*transfer.Coordinator, *zap.Logger, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		var ce *config.ConfigurationError
		if errors.As(err, &ce) {
			return nil, nil, cli.Exit(err.Error(), exitConfig)
		}
		return nil, nil, cli.Exit(err.Error(), exitError)
	}

	log := logging.New("chunkxfer", cfg.Debug)
	if !cfg.Debug {
		// Progress goes to stderr; keep the JSON log for problems only.
		log = log.WithOptions(zap.IncreaseLevel(zap.WarnLevel))
	}

	var observer transfer.Observer
	if !c.Bool("quiet") {
		observer = newProgress(c.App.ErrWriter).observe
	}

	coord, err := transfer.NewFromConfig(cfg, log, observer)
	if err != nil {
		return nil, nil, cli.Exit(err.Error(), exitConfig)
	}
	return coord, log, nil
}

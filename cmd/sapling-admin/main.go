package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/markdave123-py/sapling/internal/app"
	"github.com/markdave123-py/sapling/internal/config"
	"github.com/markdave123-py/sapling/internal/logger"
)

// withApp loads configuration, builds the application and hands it to fn.
func withApp(ctx context.Context, cmd *cli.Command, tweak func(*config.Config), fn func(*app.App) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if tweak != nil {
		tweak(cfg)
	}

	zl, err := logger.New(cmd.Bool("debug"))
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	a, err := app.NewApp(ctx, cfg, zl)
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	defer a.Close()
	return fn(a)
}

func process(ctx context.Context, cmd *cli.Command) error {
	sourceID := cmd.String("source-id")
	return withApp(ctx, cmd, nil, func(a *app.App) error {
		if cmd.Bool("reset") {
			if err := a.DBClient.ResetSourceStatus(ctx, sourceID); err != nil {
				return fmt.Errorf("reset source: %w", err)
			}
		}
		res := a.Ingestor.RunIngestion(ctx, sourceID)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		if !res.Success {
			return cli.Exit("ingestion failed", 1)
		}
		return nil
	})
}

func sweep(ctx context.Context, cmd *cli.Command) error {
	olderThan := cmd.Duration("older-than")
	return withApp(ctx, cmd, func(cfg *config.Config) { cfg.StaleAfter = olderThan }, func(a *app.App) error {
		n, err := a.Ingestor.SweepStale(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("marked %d stale source(s) as failed\n", n)
		return nil
	})
}

func main() {
	cmd := &cli.Command{
		Name:  "sapling-admin",
		Usage: "Operate the Sapling ingestion pipeline outside the HTTP API",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Human-readable debug logging",
				Sources: cli.EnvVars("DEBUG"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "process",
				Usage:  "Run ingestion for one source and print the result as JSON",
				Action: process,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "source-id", Usage: "Source to ingest", Required: true},
					&cli.BoolFlag{Name: "reset", Usage: "Reset a ready or failed source to processing first"},
				},
			},
			{
				Name:   "sweep",
				Usage:  "Fail sources stuck in processing",
				Action: sweep,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "older-than",
						Usage: "Minimum time since the source was last touched",
						Value: 30 * time.Minute,
					},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

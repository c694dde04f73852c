// Package main provides the entry point for the application with CLI commands.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/allisson/tokenfield/cmd/app/commands"
	"github.com/allisson/tokenfield/internal/app"
	"github.com/allisson/tokenfield/internal/config"
)

const version = "1.0.0"

func main() {
	cmd := &cli.Command{
		Name:    "tokenfield",
		Usage:   "Field tokenization toolkit",
		Version: version,
		Commands: []*cli.Command{
			{
				Name:  "stub-gateway",
				Usage: "Start the development stub tokenization gateway",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunStubGateway(ctx, version)
				},
			},
			{
				Name:  "migrate",
				Usage: "Run database migrations for the reference store",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg := config.Load()
					logger := app.NewContainer(cfg).Logger()
					return commands.RunMigrations(logger, cfg.DBDriver, cfg.DBConnectionString)
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.Any("error", err))
		os.Exit(1)
	}
}

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/licensekit/licensectl/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string, version, commit string) error {
	var shutdownObservability func(context.Context) error

	cmd := &cli.Command{
		Name:    "licensectl",
		Usage:   "Command-line client for the license server API",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a TOML config file",
				Sources: cli.EnvVars("LICENSECTL_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json)",
				Value: "text",
			},
			&cli.StringFlag{
				Name:  "log-exporter",
				Usage: "additional log exporter (stdout|otlp-grpc|otlp-http)",
			},
			&cli.StringFlag{
				Name:  "base-url",
				Usage: "license server API base URL",
			},
			&cli.StringFlag{
				Name:  "storage",
				Usage: "credential storage (file|keyring|redis|env|memory)",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
			if err != nil {
				return ctx, fmt.Errorf("failed to load config: %w", err)
			}

			var level slog.Level
			if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
				return ctx, err
			}

			shutdownObservability, err = observability.Instrument(ctx, level, cfg.Log.Format, cfg.Log.Exporter)
			if err != nil {
				return ctx, fmt.Errorf("failed to set up observability layer: %w", err)
			}
			return ctx, nil
		},
		After: func(ctx context.Context, cmd *cli.Command) error {
			if shutdownObservability == nil {
				return nil
			}
			return shutdownObservability(context.WithoutCancel(ctx))
		},
		Commands: []*cli.Command{
			authCommand(),
			requestCommand(),
			proxyCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

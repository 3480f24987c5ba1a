package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/a-essam23/go-collab/internal/server"
	"github.com/a-essam23/go-collab/pkg/config"
	"github.com/a-essam23/go-collab/pkg/logging"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cfg, perms, err := setup(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Server.Address = addr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := server.NewApp(logger, ctx, cfg, perms)
			if err != nil {
				logger.Error("Failed to build server", slog.Any("error", err))
				return err
			}
			if err := app.Run(); err != nil {
				logger.Error("Application run failed", slog.Any("error", err))
				return err
			}
			logger.Info("Application shut down successfully.")
			return nil
		},
	}
	cmd.Flags().String("addr", "", "Listen address, overrides server.address")
	return cmd
}

// setup builds the logger and loads configuration from the persistent flags.
func setup(cmd *cobra.Command) (*slog.Logger, *config.Config, *config.PermissionRegistry, error) {
	level, _ := cmd.Flags().GetString("log-level")
	logger := logging.New(logging.ParseLevel(level))
	slog.SetDefault(logger)

	name, _ := cmd.Flags().GetString("config")
	cfg, perms, err := config.Load(logger, name)
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		return nil, nil, nil, err
	}
	return logger, cfg, perms, nil
}

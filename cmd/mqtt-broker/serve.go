package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/life-stream-dev/life-stream-mqtt/internal/auth"
	"github.com/life-stream-dev/life-stream-mqtt/internal/config"
	"github.com/life-stream-dev/life-stream-mqtt/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt/internal/event"
	"github.com/life-stream-dev/life-stream-mqtt/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt/internal/server"
	"github.com/spf13/cobra"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MQTT broker",
	Long: `Run the MQTT broker with TCP and optional WebSocket listeners.

A missing configuration file is created with default values; edit it and run again.
Both JSON and YAML (.yaml/.yml) configuration files are supported.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.ReadConfig(configPath)
		if err != nil {
			return err
		}

		loggerCallback := logger.Init(logger.Options{Dir: cfg.LogDir, Debug: cfg.DebugMode})
		logger.Debug("Application initializing...")
		cleaner := event.NewCleaner(loggerCallback)
		defer cleaner.Clean()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := openStore(ctx, cfg, cleaner)
		if err != nil {
			logger.ErrorF("Error occured while initializing database, details: %v", err)
			return err
		}

		s := server.NewServer(server.OptionsFromConfig(cfg.MQTT), store, auth.FromUsers(cfg.Auth.Users))
		if err := s.Run(ctx); err != nil {
			logger.ErrorF("Error occured while running server, details: %v", err)
			return err
		}
		return nil
	},
}

func openStore(ctx context.Context, cfg *config.Config, cleaner *event.Cleaner) (*database.Store, error) {
	switch cfg.Database.Type {
	case config.DatabaseMemory, "":
		logger.Info("Using in-memory session store")
		return database.NewMemoryStore(), nil
	case config.DatabaseMongo:
		connection, err := database.ConnectMongo(ctx, cfg.Database, cfg.AppName)
		if err != nil {
			return nil, err
		}
		cleaner.Add(connection)
		return connection.Store(), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Database.Type)
	}
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "Print the bcrypt hash of a password for auth.users",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "configuration file path")
}

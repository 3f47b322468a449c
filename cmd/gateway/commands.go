package main

import (
	"fmt"
	"os"

	"chat-gateway/internal/app"
	"chat-gateway/internal/config"
	"chat-gateway/internal/services"

	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		port       string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat gateway",
		Long: `Start the HTTP API and the websocket gateway.

Configuration is read from .env, then the YAML file given by --config
(or CONFIG_FILE), then environment variables. Graceful shutdown is handled
on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Port = port
			}
			if debug {
				cfg.LogLevel = "debug"
			}
			return app.Run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&port, "port", "p", "", "Listen port (overrides PORT)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     int
		username   string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for development",
		Long:  "Sign a token with the configured JWT secret. The user must exist for the gateway to accept it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == 0 {
				return fmt.Errorf("--user-id is required")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			auth := services.NewAuthService(nil, cfg.JWTSecret, cfg.TokenTTL)
			token, err := auth.GenerateToken(userID, username)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().IntVar(&userID, "user-id", 0, "User id to embed in the token")
	cmd.Flags().StringVar(&username, "username", "", "Username to embed in the token")
	return cmd
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		if err := os.Setenv("CONFIG_FILE", path); err != nil {
			return config.Config{}, err
		}
	}
	return config.Load()
}

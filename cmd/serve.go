package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/takecapture/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the TakeCapture web server to arm channels and drive the transport over HTTP.
Engine events are streamed to websocket clients on /ws/events.

The server will display the local network URL for easy access from other devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")

		// Handle config file path - use default if not specified
		configPath := cfgFile
		if configPath == "" {
			configPath = defaultConfigPath()
		}

		srv, err := server.New(configPath, port)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}

		slog.Info("TakeCapture web server starting", "port", port, "config", configPath)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Start server (this blocks until interrupted)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the web server")
}

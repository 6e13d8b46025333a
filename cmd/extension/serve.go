package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"

	"github.com/alovak/payment-extension/extension"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		logFormat  string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the extension HTTP server",
		Long: `Start the extension HTTP server.

Configuration is read from --config, or from the EXTENSION_CONFIG
environment variable when no file is given.

Examples:
  extension serve --config extension.yaml
  EXTENSION_CONFIG="$(cat extension.yaml)" extension serve --log-format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), logFormat, debug)
			if err != nil {
				return err
			}

			config, err := extension.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			app := extension.NewApp(logger, config)
			if err := app.Start(); err != nil {
				return fmt.Errorf("starting app: %w", err)
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			app.Shutdown()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	cmd.Flags().BoolVar(&debug, "debug", false, "log cycle steps at debug level")

	return cmd
}

func newLogger(w io.Writer, format string, debug bool) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}

	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

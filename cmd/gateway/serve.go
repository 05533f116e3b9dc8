package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pagegate/browser-gateway/internal/config"
	"github.com/pagegate/browser-gateway/internal/server"
)

var (
	transportFlag string
	addrFlag      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway server",
	Long: `Run the gateway server, hosting one browser instance behind an MCP tool
surface.

Examples:
  # stdio transport only (default)
  gateway serve

  # WebSocket transport, listening on the configured port
  gateway serve --transport=ws

  # both transports at once
  gateway serve --transport=both`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&transportFlag, "transport", "stdio", "transport(s) to serve: stdio, ws, or both")
	serveCmd.Flags().StringVar(&addrFlag, "addr", "", "WebSocket listen address, overrides config server.host:server.port")
}

func runServe(cmd *cobra.Command, args []string) error {
	// stderr carries logs only on stdio transport; WebSocket-only mode
	// may as well share the same sink — there's no stdout traffic to keep
	// clean in that mode either.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("invalid config: %v", errs)
	}

	gw, err := server.Build(cfg)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.Timeout.Duration())
		defer cancel()
		if closeErr := gw.Close(closeCtx); closeErr != nil {
			log.Error().Err(closeErr).Msg("gateway close")
		}
	}()

	// A config file on disk gets live reload for the fields that can
	// change without a restart; an in-memory default config has nothing
	// to watch.
	if configPath != "" {
		reloader, err := config.NewReloader(configPath)
		if err != nil {
			return fmt.Errorf("init config reloader: %w", err)
		}
		reloader.OnChange(gw.ApplyLiveConfig)
		if err := reloader.Watch(); err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		defer reloader.Stop()
	}

	addr := addrFlag
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	}

	switch transportFlag {
	case "stdio":
		return gw.ServeStdio(ctx, os.Stdin, os.Stdout)
	case "ws":
		return gw.ServeHTTP(ctx, addr)
	case "both":
		errCh := make(chan error, 2)
		go func() { errCh <- gw.ServeStdio(ctx, os.Stdin, os.Stdout) }()
		go func() { errCh <- gw.ServeHTTP(ctx, addr) }()
		return <-errCh
	default:
		return fmt.Errorf("unknown --transport %q: want stdio, ws, or both", transportFlag)
	}
}

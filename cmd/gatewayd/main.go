// Command gatewayd launches the autonomous task gateway's HTTP/SSE API
// surface over an embedded SQLite store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/codemate/gateway/runtime/agent/api"
	"github.com/codemate/gateway/runtime/agent/engine"
	"github.com/codemate/gateway/runtime/agent/eventhub"
	"github.com/codemate/gateway/runtime/agent/store"
	"github.com/codemate/gateway/runtime/agent/telemetry"
	"github.com/codemate/gateway/runtime/agent/tools"
)

const defaultDBPath = "./.codemate/codemate_gateway.db"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("codemate")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "gatewayd",
		Short: "Run the autonomous task gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("host", "0.0.0.0", "address to bind the HTTP server to")
	flags.Int("port", 7011, "port to bind the HTTP server to")
	flags.String("db", defaultDBPath, "path to the SQLite database file")
	flags.String("log-level", "info", "zerolog level: debug, info, warn, error")
	flags.String("config", "", "optional YAML config file overriding flags/env")
	_ = v.BindPFlags(flags)

	cobra.OnInitialize(func() {
		if cfg, _ := cmd.Flags().GetString("config"); cfg != "" {
			v.SetConfigFile(cfg)
			_ = v.ReadInConfig()
		}
	})

	return cmd
}

func run(v *viper.Viper) error {
	level, err := zerolog.ParseLevel(v.GetString("log-level"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).Level(level).With().Timestamp().Logger()
	logger := telemetry.NewZerologLogger(zlog)

	dbPath := v.GetString("db")
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	hub := eventhub.New()
	registry := tools.NewRegistry(
		tools.NewShellAdapter(),
		tools.NewModelHTTPAdapter("", ""),
		tools.NewHostingAPIAdapter("", ""),
	)
	eng := engine.New(st, hub, registry, engine.WithLogger(logger))
	server := api.New(eng, hub, st, api.WithLogger(logger))

	addr := fmt.Sprintf("%s:%d", v.GetString("host"), v.GetInt("port"))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info().Str("addr", addr).Str("db", dbPath).Msg("gatewayd listening")
		errCh <- httpServer.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		zlog.Info().Msg("shutting down gatewayd")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

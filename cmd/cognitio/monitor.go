package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cognitio/cognitio/internal/config"
	"github.com/cognitio/cognitio/internal/monitor"
	"github.com/cognitio/cognitio/internal/storage"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Start the session monitor service (foreground)",
	Long: `Start the session monitor service.

The monitor persists chat sessions, messages, and processing telemetry
reported by the daemon, and serves them back for inspection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMonitor()
	},
}

func runMonitor() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MonitorPort)
	srv := &http.Server{
		Addr: addr,
		Handler: monitor.NewHandler(monitor.Deps{
			Store:  store,
			Token:  cfg.Backend.Token,
			Logger: slog.Default(),
		}),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("monitor listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("monitor error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

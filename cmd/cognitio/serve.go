package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cognitio/cognitio/internal/backend"
	"github.com/cognitio/cognitio/internal/chat"
	"github.com/cognitio/cognitio/internal/completion"
	"github.com/cognitio/cognitio/internal/config"
	"github.com/cognitio/cognitio/internal/engine"
	"github.com/cognitio/cognitio/internal/registry"
	"github.com/cognitio/cognitio/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the cognitio chat daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running cognitio daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServe()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "cognitio.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func runServe() error {
	fmt.Fprintf(os.Stderr, "cognitio version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to start twice. The health probe catches a live daemon whose
	// PID file was lost.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("daemon already running (PID %d)", pid)
		}
		return fmt.Errorf("daemon already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.Default()
	defaultModel, err := reg.Resolve(cfg.Engine.DefaultModel)
	if err != nil {
		return fmt.Errorf("resolving default model: %w", err)
	}

	runtime := engine.NewOllamaRuntime(cfg.Engine.BaseURL)
	handle := engine.NewHandle(runtime, slog.Default())

	// The default model loads in the background while the HTTP surface
	// comes up. One delayed retry covers a runtime that is still booting;
	// after that the handle stays failed until a send or switch retries.
	go func() {
		if err := handle.Initialize(ctx, defaultModel); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("initial model load failed, retrying once", "model", defaultModel.ID, "error", err)
			select {
			case <-time.After(10 * time.Second):
			case <-ctx.Done():
				return
			}
			if err := handle.Initialize(ctx, defaultModel); err != nil {
				slog.Error("initial model load failed", "model", defaultModel.ID, "error", err)
			}
		}
	}()

	backendTimeout := 10 * time.Second
	if d, err := time.ParseDuration(cfg.Backend.Timeout); err == nil {
		backendTimeout = d
	} else {
		slog.Warn("invalid backend timeout, using default 10s", "value", cfg.Backend.Timeout, "error", err)
	}
	sync := backend.New(cfg.Backend.BaseURL, cfg.Backend.Token, backendTimeout, slog.Default())

	coordinator := completion.New(handle, defaultModel, cfg.Chat.StatusEvery, slog.Default())
	orchestrator := chat.New(coordinator, sync, handle, reg, chat.Options{
		SystemPrompt: cfg.Chat.SystemPrompt,
		Temperature:  cfg.Chat.Temperature,
		MaxTokens:    cfg.Chat.MaxTokens,
	}, slog.Default())

	// An initial session keeps first sends from failing when the sync
	// backend is reachable; without it clients create one explicitly.
	if _, err := orchestrator.StartSession(ctx, "New Chat"); err != nil {
		slog.Warn("could not create initial session", "error", err)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: server.NewHandler(orchestrator, cfg.Server.Token),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("cognitio listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		mcpSrv := server.NewMCPServer(orchestrator)
		slog.Info("MCP server started (stdio transport)")
		if err := server.ServeMCPStdio(gctx, mcpSrv, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		// Let queued telemetry drain before exit.
		if err := sync.Flush(shutdownCtx); err != nil {
			slog.Warn("telemetry not fully flushed", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func stopServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("cognitio is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop cognitio (PID %d): %v", pid, err)
		os.Remove(pidPath)
		return err
	}

	printSuccess("Sent stop signal to cognitio (PID %d)", pid)
	return nil
}

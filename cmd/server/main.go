package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"shepherdsdesk/internal/handlers"
	"shepherdsdesk/internal/orchestrator"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	addr := envOrDefault("APP_ADDR", ":8080")
	inputsDir := envOrDefault("INPUTS_DIR", "inputs")
	outputsDir := envOrDefault("OUTPUTS_DIR", "outputs")
	genCommand := envOrDefault("GEN_COMMAND", "python3 -u -m generator.orchestrate")
	genDir := envOrDefault("GEN_DIR", ".")
	genEnv := strings.Fields(os.Getenv("GEN_ENV"))
	patterns := strings.Fields(envOrDefault("OUTPUT_PATTERNS", "*.mp4"))
	outputsLimit := int(envInt64OrDefault("OUTPUTS_LIMIT", 10))
	tailLines := int(envInt64OrDefault("TAIL_LINES", int64(orchestrator.DefaultTailLines)))

	for _, dir := range []string{inputsDir, outputsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("failed to create directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	runner, err := orchestrator.NewRunner(logger, orchestrator.Config{
		Command: orchestrator.SplitCommand(genCommand),
		Dir:     genDir,
		Env:     genEnv,
	})
	if err != nil {
		logger.Error("invalid generation command", "error", err, "command", genCommand)
		os.Exit(1)
	}

	app := handlers.NewApp(logger, runner, handlers.Config{
		InputsDir:      inputsDir,
		OutputsDir:     outputsDir,
		OutputPatterns: patterns,
		OutputsLimit:   outputsLimit,
		TailLines:      tailLines,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.StartCleanupLoop(ctx, 30*time.Minute, 24*time.Hour)

	// WriteTimeout stays zero so websocket subscribers are not cut off
	// mid-run.
	srv := &http.Server{
		Addr:              addr,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("server started", "addr", addr, "pipeline", genCommand)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		_ = srv.Close()
	}
	logger.Info("server stopped")
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt64OrDefault(key string, fallback int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

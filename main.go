package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/raine/biocount/internal/capture"
	"github.com/raine/biocount/internal/config"
	"github.com/raine/biocount/internal/llm"
	"github.com/raine/biocount/internal/server"
	"github.com/raine/biocount/internal/session"
)

const (
	logFileName     = "biocount.log"
	shutdownTimeout = 10 * time.Second
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// Try to load existing config.env
	config.LoadEnvFile()

	if missing := config.MissingRequired(); len(missing) > 0 {
		if config.IsInteractiveTerminal() {
			if !config.RunSetupWizard() {
				config.WaitOnWindows()
				os.Exit(1)
			}
		} else {
			// Non-interactive (systemd, containers) - fail with clear error
			config.FatalWithWait("missing required config: %s", strings.Join(missing, ", "))
		}
	}

	cfg, err := config.Load()
	if err != nil {
		config.FatalWithWait("invalid config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		config.FatalWithWait("invalid config: %v", err)
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)

	// JOURNAL_STREAM is set by systemd when running as a service. Skip file
	// logging there; journald keeps the logs.
	if _, underSystemd := os.LookupEnv("JOURNAL_STREAM"); underSystemd {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			config.FatalWithWait("failed to open log file: %v", err)
		}
		defer logFile.Close()

		consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}
		fileWriter := zerolog.ConsoleWriter{Out: logFile, NoColor: true}
		log.Logger = log.Output(io.MultiWriter(consoleWriter, fileWriter))

		log.Info().Str("logFile", logFileName).Msg("logging to file")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gemini, err := llm.NewGeminiService(ctx, llm.GeminiOpts{
		APIKey:  cfg.GeminiAPIKey,
		Model:   cfg.GeminiModel,
		BaseURL: cfg.GeminiBaseURL,
	})
	if err != nil {
		config.FatalWithWait("failed to initialize gemini: %v", err)
	}
	log.Info().Str("model", gemini.Model()).Msg("gemini vision service initialized")

	store := session.NewStore(session.StoreOpts{
		Analyzer:        llm.NewAnalyzer(gemini),
		NewDevice:       deviceFactory(cfg),
		Constraints:     cfg.Constraints(),
		JPEGQuality:     cfg.JPEGQuality,
		AnalysisTimeout: cfg.AnalysisTimeout,
		IdleTimeout:     cfg.SessionIdleTimeout,
	})

	srv := server.New(server.Opts{
		Store:         store,
		Logger:        log.Logger,
		MaxFrameBytes: cfg.MaxFrameBytes,
		JPEGQuality:   cfg.JPEGQuality,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Str("camera", string(cfg.CameraSource)).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("stopping http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return store.Run(ctx)
	})

	err = g.Wait()
	store.Shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("shutdown with error")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}

// deviceFactory returns the camera for each new session. A snapshot camera is
// one physical device shared by every session; browser feeds are per session.
func deviceFactory(cfg *config.Config) func() capture.Device {
	if cfg.CameraSource == config.CameraSnapshot {
		dev := capture.Exclusive(capture.NewSnapshotDevice(capture.SnapshotOpts{
			URL:     cfg.SnapshotURL,
			MaxSize: cfg.MaxFrameBytes,
		}))
		return func() capture.Device { return dev }
	}
	return func() capture.Device { return capture.Exclusive(capture.NewFeed()) }
}

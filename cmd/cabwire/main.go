package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cabwire/cabwire/internal/agent"
	"github.com/cabwire/cabwire/internal/api"
	"github.com/cabwire/cabwire/internal/config"
	"github.com/cabwire/cabwire/internal/dispatch"
	"github.com/cabwire/cabwire/internal/fares"
	"github.com/cabwire/cabwire/internal/prompt"
	"github.com/cabwire/cabwire/internal/review"
	"github.com/cabwire/cabwire/internal/session"
	"github.com/cabwire/cabwire/internal/storage/sqlite"
	"github.com/cabwire/cabwire/internal/ws"
	"github.com/cabwire/cabwire/pkg/logger"
)

func main() {
	configPath := flag.String("config", "cabwire.toml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "cabwire: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting cabwire",
		logger.String("company", cfg.Telephony.CompanyName),
		logger.String("line", cfg.Telephony.LineName))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	db, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	historyStorage := sqlite.NewHistoryStorage(db, log)
	reviewStorage := sqlite.NewReviewStorage(db, log)

	// Downstream clients
	faresClient := fares.NewClient(cfg.Fares.BaseURL, cfg.Fares.APIKey, cfg.Fares.Timeout(), log)
	fallback := fares.FallbackEstimator{
		FlatFare:  cfg.Fares.FallbackFlatFare,
		PerKmFare: cfg.Fares.FallbackPerKmFare,
		Currency:  cfg.Fares.Currency,
	}
	dispatchClient := dispatch.NewClient(cfg.Dispatch.BaseURL, cfg.Dispatch.APIKey, cfg.Dispatch.BookingLinkURL, cfg.Dispatch.Timeout(), log)

	// Operator event feed
	wsServer := ws.NewServer(log)

	// Call sessions
	registry := session.NewRegistry(session.Deps{
		Fares:      faresClient,
		Fallback:   fallback,
		Dispatcher: dispatchClient,
		History:    historyStorage,
		Archive:    reviewStorage,
		Events:     wsServer,
		Config: session.Config{
			QuoteDeadline:        cfg.Fares.QuoteDeadline(),
			SanityCeiling:        cfg.Fares.SanityCeiling,
			CancelConfirmTimeout: time.Duration(cfg.Booking.CancelConfirmTimeoutSec) * time.Second,
			ResponseDrainTimeout: time.Duration(cfg.Booking.ResponseDrainTimeoutSec) * time.Second,
			FirstAudioTimeout:    time.Duration(cfg.Booking.FirstAudioTimeoutSec) * time.Second,
			AudioDrainTimeout:    time.Duration(cfg.Booking.AudioDrainTimeoutSec) * time.Second,
			ServiceTimeout:       cfg.Dispatch.Timeout(),
			CompanyName:          cfg.Telephony.CompanyName,
		},
		Logger: log,
	})

	// AI engine
	agentClient := agent.NewClient(cfg.Agent.OpenAIAPIKey, agent.SessionConfig{
		Model:             cfg.Agent.Model,
		Voice:             cfg.Agent.Voice,
		InputAudioFormat:  cfg.Agent.InputAudioFormat,
		OutputAudioFormat: cfg.Agent.OutputAudioFormat,
		Temperature:       cfg.Agent.Temperature,
		MaxResponseTokens: cfg.Agent.MaxResponseTokens,
		TurnDetectionType: cfg.Agent.TurnDetectionType,
		VADThreshold:      cfg.Agent.VADThreshold,
		SilenceDurationMs: cfg.Agent.SilenceDurationMs,
	}, time.Duration(cfg.Agent.TimeoutSeconds)*time.Second, log)

	renderer, err := prompt.NewRenderer(cfg.Telephony.CompanyName, cfg.Fares.Currency, log)
	if err != nil {
		return fmt.Errorf("failed to create prompt renderer: %w", err)
	}

	// Post-call review pipeline
	reviewer := review.NewOpenAIReviewer(cfg.Agent.OpenAIAPIKey, log)
	processor := review.NewProcessor(ctx, reviewStorage, reviewer, wsServer, review.Config{
		Enabled:         cfg.Review.Enabled,
		Model:           cfg.Review.Model,
		IntervalSeconds: cfg.Review.IntervalSeconds,
		BatchSize:       cfg.Review.BatchSize,
		TimeoutSeconds:  cfg.Review.TimeoutSeconds,
	}, log)
	if err := processor.Start(); err != nil {
		return fmt.Errorf("failed to start review processor: %w", err)
	}

	// HTTP server
	router := api.NewRouter(registry, agentClient, renderer, historyStorage, reviewStorage, wsServer, cfg, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Shutting down", logger.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	// Active callers get their sessions closed cleanly; anything already
	// dispatched stays dispatched.
	registry.EndAll("shutdown")
	processor.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown incomplete", logger.Error(err))
	}
	wsServer.Close()

	log.Info("Shutdown complete")
	return nil
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/ttsfx/internal/api"
	"github.com/bobarin/ttsfx/internal/config"
	"github.com/bobarin/ttsfx/internal/db"
	"github.com/bobarin/ttsfx/internal/logger"
	"github.com/bobarin/ttsfx/internal/pipeline"
	"github.com/bobarin/ttsfx/internal/queue"
	"github.com/bobarin/ttsfx/internal/services"
	"github.com/bobarin/ttsfx/internal/storage"
	"github.com/bobarin/ttsfx/internal/worker"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logger.Init(cfg.LogLevel, cfg.LogFormat)
	log.Info().Msg("Starting TTS FX API...")

	// TTS provider
	var tts services.TTSService
	switch cfg.TTSProvider {
	case config.ProviderOpenAI:
		tts = services.NewOpenAIService(cfg.OpenAIKey, cfg.OpenAITTSModel, cfg.SynthesisTimeout)
		log.Info().Str("model", cfg.OpenAITTSModel).Msg("TTS provider: OpenAI")
	default:
		tts = services.NewWyomingService(cfg.PiperHost, cfg.PiperPort, cfg.SynthesisTimeout)
		log.Info().Str("host", cfg.PiperHost).Str("port", cfg.PiperPort).Msg("TTS provider: Wyoming (Piper)")
	}

	sox, err := services.NewSoxService(cfg.SoxPath, cfg.MediaDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare media directory")
	}

	p := pipeline.New(tts, sox, pipeline.SettingsFrom(cfg))

	// Render history (optional)
	var renders api.RenderStore
	var recorder worker.RenderRecorder
	if cfg.DatabaseURL != "" {
		database, err := db.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer database.Close()
		renders, recorder = database, database
		log.Info().Msg("Connected to database")
	}

	// Artifact publishing (optional)
	var publisher worker.Publisher
	if cfg.PublishingEnabled() {
		publisher = storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket)
		log.Info().Str("bucket", cfg.SupabaseStorageBucket).Msg("Initialized Supabase storage")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// Async jobs (optional)
	var jobs api.JobStore
	if cfg.RedisURL != "" {
		q, err := queue.New(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to queue")
		}
		defer q.Close()
		jobs = q
		log.Info().Msg("Connected to Redis queue")

		if cfg.WorkerEnabled {
			log.Info().Msg("Worker enabled, starting background processing...")
			w := worker.New(q, p, recorder, publisher)
			g.Go(func() error {
				return w.Start(gctx, cfg.WorkerConcurrency)
			})
		}
	}

	handler := api.NewHandler(p, jobs, renders)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Info().Msg("API key authentication enabled")
	} else {
		log.Warn().Msg("No BACKEND_API_KEY set, /v1 is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server exited with error")
		return
	}
	log.Info().Msg("Server exited")
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/livecall/backend/internal/ai"
	"github.com/livecall/backend/internal/auth"
	"github.com/livecall/backend/internal/config"
	"github.com/livecall/backend/internal/dispatcher"
	"github.com/livecall/backend/internal/feedback"
	"github.com/livecall/backend/internal/hub"
	"github.com/livecall/backend/internal/metrics"
	"github.com/livecall/backend/internal/reconciler"
	"github.com/livecall/backend/internal/search"
	"github.com/livecall/backend/internal/storage"
	"github.com/livecall/backend/internal/webhooks"
	"github.com/livecall/backend/internal/windower"
	"github.com/livecall/backend/pkg/middleware"
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("log_level", cfg.LogLevel).
		Msg("starting livecall backend server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence for finished calls and transcripts
	store, err := storage.NewStore(ctx, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}

	// AI collaborator
	if cfg.OpenAIKey == "" {
		log.Warn().Msg("OPENAI_API_KEY not set, assistance calls will fail")
	}
	aiClient := ai.NewClient(cfg.OpenAIKey, cfg.ChatModel, cfg.EmbedModel, log.Logger)

	// Document search collaborator
	var searcher dispatcher.Searcher
	var searchCloser interface{ Close() }
	if cfg.DatabaseURL != "" {
		pg, err := search.NewPostgres(ctx, cfg.DatabaseURL, aiClient, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to document database")
		}
		searcher = pg
		searchCloser = pg
	} else {
		log.Warn().Msg("DATABASE_URL not set, document search disabled")
		searcher = search.NewNoopSearcher()
	}

	// Realtime hub
	h := hub.NewHub(log.Logger)

	// Feedback tracker feeding the re-rank
	tracker := feedback.NewTracker(log.Logger)

	// Assistance dispatcher
	disp := dispatcher.New(searcher, aiClient, tracker, h, dispatcher.Options{
		Timeout:         cfg.CollaboratorTimeout,
		SimilarityFloor: cfg.SimilarityFloor,
		MaxDocuments:    cfg.MaxDocuments,
		MinTurns:        cfg.MinWindowTurns,
		Cooldown:        cfg.SuggestionCooldown,
		Backlog:         cfg.DispatchBacklog,
	}, log.Logger)

	// Transcript windower feeding the dispatcher
	win := windower.New(disp, windower.Options{
		SilenceGap:    cfg.SilenceGap,
		MaxTurns:      cfg.MaxWindowTurns,
		SequenceGrace: cfg.SequenceGrace,
	}, log.Logger)

	// Call lifecycle reconciler
	rec := reconciler.New(h, win, disp, store, log.Logger)
	disp.SetTurnSource(rec)

	// JWKS for token verification when an OIDC issuer is configured
	if cfg.JWTIssuerURL != "" {
		if err := auth.InitJWKS(cfg.JWTIssuerURL); err != nil {
			log.Fatal().Err(err).Msg("failed to initialize JWKS")
		}
	}

	// HTTP surfaces
	wsHandler := hub.NewHandler(h, cfg, disp, log.Logger)
	webhookHandler := webhooks.NewHandler(rec, log.Logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Public routes
	r.Get("/health", healthHandler)
	r.Get("/metrics", metrics.Get().Handler)

	// Telephony callbacks and client call control (provider-authenticated upstream)
	r.Mount("/api", webhookHandler.Routes())

	// Authenticated realtime surface
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Get("/ws", wsHandler.ServeHTTP)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	if searchCloser != nil {
		searchCloser.Close()
	}

	log.Info().Msg("server stopped")
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"livecall-backend"}`)
}

// Package server wires the engine, stores, and HTTP surface together: which
// routes exist, what middleware guards them, and how the process starts and
// stops cleanly. All dependency assembly happens here, in one composition
// root, so the rest of the codebase only ever receives its collaborators.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/tessium/waitlist-engine/internal/cache"
	"github.com/tessium/waitlist-engine/internal/config"
	"github.com/tessium/waitlist-engine/internal/engine"
	"github.com/tessium/waitlist-engine/internal/handler"
	"github.com/tessium/waitlist-engine/internal/identity"
	"github.com/tessium/waitlist-engine/internal/middleware"
	"github.com/tessium/waitlist-engine/internal/model"
	"github.com/tessium/waitlist-engine/internal/realtime"
	"github.com/tessium/waitlist-engine/internal/store"
	"github.com/tessium/waitlist-engine/internal/store/sqlite"
)

// Server owns the router and every long-lived resource behind it. The db and
// redis connections are closed during graceful shutdown; the background
// loops (session registry, leaderboard poller) stop with the server context.
type Server struct {
	router *chi.Mux
	cfg    *config.Config
	logger *slog.Logger

	db     *sqlite.DB
	redis  *redis.Client // nil when Redis is unreachable; engine degrades
	events *identity.Broadcaster

	sessions *engine.Sessions
	ranker   *engine.Ranker
}

// New assembles the full dependency graph:
//
//	sqlite.DB → SubjectStore + AtomicStore
//	redis     → change feed, session snapshot slots, referral markers
//	PublishingStore wraps the atomic store so every write hits the feed
//	Sessions  → one engine (ticker, controller, dispatcher) per subject
//	handlers  → thin HTTP shells over the sessions and the ranker
//
// Redis being down is not fatal: the feed, snapshot cache, and markers all
// shield conveniences, so the server runs without them and only logs the loss.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	tokens, err := identity.NewTokenService(cfg.JWTSecret)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring session tokens: %w", err)
	}

	s := &Server{
		router: chi.NewRouter(),
		cfg:    cfg,
		logger: logger,
		db:     db,
		events: identity.NewBroadcaster(),
	}

	redisClient, err := cache.Connect(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logger.Warn("Redis unreachable, running without realtime feed and session cache",
			slog.String("addr", cfg.RedisAddr),
			slog.String("error", err.Error()),
		)
	} else {
		s.redis = redisClient
	}

	s.ranker = engine.NewRanker(db, cfg.RefreshInterval, logger)

	var (
		feed    engine.ChangeFeed
		storage func(subjectID string) engine.SnapshotStorage
		marks   engine.MarkStore
		atoms   = newRankKickingStore(db, s.ranker)
	)
	if s.redis != nil {
		f := realtime.NewFeed(s.redis, logger)
		feed = f
		storage = func(subjectID string) engine.SnapshotStorage {
			return cache.NewSnapshotStorage(s.redis, subjectID)
		}
		marks = cache.NewMarkStore(s.redis)
		atoms = realtime.NewPublishingStore(db, f, s.ranker)
	}

	s.sessions = engine.NewSessions(engine.SessionDeps{
		Subjects:   db,
		Atoms:      atoms,
		Feed:       feed,
		Storage:    storage,
		Marks:      marks,
		Clock:      engine.SystemClock,
		Logger:     logger,
		Controller: engine.DefaultControllerConfig(),
		Retry:      engine.DefaultRetryPolicy(),
	})

	s.setupRoutes(tokens)
	return s, nil
}

func (s *Server) setupRoutes(tokens *identity.TokenService) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))

	provider := identity.NewXProvider(s.cfg.XClientID, s.cfg.XClientSecret, s.cfg.XCallbackURL)

	authHandler := handler.NewAuthHandler(provider, tokens, s.sessions, s.events, s.logger)
	subjectHandler := handler.NewSubjectHandler(s.sessions, s.logger)
	actionHandler := handler.NewActionHandler(s.sessions, s.logger)
	lbHandler := handler.NewLeaderboardHandler(s.ranker, s.db, s.logger)

	s.router.Get("/auth/x/login", authHandler.HandleXLogin)
	s.router.Get("/auth/x/callback", authHandler.HandleXCallback)
	s.router.With(identity.OptionalAuth(tokens)).Post("/auth/logout", authHandler.HandleLogout)

	s.router.Route("/api", func(r chi.Router) {
		// Public routes. The leaderboard takes optional auth so a signed-in
		// subject gets their own row pinned below the window.
		r.Get("/tasks", subjectHandler.HandleTasks)
		r.With(identity.OptionalAuth(tokens)).Get("/leaderboard", lbHandler.HandleLeaderboard)
		r.Get("/waitlist/count", lbHandler.HandleWaitlistCount)

		r.Group(func(r chi.Router) {
			r.Use(identity.RequireAuth(tokens))
			r.Get("/me", subjectHandler.HandleMe)
			r.Post("/me/refresh", subjectHandler.HandleRefresh)
			r.Post("/tasks/{taskID}/complete", actionHandler.HandleCompleteTask)
			r.Post("/referral", actionHandler.HandleApplyReferral)
		})
	})
}

// Start runs the server until SIGINT/SIGTERM, then shuts down gracefully:
// stop accepting connections, drain in-flight requests, stop the background
// loops, and close the db and redis handles.
func (s *Server) Start() error {
	defer s.db.Close()
	if s.redis != nil {
		defer s.redis.Close()
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go s.sessions.Run(bgCtx, s.events)
	go s.ranker.Run(bgCtx)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.cfg.Port),
			slog.String("database", s.cfg.DBPath),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}

// Router exposes the configured router for httptest-based tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// rankKickingStore is the no-Redis fallback for the atomic store: no change
// feed to publish to, but the leaderboard poller still learns about writes
// immediately instead of waiting out its interval.
type rankKickingStore struct {
	store.AtomicStore
	ranker *engine.Ranker
}

func newRankKickingStore(atoms store.AtomicStore, ranker *engine.Ranker) store.AtomicStore {
	return &rankKickingStore{AtomicStore: atoms, ranker: ranker}
}

func (k *rankKickingStore) CompleteTask(ctx context.Context, subjectID, taskID string) (*model.Subject, error) {
	subject, err := k.AtomicStore.CompleteTask(ctx, subjectID, taskID)
	if err == nil {
		k.ranker.Kick()
	}
	return subject, err
}

func (k *rankKickingStore) ApplyReferral(ctx context.Context, subjectID, referralCode string) (*model.Subject, error) {
	subject, err := k.AtomicStore.ApplyReferral(ctx, subjectID, referralCode)
	if err == nil {
		k.ranker.Kick()
	}
	return subject, err
}

func (k *rankKickingStore) ConnectTwitter(ctx context.Context, subjectID, username, avatarURL string) (*model.Subject, error) {
	subject, err := k.AtomicStore.ConnectTwitter(ctx, subjectID, username, avatarURL)
	if err == nil {
		k.ranker.Kick()
	}
	return subject, err
}

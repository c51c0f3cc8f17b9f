// gemchat - chat backend server
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/gemchat/internal/agent"
	"github.com/ashureev/gemchat/internal/api"
	"github.com/ashureev/gemchat/internal/chat"
	"github.com/ashureev/gemchat/internal/config"
	"github.com/ashureev/gemchat/internal/identity"
	"github.com/ashureev/gemchat/internal/metrics"
	"github.com/ashureev/gemchat/internal/middleware"
	"github.com/ashureev/gemchat/internal/store"
	"github.com/ashureev/gemchat/internal/workspace"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "store", cfg.StoreDriver, "generator", cfg.Generator)

	docs, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := docs.Close(); closeErr != nil {
			slog.Error("Failed to close store", "error", closeErr)
		}
	}()
	if err := docs.Ping(context.Background()); err != nil {
		return err
	}
	slog.Info("Document store connected", "driver", cfg.StoreDriver)

	backend, err := openBackend(cfg, logger)
	if err != nil {
		return err
	}
	generator := agent.NewService(backend, cfg.CommandTimeout, logger)
	defer generator.Close()

	transcript, err := chat.NewConversationLogger(chat.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := transcript.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	var mailer identity.Mailer = &identity.LogMailer{Logger: logger, BaseURL: cfg.FrontendURL}
	if cfg.SMTP.Addr != "" {
		mailer = identity.NewSMTPMailer(cfg.SMTP.Addr, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From, cfg.FrontendURL)
	}

	var newFederated func() identity.FederatedSignIn
	if cfg.FederatedEnabled() {
		newFederated = func() identity.FederatedSignIn {
			return identity.NewGoogleSignIn(cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
		}
		slog.Info("Google sign-in enabled", "redirect_url", cfg.GoogleRedirectURL)
	}

	reg := workspace.NewRegistry(workspace.Config{
		Store:          docs,
		Directory:      identity.NewDirectory(docs),
		Mailer:         mailer,
		Generator:      generator,
		Transcript:     transcript,
		NewFederated:   newFederated,
		GoogleClientID: cfg.GoogleClientID,
		CommandTimeout: cfg.CommandTimeout,
		Logger:         logger,
	})
	defer reg.Close()

	secret, err := sessionSecret(cfg)
	if err != nil {
		return err
	}
	tokens := identity.NewClientTokens(secret)

	handler := api.NewHandler(reg, docs, api.Options{
		FrontendURL:        cfg.FrontendURL,
		FederatedEnabled:   cfg.FederatedEnabled(),
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Logger:             logger,
	})
	stream := api.NewStreamHandler(reg, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(middleware.Origins(cfg.FrontendURL, cfg.IsDevelopment()), identity.ClientHeaderName))

	r.Handle("/metrics", metrics.Handler())

	// Everything else is scoped to a client.
	r.Group(func(r chi.Router) {
		r.Use(tokens.Middleware(cfg.IsDevelopment()))
		handler.RegisterRoutes(r)
		r.Get("/ws", stream.ServeHTTP)
	})

	// WriteTimeout stays 0 so WebSocket streams are not cut off.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return workspace.RunTTLWorker(gctx, reg, cfg.ClientTTL, 0)
	})
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(cfg *config.Config) (store.DocumentStore, error) {
	switch cfg.StoreDriver {
	case config.StorePebble:
		return store.NewPebble(cfg.PebbleDir)
	default:
		return store.NewSQLite(cfg.DBPath)
	}
}

func openBackend(cfg *config.Config, logger *slog.Logger) (agent.Backend, error) {
	switch cfg.Generator {
	case config.GeneratorGRPC:
		slog.Info("Connecting to model sidecar via gRPC", "address", cfg.AgentAddr)
		return agent.NewGrpcClient(cfg.AgentAddr, logger)
	default:
		return agent.NewGeminiClient(agent.GeminiConfig{
			APIKey:  cfg.GeminiAPIKey,
			BaseURL: cfg.GeminiBaseURL,
			Model:   cfg.GeminiModel,
		}, logger)
	}
}

// sessionSecret returns the configured signing secret. Development servers
// without one get a random secret, so client tokens do not survive restarts.
func sessionSecret(cfg *config.Config) ([]byte, error) {
	if cfg.SessionSecret != "" {
		return []byte(cfg.SessionSecret), nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	slog.Warn("SESSION_SECRET not set, using an ephemeral secret")
	return secret, nil
}

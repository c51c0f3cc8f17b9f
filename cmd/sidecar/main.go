// gemchat-sidecar serves the Gemini backend over gRPC so several servers can
// share one model credential.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/gemchat/internal/agent"
	"github.com/ashureev/gemchat/internal/config"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("Sidecar failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// The sidecar always talks to Gemini itself.
	if err := os.Setenv("GENERATOR", config.GeneratorGemini); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	gemini, err := agent.NewGeminiClient(agent.GeminiConfig{
		APIKey:  cfg.GeminiAPIKey,
		BaseURL: cfg.GeminiBaseURL,
		Model:   cfg.GeminiModel,
	}, logger)
	if err != nil {
		return err
	}
	svc := agent.NewService(gemini, cfg.CommandTimeout, logger)
	defer svc.Close()

	lis, err := net.Listen("tcp", cfg.AgentAddr)
	if err != nil {
		return err
	}
	srv := grpc.NewServer(grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
		MinTime:             time.Minute,
		PermitWithoutStream: false,
	}))
	agent.RegisterGeneratorServer(srv, agent.GeneratorAdapter{Gen: svc})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Sidecar listening", "addr", lis.Addr().String(), "model", cfg.GeminiModel)
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Sidecar shutting down")
		srv.GracefulStop()
		return nil
	})
	return g.Wait()
}

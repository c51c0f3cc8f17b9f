package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/gemchat/internal/metrics"
)

// Service fronts a Backend with metrics, logging and a per-call timeout.
type Service struct {
	backend Backend
	timeout time.Duration
	logger  *slog.Logger
}

// NewService wraps backend. A zero timeout leaves deadlines to the caller.
func NewService(backend Backend, timeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: backend, timeout: timeout, logger: logger}
}

// Generate implements Generator.
func (s *Service) Generate(ctx context.Context, prompt string) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := time.Now()
	text, err := s.backend.Generate(ctx, prompt)
	metrics.RecordGeneration(s.backend.Name(), started, err)
	if err != nil {
		s.logger.Warn("Generation failed", "backend", s.backend.Name(), "duration", time.Since(started), "error", err)
		return "", err
	}
	s.logger.Debug("Generation complete",
		"backend", s.backend.Name(),
		"duration", time.Since(started),
		"prompt_length", len(prompt),
		"reply_length", len(text),
	)
	return text, nil
}

// Close releases the backend.
func (s *Service) Close() {
	if s.backend != nil {
		s.backend.Close()
	}
}

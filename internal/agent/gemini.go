package agent

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/gemchat/internal/domain"
	"github.com/sashabaranov/go-openai"
)

const (
	// DefaultGeminiBaseURL is Gemini's OpenAI-compatible endpoint.
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
	// DefaultGeminiModel is the model used when none is configured.
	DefaultGeminiModel = "gemini-1.5-pro"
)

// GeminiConfig holds the Gemini client configuration.
type GeminiConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
	RetryBase  time.Duration
	HTTPClient *http.Client
}

// GeminiClient generates replies with Gemini.
type GeminiClient struct {
	client *openai.Client
	cfg    GeminiConfig
	logger *slog.Logger
}

// NewGeminiClient creates a Gemini client.
func NewGeminiClient(cfg GeminiConfig, logger *slog.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGeminiBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}

	logger.Info("Gemini client initialized", "model", cfg.Model, "base_url", cfg.BaseURL)
	return &GeminiClient{
		client: openai.NewClientWithConfig(clientConfig),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Name implements Backend.
func (c *GeminiClient) Name() string { return "gemini" }

// Close implements Backend.
func (c *GeminiClient) Close() {}

// Generate sends prompt as a single user message.
func (c *GeminiClient) Generate(ctx context.Context, prompt string) (string, error) {
	var result string
	err := c.doWithRetry(ctx, func() error {
		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.cfg.Model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return domain.ErrEmptyResponse
		}
		result = resp.Choices[0].Message.Content
		return nil
	})
	if errors.Is(err, domain.ErrEmptyResponse) {
		// An empty reply is rendered as the fallback text by the conversation.
		return "", nil
	}
	if err != nil {
		return "", apiErrorDetail(err)
	}
	return result, nil
}

// doWithRetry retries transient failures with exponential backoff.
func (c *GeminiClient) doWithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
		if attempt == c.cfg.MaxRetries-1 {
			break
		}
		wait := c.cfg.RetryBase << attempt
		c.logger.Debug("Gemini request failed, retrying", "attempt", attempt+1, "wait_time", wait, "error", lastErr)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	return false
}

// apiErrorDetail keeps the provider's message so it can be shown to users.
func apiErrorDetail(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return errors.New(apiErr.Message)
	}
	return err
}

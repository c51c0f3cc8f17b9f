// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StorePebble = "pebble"
)

// Generator backends.
const (
	GeneratorGemini = "gemini"
	GeneratorGRPC   = "grpc"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string

	StoreDriver string
	DBPath      string
	PebbleDir   string

	Generator     string
	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string
	AgentAddr     string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	SessionSecret      string
	ClientTTL          time.Duration
	CommandTimeout     time.Duration
	RateLimitPerMinute int

	SMTP            SMTPConfig
	ConversationLog ConversationLogConfig
}

// SMTPConfig configures password reset mail. An empty Addr logs reset links
// instead of sending them.
type SMTPConfig struct {
	Addr     string
	Username string
	Password string
	From     string
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads .env, then the YAML file named by GEMCHAT_CONFIG if any, then
// environment variables. Environment variables win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	src := source{}
	if path := os.Getenv("GEMCHAT_CONFIG"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}

	cfg := src.build()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// readFile parses a flat YAML mapping whose keys are the environment
// variable names, e.g. "PORT: 8080".
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

type source struct {
	file map[string]string
}

func (s source) build() *Config {
	queueSize := s.getInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	return &Config{
		Port:        s.get("PORT", "8080"),
		FrontendURL: s.get("FRONTEND_URL", ""),

		StoreDriver: strings.ToLower(s.get("STORE_DRIVER", StoreSQLite)),
		DBPath:      s.get("DB_PATH", "./data/gemchat.db"),
		PebbleDir:   s.get("PEBBLE_DIR", "./data/pebble"),

		Generator:     strings.ToLower(s.get("GENERATOR", GeneratorGemini)),
		GeminiAPIKey:  s.get("GEMINI_API_KEY", ""),
		GeminiModel:   s.get("GEMINI_MODEL", "gemini-1.5-pro"),
		GeminiBaseURL: s.get("GEMINI_BASE_URL", ""),
		AgentAddr:     s.get("AGENT_ADDR", "localhost:50051"),

		GoogleClientID:     s.get("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: s.get("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  s.get("GOOGLE_REDIRECT_URL", ""),

		SessionSecret:      s.get("SESSION_SECRET", ""),
		ClientTTL:          s.getDuration("CLIENT_TTL", 60*time.Minute),
		CommandTimeout:     s.getDuration("COMMAND_TIMEOUT", 60*time.Second),
		RateLimitPerMinute: s.getInt("RATE_LIMIT_PER_MINUTE", 20),

		SMTP: SMTPConfig{
			Addr:     s.get("SMTP_ADDR", ""),
			Username: s.get("SMTP_USERNAME", ""),
			Password: s.get("SMTP_PASSWORD", ""),
			From:     s.get("SMTP_FROM", "no-reply@gemchat.local"),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       s.getBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           s.get("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: s.getBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    s.get("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.StoreDriver {
	case StoreSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case StorePebble:
		if c.PebbleDir == "" {
			return fmt.Errorf("PEBBLE_DIR cannot be empty")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreSQLite, StorePebble, c.StoreDriver)
	}
	switch c.Generator {
	case GeneratorGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when GENERATOR=%s", GeneratorGemini)
		}
	case GeneratorGRPC:
		if c.AgentAddr == "" {
			return fmt.Errorf("AGENT_ADDR is required when GENERATOR=%s", GeneratorGRPC)
		}
	default:
		return fmt.Errorf("GENERATOR must be %q or %q, got %q", GeneratorGemini, GeneratorGRPC, c.Generator)
	}
	if c.GoogleClientID != "" && (c.GoogleClientSecret == "" || c.GoogleRedirectURL == "") {
		return fmt.Errorf("GOOGLE_CLIENT_SECRET and GOOGLE_REDIRECT_URL are required with GOOGLE_CLIENT_ID")
	}
	if !c.IsDevelopment() && len(c.SessionSecret) < 32 {
		return fmt.Errorf("SESSION_SECRET must be at least 32 bytes outside development")
	}
	if c.ClientTTL <= 0 {
		return fmt.Errorf("CLIENT_TTL must be > 0")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("COMMAND_TIMEOUT must be > 0")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// FederatedEnabled reports whether Google sign-in is configured.
func (c *Config) FederatedEnabled() bool {
	return c.GoogleClientID != ""
}

func (s source) get(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	if value, ok := s.file[key]; ok {
		return value
	}
	return fallback
}

func (s source) getBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(s.get(key, ""))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func (s source) getInt(key string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s.get(key, "")))
	if err != nil {
		return fallback
	}
	return n
}

func (s source) getDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s.get(key, "")))
	if err != nil {
		return fallback
	}
	return d
}

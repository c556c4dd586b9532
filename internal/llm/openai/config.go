package openai

import (
	"log/slog"
	"net/http"
	"time"
)

// Config for an OpenAI-compatible chat completions account.
type Config struct {
	Name    string // provider label used in logs and errors, e.g. "openai" or "deepseek"
	APIKey  string
	BaseURL string // default https://api.openai.com/v1
	Timeout time.Duration
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("provider", cfg.Name),
	}
}

func (c *Client) Name() string { return c.cfg.Name }

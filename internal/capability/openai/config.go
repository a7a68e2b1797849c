package openai

import (
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Config for the OpenAI-compatible client.
type Config struct {
	APIKey        string        // if empty, falls back to env OPENAI_API_KEY
	BaseURL       string        // default https://api.openai.com/v1
	Model         string        // vision-capable model for extraction and verification
	LiteModel     string        // cheaper model for verify_answer_lite; defaults to Model
	Temperature   float32       // 0..2
	Timeout       time.Duration // http client timeout
	TokensPerUnit int64         // billed tokens per cost unit
	MaxImageMB    int
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.LiteModel == "" {
		cfg.LiteModel = cfg.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.TokensPerUnit <= 0 {
		cfg.TokensPerUnit = 100
	}
	if cfg.MaxImageMB <= 0 {
		cfg.MaxImageMB = 15
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

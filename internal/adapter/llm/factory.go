package llm

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	ProviderMock   = "mock"
	ProviderOpenAI = "openai"
)

// Config selects and configures a model provider.
type Config struct {
	Provider string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
}

// New creates the model for cfg.Provider.
func New(cfg Config, logger *slog.Logger) (Model, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderMock:
		logger.Info("using mock model")
		return NewMockClient(), nil
	case ProviderOpenAI:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("llm.base_url is required for provider %s", cfg.Provider)
		}
		logger.Info("using OpenAI-compatible model", slog.String("base_url", cfg.BaseURL))
		return NewClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// Package llm provides clients for stateless single-turn inference
// endpoints. Output is returned as raw text; callers must not trust it to
// follow any requested format.
package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Client runs a model over a conversation and returns its text output.
type Client interface {
	Run(ctx context.Context, req Request) (string, error)
}

// Provider names.
const (
	ProviderWorkersAI = "workersai"
	ProviderOllama    = "ollama"
)

// Config selects and configures a provider.
type Config struct {
	Provider  string
	BaseURL   string
	AccountID string
	APIToken  string
	Timeout   time.Duration

	// RequestsPerSecond paces calls; zero disables pacing.
	RequestsPerSecond float64
	Burst             int

	// BreakerFailures consecutive failures open the circuit for
	// BreakerCooldown. Zero disables the breaker.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// NewClient builds the configured provider wrapped in pacing and a circuit
// breaker.
func NewClient(cfg Config, log *zap.Logger) (Client, error) {
	var c Client
	switch cfg.Provider {
	case ProviderWorkersAI, "":
		if cfg.AccountID == "" || cfg.APIToken == "" {
			return nil, fmt.Errorf("workersai provider requires account id and api token")
		}
		c = NewWorkersAIClient(cfg.BaseURL, cfg.AccountID, cfg.APIToken, cfg.Timeout)
	case ProviderOllama:
		c = NewOllamaClient(cfg.BaseURL, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}

	name := cfg.Provider
	if name == "" {
		name = ProviderWorkersAI
	}
	return NewGuarded(c, name, cfg, log), nil
}

// Package provider abstracts the chat LLMs mining can consult. Each
// implementation is a thin JSON-over-HTTP client; none of them stream.
// "heuristic" is the always-available floor that makes mining degrade to
// pattern extraction instead of failing.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	chatTimeout  = 30 * time.Second
	localTimeout = 60 * time.Second
)

var (
	// ErrNoChat marks the heuristic provider: callers fall back to pattern
	// extraction instead of treating it as a failure.
	ErrNoChat = errors.New("provider: heuristic provider has no chat")
	// ErrMissingKey means the provider needs an API key that is not set.
	ErrMissingKey = errors.New("provider: api key missing")
	// ErrUnknown means the requested provider id does not exist.
	ErrUnknown = errors.New("provider: unknown provider id")
)

// Provider sends one prompt and returns the model's text reply.
type Provider interface {
	Name() string
	// Available reports whether Chat can be served right now. Local
	// providers probe the server and check the model is actually pulled;
	// hosted ones only verify credentials exist.
	Available(ctx context.Context) error
	Chat(ctx context.Context, prompt string) (string, error)
}

// Config carries the credentials and endpoints for every provider so the
// factory can build any of them on demand.
type Config struct {
	OpenAIKey      string
	OpenAIModel    string
	AnthropicKey   string
	AnthropicModel string
	OllamaURL      string
	OllamaModel    string
}

// New builds the provider with the given id. An empty id means heuristic.
func New(id string, cfg Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(id)) {
	case "openai":
		return NewOpenAI(cfg.OpenAIKey, cfg.OpenAIModel), nil
	case "anthropic":
		return NewAnthropic(cfg.AnthropicKey, cfg.AnthropicModel), nil
	case "ollama", "local":
		return NewOllama(cfg.OllamaURL, cfg.OllamaModel), nil
	case "heuristic", "":
		return Heuristic{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknown, id)
	}
}

// Detect picks the best usable provider: configured API keys win over a
// local server, and heuristic is the floor when nothing answers.
func Detect(ctx context.Context, cfg Config) Provider {
	for _, id := range []string{"openai", "anthropic", "ollama"} {
		p, err := New(id, cfg)
		if err != nil {
			continue
		}
		if p.Available(ctx) == nil {
			return p
		}
	}
	return Heuristic{}
}

// Heuristic is the no-LLM provider. Chat always fails with ErrNoChat.
type Heuristic struct{}

func (Heuristic) Name() string { return "heuristic" }

func (Heuristic) Available(context.Context) error { return nil }

func (Heuristic) Chat(context.Context, string) (string, error) {
	return "", ErrNoChat
}

// chatMessage is the role+content pair shared by the OpenAI-style APIs.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Package inference wraps the three model calls the system depends on:
// feedback classification, text embedding and free text generation.
package inference

import (
	"context"
	"fmt"
	"strings"
)

// Client is the inference boundary. Classify returns the raw model output;
// callers are responsible for parsing it leniently.
type Client interface {
	Classify(ctx context.Context, message string) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	Generate(ctx context.Context, prompt string) (string, error)
}

// Backend names accepted by New.
const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"
)

// Config selects and configures a backend.
type Config struct {
	Backend    string
	BaseURL    string
	ChatModel  string
	EmbedModel string
	APIKey     string
}

// New builds the Client named by cfg.Backend. An empty backend means Ollama.
func New(cfg Config) (Client, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendOllama:
		return NewOllama(cfg.BaseURL, cfg.ChatModel, cfg.EmbedModel), nil
	case BackendOpenAI:
		return NewOpenAI(cfg)
	default:
		return nil, fmt.Errorf("unknown inference backend %q (want %s or %s)", cfg.Backend, BackendOllama, BackendOpenAI)
	}
}

const classifySystemPrompt = "You are a helpful API that returns strict JSON."

// classifyPrompt embeds the feedback message in the fixed classification
// instruction.
func classifyPrompt(message string) string {
	return `Analyze the following user feedback.
Return ONLY a JSON object with these fields:
- sentiment: "positive", "negative", "neutral" or "question"
- is_security_risk: boolean (true if it mentions hacking, data leaks, or security)
- category: One word summary (e.g. Bug, UI, Billing, Feature)

Feedback: "` + message + `"`
}

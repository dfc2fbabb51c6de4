package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrChatUnsupported is returned by embedding-only providers.
var ErrChatUnsupported = errors.New("llm: provider does not support chat")

// Provider is the interface for LLM interactions.
type Provider interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Embed generates embeddings for a batch of texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Streamer is implemented by providers that can stream chat tokens.
type Streamer interface {
	// ChatStream sends a chat request and calls fn with each content delta
	// as it arrives. A non-nil error from fn aborts the stream.
	ChatStream(ctx context.Context, req ChatRequest, fn func(delta string) error) error
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// ResponseFormat can be set to "json_object" for JSON mode.
	ResponseFormat string `json:"response_format,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Config configures an LLM provider.
type Config struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, openai, deepseek, hugot, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`

	// Timeout bounds a single HTTP request. Zero means 120s.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// RequestsPerSecond throttles outgoing requests when positive.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	// ModelDir is where the hugot provider caches downloaded models.
	ModelDir string `json:"model_dir" yaml:"model_dir"`
}

// NewProvider creates an LLM provider from configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllama(cfg), nil
	case "openai":
		return NewOpenAI(cfg), nil
	case "deepseek":
		return NewDeepSeek(cfg), nil
	case "hugot":
		return NewHugot(cfg), nil
	case "custom":
		return NewOpenAICompat(cfg), nil
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}

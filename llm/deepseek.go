package llm

import "context"

// deepseekProvider implements Provider for DeepSeek's OpenAI-compatible
// chat API. DeepSeek serves no embedding models.
type deepseekProvider struct {
	base openAICompatClient
}

// NewDeepSeek creates a provider for DeepSeek.
func NewDeepSeek(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.deepseek.com"
	}
	if cfg.Model == "" {
		cfg.Model = "deepseek-chat"
	}
	return &deepseekProvider{base: newOpenAICompatClient(cfg)}
}

func (p *deepseekProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *deepseekProvider) ChatStream(ctx context.Context, req ChatRequest, fn func(string) error) error {
	return p.base.chatStream(ctx, req, fn)
}

func (p *deepseekProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}

package llm

import "context"

// openAIProvider implements Provider for the OpenAI API.
// Uses the standard OpenAI-compatible format for chat, embeddings, and
// audio transcription.
//
// Supported embedding models:
//
//	text-embedding-3-small  (1536 dim)  — default
//	text-embedding-3-large  (3072 dim)
//	text-embedding-ada-002  (1536 dim)
//
// API key: set via config or the OPENAI_API_KEY env var.
type openAIProvider struct {
	base openAICompatClient
}

// NewOpenAI creates a provider for OpenAI.
func NewOpenAI(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return &openAIProvider{base: newOpenAICompatClient(cfg)}
}

func (p *openAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *openAIProvider) ChatStream(ctx context.Context, req ChatRequest, fn func(string) error) (*ChatResponse, error) {
	return p.base.chatStream(ctx, req, fn)
}

func (p *openAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}

func (p *openAIProvider) ChatWithImages(ctx context.Context, req VisionChatRequest) (*ChatResponse, error) {
	return p.base.chatWithImages(ctx, req)
}

func (p *openAIProvider) Transcribe(ctx context.Context, path string) (string, error) {
	return p.base.transcribe(ctx, path)
}

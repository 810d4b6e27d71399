package provider

import (
	"context"
	"fmt"

	"github.com/ike1112/rag-project/config"
)

// Message is one turn of a chat completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is the interface every LLM backend must satisfy. Gemini is
// reached through its OpenAI-compatible endpoint, so one implementation
// covers both vendors.
type Provider interface {
	// Chat runs a completion and returns the text plus token usage.
	Chat(ctx context.Context, model string, msgs []Message) (string, int64, int64, error)
	// ChatStream runs a streaming completion, invoking fn for every
	// delta as it arrives. Returning an error from fn aborts the stream.
	ChatStream(ctx context.Context, model string, msgs []Message, fn func(delta string) error) error
	// Embed returns one vector per input text plus prompt token usage.
	Embed(ctx context.Context, model string, texts []string) ([][]float32, int64, error)
}

// Registry resolves routing keys (chat, condense, judge, dataset,
// embedding) to a configured provider and model.
type Registry struct {
	routing   config.LLMRoutingConfig
	providers map[string]Provider        // model key -> provider
	models    map[string]config.LLMModel // model key -> model config
}

// NewRegistry builds one client per configured provider and indexes
// every declared model key.
func NewRegistry(cfg config.LLMConfig) (*Registry, error) {
	r := &Registry{
		routing:   cfg.Routing,
		providers: make(map[string]Provider),
		models:    make(map[string]config.LLMModel),
	}
	for name, pc := range cfg.Providers {
		switch pc.Type {
		case "", "openai":
		default:
			return nil, fmt.Errorf("unsupported LLM provider type: %s", pc.Type)
		}
		client := NewOpenAIProvider(pc)
		for key, model := range pc.Models {
			if _, exists := r.models[key]; exists {
				return nil, fmt.Errorf("model %q declared by more than one provider (%s)", key, name)
			}
			r.providers[key] = client
			r.models[key] = model
		}
	}
	return r, nil
}

func (r *Registry) Routing() config.LLMRoutingConfig { return r.routing }

func (r *Registry) lookup(model string) (Provider, error) {
	p, ok := r.providers[model]
	if !ok {
		if fb := r.routing.Fallback; fb != "" && fb != model {
			if p, ok = r.providers[fb]; ok {
				return p, nil
			}
		}
		return nil, fmt.Errorf("model %q not configured", model)
	}
	return p, nil
}

func (r *Registry) Chat(ctx context.Context, model string, msgs []Message) (string, int64, int64, error) {
	p, err := r.lookup(model)
	if err != nil {
		return "", 0, 0, err
	}
	return p.Chat(ctx, model, msgs)
}

func (r *Registry) ChatStream(ctx context.Context, model string, msgs []Message, fn func(delta string) error) error {
	p, err := r.lookup(model)
	if err != nil {
		return err
	}
	return p.ChatStream(ctx, model, msgs, fn)
}

func (r *Registry) Embed(ctx context.Context, model string, texts []string) ([][]float32, int64, error) {
	p, err := r.lookup(model)
	if err != nil {
		return nil, 0, err
	}
	return p.Embed(ctx, model, texts)
}

// CostOf prices a call from the per-model config. Unknown models cost
// zero rather than failing the caller.
func (r *Registry) CostOf(model string, inputTokens, outputTokens int64) float64 {
	m, ok := r.models[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*m.CostPer1K + float64(outputTokens)/1000*m.CostPer1KOutput
}

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/ike1112/rag-project/config"
)

// OpenAIProvider talks to any endpoint speaking the OpenAI REST API,
// including Gemini's openai/ compatibility surface.
type OpenAIProvider struct {
	config config.LLMProvider
	models map[string]config.LLMModel
	client *http.Client
}

// NewOpenAIProvider creates a new OpenAI-compatible provider
func NewOpenAIProvider(cfg config.LLMProvider) *OpenAIProvider {
	return &OpenAIProvider{
		config: cfg,
		models: cfg.Models,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *OpenAIProvider) apiKey() string {
	key := p.config.APIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	return key
}

func (p *OpenAIProvider) baseURL() string {
	base := p.config.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return strings.TrimSuffix(base, "/")
}

func (p *OpenAIProvider) resolveModel(model string) (config.LLMModel, string, error) {
	m, ok := p.models[model]
	if !ok {
		return config.LLMModel{}, "", fmt.Errorf("model %s not configured", model)
	}
	apiModel := m.APIName
	if apiModel == "" {
		apiModel = m.Name
	}
	return m, apiModel, nil
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Chat runs a completion and returns the text plus token usage
func (p *OpenAIProvider) Chat(ctx context.Context, model string, msgs []Message) (string, int64, int64, error) {
	apiKey := p.apiKey()
	if apiKey == "" {
		return "", 0, 0, fmt.Errorf("API key not configured")
	}
	m, apiModel, err := p.resolveModel(model)
	if err != nil {
		return "", 0, 0, err
	}

	body, err := json.Marshal(chatRequest{
		Model:       apiModel,
		Messages:    msgs,
		Temperature: m.Temperature,
		MaxTokens:   m.MaxTokens,
	})
	if err != nil {
		return "", 0, 0, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL()+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return "", 0, 0, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", 0, 0, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, 0, fmt.Errorf("chat completion status %d", resp.StatusCode)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, 0, fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", 0, 0, fmt.Errorf("no choices")
	}

	return out.Choices[0].Message.Content, int64(out.Usage.PromptTokens), int64(out.Usage.CompletionTokens), nil
}

// ChatStream runs a streaming completion. The endpoint answers with
// server-sent events; each data line carries one delta until [DONE].
func (p *OpenAIProvider) ChatStream(ctx context.Context, model string, msgs []Message, fn func(delta string) error) error {
	apiKey := p.apiKey()
	if apiKey == "" {
		return fmt.Errorf("API key not configured")
	}
	m, apiModel, err := p.resolveModel(model)
	if err != nil {
		return err
	}

	body, err := json.Marshal(chatRequest{
		Model:       apiModel,
		Messages:    msgs,
		Temperature: m.Temperature,
		MaxTokens:   m.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL()+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chat stream status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			if payload == "[DONE]" {
				return nil
			}
			continue
		}
		var event struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return fmt.Errorf("decode stream event: %w", err)
		}
		if len(event.Choices) == 0 {
			continue
		}
		if delta := event.Choices[0].Delta.Content; delta != "" {
			if err := fn(delta); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

// Embed generates embeddings for the given texts
func (p *OpenAIProvider) Embed(ctx context.Context, model string, texts []string) ([][]float32, int64, error) {
	if len(texts) == 0 {
		return nil, 0, nil
	}
	apiKey := p.apiKey()
	if apiKey == "" {
		return nil, 0, fmt.Errorf("API key not configured")
	}
	_, apiModel, err := p.resolveModel(model)
	if err != nil {
		return nil, 0, err
	}

	body, err := json.Marshal(map[string]interface{}{
		"model": apiModel,
		"input": texts,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL()+"/embeddings", bytes.NewBuffer(body))
	if err != nil {
		return nil, 0, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("embeddings status %d", resp.StatusCode)
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, 0, fmt.Errorf("decode: %w", err)
	}
	if len(out.Data) != len(texts) {
		return nil, 0, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(out.Data))
	}

	vecs := make([][]float32, len(out.Data))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, 0, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, int64(out.Usage.PromptTokens), nil
}

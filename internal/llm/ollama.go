package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const DefaultOllamaURL = "http://localhost:11434"

// OllamaBackend calls a local Ollama server's chat endpoint.
type OllamaBackend struct {
	endpoint   string
	model      string
	options    ollamaOptions
	httpClient *http.Client
}

func NewOllamaBackend(endpoint, model string) *OllamaBackend {
	if endpoint == "" {
		endpoint = DefaultOllamaURL
	}
	return &OllamaBackend{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		options: ollamaOptions{
			Temperature: defaultTemperature,
			NumPredict:  defaultMaxTokens,
			NumCtx:      2048,
		},
		httpClient: &http.Client{},
	}
}

func (b *OllamaBackend) Name() string  { return ProviderOllama }
func (b *OllamaBackend) Model() string { return b.model }

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
	NumCtx      int     `json:"num_ctx"`
}

type ollamaChatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	Options   ollamaOptions `json:"options"`
	KeepAlive string        `json:"keep_alive,omitempty"`
}

type ollamaChatResponse struct {
	Message chatMessage `json:"message"`
	Error   string      `json:"error,omitempty"`
}

func (b *OllamaBackend) Complete(ctx context.Context, system, prompt string) (string, error) {
	return b.chat(ctx, ollamaChatRequest{
		Model:    b.model,
		Messages: messages(system, prompt),
		Options:  b.options,
	})
}

// WarmUp sends a one-token request so the server keeps the model loaded for keepAlive.
func (b *OllamaBackend) WarmUp(ctx context.Context, keepAlive string) error {
	opts := b.options
	opts.NumPredict = 1
	_, err := b.chat(ctx, ollamaChatRequest{
		Model:     b.model,
		Messages:  messages("", "ping"),
		Options:   opts,
		KeepAlive: keepAlive,
	})
	return err
}

func (b *OllamaBackend) chat(ctx context.Context, payload ollamaChatRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama error: %s", out.Error)
	}
	return strings.TrimSpace(out.Message.Content), nil
}

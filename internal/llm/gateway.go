package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

var (
	ErrEmptyResponse = errors.New("empty response from model")
	ErrNoJSON        = errors.New("no JSON object in model response")
	ErrCircuitOpen   = errors.New("model backend circuit open")
)

// Backend sends one chat completion to a model provider and returns the raw text.
type Backend interface {
	Name() string
	Model() string
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// ProviderInfo describes the configured backend.
type ProviderInfo struct {
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	Environment string `json:"environment"`
	Status      string `json:"status"`
}

// Gateway turns prompts into parsed JSON objects through a Backend.
// It never retries and never returns an error: every failure becomes a Failure result.
type Gateway struct {
	backend     Backend
	system      string
	timeout     time.Duration
	environment string
	breaker     *gobreaker.CircuitBreaker
}

type Option func(*Gateway)

// WithSystemPrompt sets the system message sent with every prompt.
func WithSystemPrompt(s string) Option {
	return func(g *Gateway) { g.system = s }
}

// WithEnvironment records the deployment environment reported by Info.
func WithEnvironment(env string) Option {
	return func(g *Gateway) { g.environment = env }
}

// WithBreaker trips after consecutive backend failures so a dead provider
// fails sections fast instead of waiting out every timeout.
func WithBreaker(consecutiveFailures uint32, openFor time.Duration) Option {
	return func(g *Gateway) {
		g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "llm-" + g.backend.Name(),
			MaxRequests: 1,
			Timeout:     openFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= consecutiveFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("llm circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
}

// NewGateway wraps backend. timeout bounds every call; zero means 15s.
func NewGateway(backend Backend, timeout time.Duration, opts ...Option) *Gateway {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	g := &Gateway{backend: backend, timeout: timeout, environment: "development"}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate sends prompt to the backend and parses the first JSON object in the reply.
func (g *Gateway) Generate(ctx context.Context, prompt string) Result {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	text, err := g.complete(ctx, prompt)
	if err != nil {
		slog.Warn("llm generation failed", "provider", g.backend.Name(), "model", g.backend.Model(), "error", err)
		return Failure(err)
	}

	data, err := ExtractJSON(text)
	if err != nil {
		slog.Warn("llm response unparsable", "provider", g.backend.Name(), "error", err, "raw", truncate(text, 200))
		return Failure(err)
	}
	return Success(data)
}

func (g *Gateway) complete(ctx context.Context, prompt string) (string, error) {
	if g.breaker == nil {
		return g.backend.Complete(ctx, g.system, prompt)
	}
	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.backend.Complete(ctx, g.system, prompt)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// Info reports the provider and model in use.
func (g *Gateway) Info() ProviderInfo {
	status := "available"
	if g.breaker != nil && g.breaker.State() == gobreaker.StateOpen {
		status = "degraded"
	}
	return ProviderInfo{
		Provider:    g.backend.Name(),
		Model:       g.backend.Model(),
		Environment: g.environment,
		Status:      status,
	}
}

// ExtractJSON returns the first well-formed JSON object in s, tolerating
// markdown code fences and prose around it.
func ExtractJSON(s string) (map[string]any, error) {
	s = stripCodeFences(s)
	if s == "" {
		return nil, ErrEmptyResponse
	}
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		var obj map[string]any
		dec := json.NewDecoder(strings.NewReader(s[i:]))
		dec.UseNumber()
		if err := dec.Decode(&obj); err == nil && obj != nil {
			return normalizeNumbers(obj).(map[string]any), nil
		}
	}
	return nil, ErrNoJSON
}

// stripCodeFences removes markdown code fences that LLMs sometimes add despite instructions.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		// Remove opening fence (```json, ```, etc.)
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		// Remove closing fence
		if strings.HasSuffix(s, "```") {
			s = s[:len(s)-3]
		}
		s = strings.TrimSpace(s)
	}
	return s
}

// normalizeNumbers turns json.Number values into int64 when integral, float64 otherwise.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package embedding

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Settings carries what the built-in factories need.
type Settings struct {
	Model         string
	Dims          int
	OllamaBaseURL string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

type Factory func(ctx context.Context, s Settings) (Provider, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows the ollama, openai and hash providers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("ollama", func(_ context.Context, s Settings) (Provider, error) {
		return NewOllamaEmbedder(s.OllamaBaseURL, s.Model)
	})
	r.Register("openai", func(_ context.Context, s Settings) (Provider, error) {
		if s.OpenAIAPIKey == "" && s.OpenAIBaseURL == "" {
			return nil, fmt.Errorf("openai embedder needs OPENAI_API_KEY or OPENAI_BASE_URL")
		}
		return NewOpenAIEmbedder(s.OpenAIAPIKey, s.OpenAIBaseURL, s.Model, s.Dims), nil
	})
	r.Register("hash", func(_ context.Context, s Settings) (Provider, error) {
		return NewHashEmbedder(s.Dims), nil
	})
	return r
}

func (r *Registry) Register(name string, f Factory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(ctx context.Context, name string, s Settings) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown embedding provider: %s", name)
	}
	return f(ctx, s)
}

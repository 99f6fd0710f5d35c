package embedding

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	ollama "github.com/ollama/ollama/api"
)

// DefaultOllamaModel produces 384-dimensional vectors, matching the default index.
const DefaultOllamaModel = "all-minilm"

type OllamaEmbedder struct {
	client *ollama.Client
	model  string
}

func NewOllamaEmbedder(baseURL, model string) (*OllamaEmbedder, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	cli := ollama.NewClient(u, &http.Client{Timeout: 60 * time.Second})
	return &OllamaEmbedder{client: cli, model: model}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := e.client.Embed(ctx, &ollama.EmbedRequest{
		Model: e.model,
		Input: text,
	})
	if err != nil {
		return nil, err
	}
	if res == nil || len(res.Embeddings) == 0 || len(res.Embeddings[0]) == 0 {
		return nil, errors.New("ollama: no embedding in response")
	}
	return res.Embeddings[0], nil
}

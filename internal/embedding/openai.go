package embedding

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"
)

const DefaultOpenAIModel = "text-embedding-3-small"

// OpenAIEmbedder talks to the OpenAI embeddings endpoint or any compatible
// server reachable at baseURL. A positive dims asks the model to shorten its
// output, which keeps text-embedding-3 models usable with a 384-dim index.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dims   int
}

func NewOpenAIEmbedder(apiKey, baseURL, model string, dims int) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(cfg), model: model, dims: dims}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req := openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: []string{text},
	}
	if e.dims > 0 {
		req.Dimensions = e.dims
	}
	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("openai: no embedding in response")
	}
	return resp.Data[0].Embedding, nil
}

// Package embedding turns text into fixed-length vectors. Providers talk to a
// model; the Pool bounds how many embeddings run at once.
package embedding

import (
	"context"
	"errors"
)

// ErrEmbeddingFailure wraps every provider error surfaced through a Pool.
var ErrEmbeddingFailure = errors.New("embedding failed")

// Provider embeds a single text. Implementations must be safe for concurrent use.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, text string) ([]float32, error)

func (f ProviderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

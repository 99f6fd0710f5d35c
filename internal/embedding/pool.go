package embedding

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Result is what EmbedAsync delivers.
type Result struct {
	Vector []float32
	Err    error
}

// Pool runs a Provider with at most size embeddings in flight, so model work
// never piles up behind slow callers or starves I/O-bound requests.
type Pool struct {
	provider Provider
	sem      *semaphore.Weighted
	size     int
}

func NewPool(p Provider, size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{provider: p, sem: semaphore.NewWeighted(int64(size)), size: size}
}

func (p *Pool) Size() int { return p.size }

// Embed blocks until a slot is free and the provider returns.
func (p *Pool) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailure, err)
	}
	defer p.sem.Release(1)

	vec, err := p.provider.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailure, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: provider returned an empty vector", ErrEmbeddingFailure)
	}
	return vec, nil
}

// EmbedAsync returns immediately; the channel receives exactly one Result and
// is then closed.
func (p *Pool) EmbedAsync(ctx context.Context, text string) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		vec, err := p.Embed(ctx, text)
		out <- Result{Vector: vec, Err: err}
	}()
	return out
}

// EmbedBatch embeds texts concurrently and keeps their order. The first
// failure cancels the rest.
func (p *Pool) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.size)
	for i, t := range texts {
		g.Go(func() error {
			vec, err := p.Embed(gctx, t)
			if err != nil {
				return err
			}
			out[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Package app wires config into the memory store, the catalog and their
// backing index so every binary builds them the same way.
package app

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/chat-memory/internal/catalog"
	"github.com/suPer8Hu/chat-memory/internal/chatmemory"
	"github.com/suPer8Hu/chat-memory/internal/config"
	"github.com/suPer8Hu/chat-memory/internal/embedding"
	"github.com/suPer8Hu/chat-memory/internal/logger"
	"github.com/suPer8Hu/chat-memory/internal/store/redisstore"
	"github.com/suPer8Hu/chat-memory/internal/vectorindex"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type App struct {
	Memory  *chatmemory.Store
	Catalog *catalog.Catalog
	Embed   *embedding.Pool

	rdb *redis.Client
}

// Build constructs the store stack for cfg. The redis backend is pinged but
// an unreachable server is only logged; operations report ErrIndexUnavailable.
func Build(ctx context.Context, cfg config.Config, log *logger.Logger) (*App, error) {
	policy, err := chatmemory.ParsePolicy(cfg.DuplicatePolicy)
	if err != nil {
		return nil, err
	}

	provider, err := embedding.DefaultRegistry().Get(ctx, cfg.EmbeddingProvider, embedding.Settings{
		Model:         cfg.EmbeddingModel,
		Dims:          cfg.EmbeddingDim,
		OllamaBaseURL: cfg.OllamaBaseURL,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	pool := embedding.NewPool(provider, cfg.EmbedWorkers)

	memSchema := chatmemory.Schema(policy, cfg.IndexName, cfg.KeyPrefix, cfg.EmbeddingDim, cfg.IndexAlgorithm)
	toolSchema := catalog.Schema(cfg.ToolIndexName, cfg.ToolKeyPrefix, cfg.EmbeddingDim, cfg.IndexAlgorithm)

	a := &App{Embed: pool}
	var (
		memIdx, toolIdx vectorindex.Index
		memKV, toolKV   vectorindex.KeyValue
	)
	switch cfg.VectorBackend {
	case "", BackendRedis:
		a.rdb = redisstore.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisstore.Ping(ctx, a.rdb, log)

		mi, err := vectorindex.NewRedisIndex(a.rdb, memSchema, log)
		if err != nil {
			return nil, err
		}
		ti, err := vectorindex.NewRedisIndex(a.rdb, toolSchema, log)
		if err != nil {
			return nil, err
		}
		kv := vectorindex.NewRedisKV(a.rdb)
		memIdx, toolIdx, memKV, toolKV = mi, ti, kv, kv

	case BackendMemory:
		db := chromem.NewDB()
		mi, err := vectorindex.NewChromemIndex(db, memSchema, log)
		if err != nil {
			return nil, err
		}
		ti, err := vectorindex.NewChromemIndex(db, toolSchema, log)
		if err != nil {
			return nil, err
		}
		memIdx, toolIdx, memKV, toolKV = mi, ti, mi, ti

	default:
		return nil, fmt.Errorf("unsupported VECTOR_BACKEND=%q", cfg.VectorBackend)
	}

	a.Memory, err = chatmemory.New(memIdx, memKV, pool, chatmemory.Options{Policy: policy, Logger: log})
	if err != nil {
		return nil, err
	}
	a.Catalog = catalog.New(toolIdx, toolKV, pool, log)
	log.Info("memory store ready",
		"backend", cfg.VectorBackend,
		"index", memSchema.Name,
		"prefix", memSchema.Prefix,
		"policy", policy,
		"dims", cfg.EmbeddingDim,
		"embedder", cfg.EmbeddingProvider,
	)
	return a, nil
}

func (a *App) Close() error {
	if a.rdb != nil {
		return a.rdb.Close()
	}
	return nil
}

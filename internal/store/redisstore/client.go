package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/chat-memory/internal/logger"
)

// NewClient builds the process-wide client. Search replies are parsed in
// RESP2 form, so the protocol is pinned.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		Protocol:     2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})
}

// Ping reports whether Redis answers. An unreachable server at startup is
// only logged; the index is provisioned lazily on first use.
func Ping(ctx context.Context, rdb *redis.Client, log *logger.Logger) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis not reachable yet", "addr", rdb.Options().Addr, "error", err)
		return false
	}
	return true
}

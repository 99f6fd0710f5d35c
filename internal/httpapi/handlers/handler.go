package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-memory/internal/catalog"
	"github.com/suPer8Hu/chat-memory/internal/chatmemory"
	"github.com/suPer8Hu/chat-memory/internal/common"
	"github.com/suPer8Hu/chat-memory/internal/embedding"
	"github.com/suPer8Hu/chat-memory/internal/httpapi/middleware"
	"github.com/suPer8Hu/chat-memory/internal/jobs"
	"github.com/suPer8Hu/chat-memory/internal/logger"
	"github.com/suPer8Hu/chat-memory/internal/vectorindex"
)

type Handler struct {
	Memory  *chatmemory.Store
	Jobs    *jobs.Service    // nil disables the async endpoints
	Catalog *catalog.Catalog // nil disables the catalog endpoint

	// DefaultAgent fills requests that omit agent.
	DefaultAgent   string
	RequestTimeout time.Duration
	Log            *logger.Logger
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func (h *Handler) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	if h.RequestTimeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), h.RequestTimeout)
}

func (h *Handler) logger(c *gin.Context) *logger.Logger {
	if h.Log == nil {
		return logger.Nop()
	}
	return h.Log.With("request_id", c.GetString(middleware.RequestIDKey), "path", c.FullPath())
}

// fail maps domain errors onto status codes and the error envelope.
func (h *Handler) fail(c *gin.Context, op string, err error) {
	var status, code int
	msg := "internal error"
	switch {
	case errors.Is(err, vectorindex.ErrInvalidArgument):
		status, code, msg = http.StatusBadRequest, 10002, err.Error()
	case errors.Is(err, jobs.ErrJobNotFound):
		status, code, msg = http.StatusNotFound, 40402, "job not found"
	case errors.Is(err, vectorindex.ErrSchemaConflict):
		status, code, msg = http.StatusConflict, 40901, "index schema conflict"
	case errors.Is(err, vectorindex.ErrIndexUnavailable), errors.Is(err, embedding.ErrEmbeddingFailure):
		status, code, msg = http.StatusServiceUnavailable, 50301, "backend unavailable"
	case errors.Is(err, jobs.ErrEnqueue):
		status, code, msg = http.StatusInternalServerError, 50002, "enqueue failed"
	case errors.Is(err, context.DeadlineExceeded):
		status, code, msg = http.StatusGatewayTimeout, 50401, "timeout"
	default:
		status, code = http.StatusInternalServerError, 50001
	}
	if status >= 500 {
		h.logger(c).Error(op+" failed", "error", err)
	}
	common.Fail(c, status, code, msg)
}

func (h *Handler) conversation(agent, userID, sessionID string) chatmemory.Conversation {
	if agent == "" {
		agent = h.DefaultAgent
	}
	return chatmemory.Conversation{Agent: agent, UserID: userID, SessionID: sessionID}
}

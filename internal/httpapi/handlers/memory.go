package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-memory/internal/chatmemory"
	"github.com/suPer8Hu/chat-memory/internal/common"
)

type turnReq struct {
	Role string `json:"role" binding:"required"`
	Text string `json:"text"`
}

type saveReq struct {
	Agent     string    `json:"agent"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id" binding:"required"`
	Messages  []turnReq `json:"messages" binding:"required"`
}

func (r saveReq) turns() []chatmemory.Turn {
	out := make([]chatmemory.Turn, 0, len(r.Messages))
	for _, m := range r.Messages {
		out = append(out, chatmemory.Turn{Role: chatmemory.Role(strings.ToLower(m.Role)), Text: m.Text})
	}
	return out
}

func (h *Handler) SaveConversation(c *gin.Context) {
	var req saveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	res, err := h.Memory.Save(ctx, h.conversation(req.Agent, req.UserID, req.SessionID), req.turns())
	if err != nil {
		h.fail(c, "save conversation", err)
		return
	}
	common.OK(c, res)
}

type searchReq struct {
	Query     string `json:"query"`
	Agent     string `json:"agent"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	K         int    `json:"k"`
}

func (h *Handler) Search(c *gin.Context) {
	var req searchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	hits, err := h.Memory.Search(ctx, req.Query, h.conversation(req.Agent, req.UserID, req.SessionID), req.K)
	if err != nil {
		h.fail(c, "search", err)
		return
	}
	common.OK(c, gin.H{"results": hits})
}

func (h *Handler) queryConversation(c *gin.Context) chatmemory.Conversation {
	return h.conversation(c.Query("agent"), c.Query("user_id"), c.Query("session_id"))
}

// History serves the latest stored conversation; "no history" is an empty list.
func (h *Handler) History(c *gin.Context) {
	conv := h.queryConversation(c)
	if conv.SessionID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "session_id required")
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	turns, err := h.Memory.History(ctx, conv)
	if err != nil {
		h.fail(c, "history", err)
		return
	}
	if turns == nil {
		turns = []chatmemory.Turn{}
	}
	common.OK(c, gin.H{"session_id": conv.SessionID, "history": turns})
}

func (h *Handler) ListConversations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	docs, err := h.Memory.List(ctx, h.queryConversation(c), limit)
	if err != nil {
		h.fail(c, "list conversations", err)
		return
	}
	if docs == nil {
		docs = []chatmemory.ChatDocument{}
	}
	common.OK(c, gin.H{"conversations": docs})
}

// DeleteConversation needs an explicit filter. The default agent is only
// filled in afterwards, so an empty request cannot widen to a whole agent.
func (h *Handler) DeleteConversation(c *gin.Context) {
	if c.Query("agent") == "" && c.Query("user_id") == "" && c.Query("session_id") == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "one of agent, user_id, session_id required")
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	n, err := h.Memory.Delete(ctx, h.queryConversation(c))
	if err != nil {
		h.fail(c, "delete conversation", err)
		return
	}
	common.OK(c, gin.H{"deleted": n})
}

func (h *Handler) ClearIndex(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()

	n, err := h.Memory.Clear(ctx)
	if err != nil {
		h.fail(c, "clear index", err)
		return
	}
	common.OK(c, gin.H{"deleted": n})
}

func (h *Handler) DropIndex(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()

	if err := h.Memory.Drop(ctx); err != nil {
		h.fail(c, "drop index", err)
		return
	}
	common.OK(c, gin.H{"dropped": true})
}

func (h *Handler) IndexStats(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()

	st, err := h.Memory.Stats(ctx)
	if err != nil {
		h.fail(c, "index stats", err)
		return
	}
	common.OK(c, st)
}

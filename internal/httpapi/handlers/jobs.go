package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-memory/internal/common"
)

func (h *Handler) SaveConversationAsync(c *gin.Context) {
	if h.Jobs == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50302, "async saves disabled")
		return
	}
	var req saveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	// read idempotency key
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	job, created, err := h.Jobs.Enqueue(ctx, h.conversation(req.Agent, req.UserID, req.SessionID), req.turns(), idempoKey)
	if err != nil {
		h.fail(c, "enqueue save", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"code":    0,
		"message": "ok",
		"data":    gin.H{"job_id": job.ID, "created": created, "status": job.Status},
	})
}

func (h *Handler) GetSaveJob(c *gin.Context) {
	if h.Jobs == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50302, "async saves disabled")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	j, err := h.Jobs.Get(ctx, jobID)
	if err != nil {
		h.fail(c, "get job", err)
		return
	}
	common.OK(c, gin.H{"job": j})
}

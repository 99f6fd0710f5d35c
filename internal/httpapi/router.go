package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-memory/internal/common"
	"github.com/suPer8Hu/chat-memory/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-memory/internal/httpapi/middleware"
	"github.com/suPer8Hu/chat-memory/internal/logger"
)

func NewRouter(h *handlers.Handler, log *logger.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)

	mem := r.Group("/api/memory")
	mem.POST("/conversations", h.SaveConversation)
	mem.POST("/conversations/async", h.SaveConversationAsync)
	mem.GET("/conversations", h.ListConversations)
	mem.DELETE("/conversations", h.DeleteConversation)
	mem.GET("/jobs/:job_id", h.GetSaveJob)
	mem.POST("/search", h.Search)
	mem.GET("/history", h.History)
	mem.DELETE("/index/documents", h.ClearIndex)
	mem.DELETE("/index", h.DropIndex)
	mem.GET("/index/stats", h.IndexStats)

	r.GET("/api/catalog/items", h.ListCatalogItems)
	return r
}

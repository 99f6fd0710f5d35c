package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-memory/internal/catalog"
	"github.com/suPer8Hu/chat-memory/internal/common"
)

// ListCatalogItems returns the whole catalog, or the k nearest items when q is set.
func (h *Handler) ListCatalogItems(c *gin.Context) {
	if h.Catalog == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50303, "catalog disabled")
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	var (
		items []catalog.Item
		err   error
	)
	if q := c.Query("q"); q != "" {
		k, _ := strconv.Atoi(c.DefaultQuery("k", "5"))
		items, err = h.Catalog.Search(ctx, q, k)
	} else {
		items, err = h.Catalog.Load(ctx)
	}
	if err != nil {
		h.fail(c, "catalog", err)
		return
	}
	if items == nil {
		items = []catalog.Item{}
	}
	common.OK(c, gin.H{"items": items})
}

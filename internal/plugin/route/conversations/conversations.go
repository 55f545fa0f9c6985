// Package conversations serves the conversation and message HTTP surface.
package conversations

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/treechat/treechat-service/internal/model"
	registryroute "github.com/treechat/treechat-service/internal/registry/route"
	registrystore "github.com/treechat/treechat-service/internal/registry/store"
)

// Plugin builds the route plugin for the given store.
func Plugin(store registrystore.ConversationStore) registryroute.Plugin {
	return registryroute.Plugin{
		Order: 100,
		Kind:  registryroute.KindAPI,
		Loader: func(r *gin.Engine) error {
			g := r.Group("/api/conversations")
			g.POST("", func(c *gin.Context) { createConversation(c, store) })
			g.GET("", func(c *gin.Context) { listConversations(c, store) })
			g.GET("/latest", func(c *gin.Context) { latestConversation(c, store) })
			g.GET("/:conversationId", func(c *gin.Context) { getConversation(c, store) })
			g.DELETE("/:conversationId", func(c *gin.Context) { deleteConversation(c, store) })
			g.GET("/:conversationId/summary", func(c *gin.Context) { getSummary(c, store) })
			g.PUT("/:conversationId/summary", func(c *gin.Context) { updateSummary(c, store) })
			g.POST("/:conversationId/messages", func(c *gin.Context) { upsertMessage(c, store) })
			g.DELETE("/:conversationId/messages/:messageId", func(c *gin.Context) { deleteMessageSubtree(c, store) })
			g.POST("/:conversationId/snapshot", func(c *gin.Context) { replaceSnapshot(c, store) })
			return nil
		},
	}
}

func createConversation(c *gin.Context, store registrystore.ConversationStore) {
	id, err := store.CreateConversation(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func listConversations(c *gin.Context, store registrystore.ConversationStore) {
	items, err := store.ListConversations(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	if items == nil {
		items = []model.ConversationListItem{}
	}
	c.JSON(http.StatusOK, items)
}

func latestConversation(c *gin.Context, store registrystore.ConversationStore) {
	id, snapshot, err := store.LoadLatestConversation(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "snapshot": snapshot})
}

func getConversation(c *gin.Context, store registrystore.ConversationStore) {
	snapshot, err := store.LoadConversation(c.Request.Context(), c.Param("conversationId"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func deleteConversation(c *gin.Context, store registrystore.ConversationStore) {
	if err := store.DeleteConversation(c.Request.Context(), c.Param("conversationId")); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func getSummary(c *gin.Context, store registrystore.ConversationStore) {
	summary, err := store.GetSummary(c.Request.Context(), c.Param("conversationId"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func updateSummary(c *gin.Context, store registrystore.ConversationStore) {
	var req struct {
		Summary *string `json:"summary"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}
	summary, err := store.UpdateSummary(c.Request.Context(), c.Param("conversationId"), req.Summary)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func upsertMessage(c *gin.Context, store registrystore.ConversationStore) {
	var req registrystore.UpsertMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}
	if err := store.UpsertMessage(c.Request.Context(), c.Param("conversationId"), req); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func deleteMessageSubtree(c *gin.Context, store registrystore.ConversationStore) {
	err := store.DeleteMessageSubtree(c.Request.Context(), c.Param("conversationId"), c.Param("messageId"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func replaceSnapshot(c *gin.Context, store registrystore.ConversationStore) {
	var req struct {
		Nodes  []*model.Node `json:"nodes"`
		RootID string        `json:"rootId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}
	nodes := make(map[string]*model.Node, len(req.Nodes))
	for _, n := range req.Nodes {
		if n == nil {
			continue
		}
		nodes[n.ID] = n
	}
	snapshot := &model.Snapshot{Nodes: nodes, RootID: req.RootID}
	if err := store.ReplaceSnapshot(c.Request.Context(), c.Param("conversationId"), snapshot); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError
	var upstream *registrystore.UpstreamError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &upstream):
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "upstream_unavailable", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

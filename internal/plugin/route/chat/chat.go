// Package chat serves the streaming relay HTTP surface.
package chat

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	registryroute "github.com/treechat/treechat-service/internal/registry/route"
	registrystore "github.com/treechat/treechat-service/internal/registry/store"
	"github.com/treechat/treechat-service/internal/relay"
)

// Plugin builds the route plugin for the given relay.
func Plugin(r *relay.Relay) registryroute.Plugin {
	return registryroute.Plugin{
		Order: 300,
		Kind:  registryroute.KindAPI,
		Loader: func(e *gin.Engine) error {
			e.POST("/api/chat", func(c *gin.Context) { streamChat(c, r) })
			return nil
		},
	}
}

func streamChat(c *gin.Context, r *relay.Relay) {
	var req relay.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}

	// Errors before the first token still have a clean response to write
	// to; after that the stream owns the connection.
	c.Header("Content-Type", "text/plain; charset=utf-8")
	flush := func() {
		c.Writer.Flush()
	}
	if err := r.Serve(c.Request.Context(), &req, c.Writer, flush); err != nil {
		c.Writer.Header().Del("Content-Type")
		handleError(c, err)
		return
	}
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

// Package models serves the model registry and catalog HTTP surface.
package models

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/treechat/treechat-service/internal/catalog"
	registryroute "github.com/treechat/treechat-service/internal/registry/route"
	registrystore "github.com/treechat/treechat-service/internal/registry/store"
)

// Plugin builds the route plugin for the given catalog service.
func Plugin(svc *catalog.Service) registryroute.Plugin {
	return registryroute.Plugin{
		Order: 200,
		Kind:  registryroute.KindAPI,
		Loader: func(r *gin.Engine) error {
			g := r.Group("/api/models")
			g.GET("", func(c *gin.Context) { listModels(c, svc) })
			g.GET("/detailed", func(c *gin.Context) { listModelsDetailed(c, svc) })
			g.GET("/catalog/search", func(c *gin.Context) { searchCatalog(c, svc) })
			g.POST("/enabled", func(c *gin.Context) { enableModel(c, svc) })
			g.DELETE("/enabled/*modelId", func(c *gin.Context) { disableModel(c, svc) })
			g.PUT("/default", func(c *gin.Context) { setDefaultModel(c, svc) })
			return nil
		},
	}
}

func listModels(c *gin.Context, svc *catalog.Service) {
	cfg, labels, err := svc.EnabledPayload(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg, "labels": labels})
}

func listModelsDetailed(c *gin.Context, svc *catalog.Service) {
	cfg, models, stale, fetchedAt, err := svc.Detailed(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"config":    cfg,
		"models":    models,
		"stale":     stale,
		"fetchedAt": fetchedAt,
	})
}

func searchCatalog(c *gin.Context, svc *catalog.Service) {
	out, err := svc.Search(c.Request.Context(), catalog.SearchParams{
		Query:    c.Query("q"),
		Provider: c.Query("provider"),
		Limit:    queryInt(c, "limit", 0),
		Offset:   queryInt(c, "offset", 0),
		Random:   c.Query("random") == "1" || c.Query("random") == "true",
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func enableModel(c *gin.Context, svc *catalog.Service) {
	var req struct {
		ModelID string `json:"modelId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}
	cfg, err := svc.Enable(c.Request.Context(), req.ModelID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func disableModel(c *gin.Context, svc *catalog.Service) {
	// Model ids contain slashes, so the route uses a wildcard parameter
	// and trims the leading separator.
	modelID := strings.TrimPrefix(c.Param("modelId"), "/")
	cfg, err := svc.Disable(c.Request.Context(), modelID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func setDefaultModel(c *gin.Context, svc *catalog.Service) {
	var req struct {
		ModelID string `json:"modelId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}
	cfg, err := svc.SetDefault(c.Request.Context(), req.ModelID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
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

package models

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treechat/treechat-service/internal/catalog"
	"github.com/treechat/treechat-service/internal/model"
)

type staticFetcher struct{}

func (staticFetcher) Fetch(ctx context.Context) ([]model.CatalogEntry, error) {
	return []model.CatalogEntry{
		{ID: "openai/gpt-4o-mini", Name: "OpenAI: GPT-4o Mini"},
		{ID: "openai/gpt-4o", Name: "OpenAI: GPT-4o"},
		{ID: "anthropic/claude-3.5-sonnet", Name: "Anthropic: Claude 3.5 Sonnet"},
	}, nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, err := catalog.New(t.TempDir(), staticFetcher{}, 24*time.Hour, 30*time.Second, "openai/gpt-4o-mini")
	require.NoError(t, err)
	r := gin.New()
	require.NoError(t, Plugin(svc).Loader(r))
	return r
}

func TestListModels(t *testing.T) {
	r := newTestRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"openai/gpt-4o-mini"`)
	assert.Contains(t, rec.Body.String(), `"GPT-4o Mini"`)
}

func TestSearchCatalogFilters(t *testing.T) {
	r := newTestRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models/catalog/search?q=claude&limit=10", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "anthropic/claude-3.5-sonnet")
	assert.NotContains(t, rec.Body.String(), "gpt-4o")
}

func TestEnableUnknownModelIs404(t *testing.T) {
	r := newTestRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/models/enabled", strings.NewReader(`{"modelId":"nope/missing"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDisableModelIDWithSlash(t *testing.T) {
	r := newTestRouter(t)

	// Enable a second model so the default can be disabled afterwards.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/models/enabled", strings.NewReader(`{"modelId":"openai/gpt-4o"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/models/enabled/openai/gpt-4o-mini", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "gpt-4o-mini")
}

func TestDisableLastModelIsConflict(t *testing.T) {
	r := newTestRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/models/enabled/openai/gpt-4o-mini", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
}

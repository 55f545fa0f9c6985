package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/treechat/treechat-service/internal/model"
)

// HTTPFetcher pulls the model listing from an OpenRouter-compatible
// GET models endpoint returning {"data": [...]}.
type HTTPFetcher struct {
	URL    string
	Client *http.Client
}

// NewHTTPFetcher creates a fetcher for the given listing URL.
func NewHTTPFetcher(url string) *HTTPFetcher {
	return &HTTPFetcher{
		URL:    url,
		Client: &http.Client{Timeout: 60 * time.Second},
	}
}

type listingPayload struct {
	Data []listingModel `json:"data"`
}

type listingModel struct {
	ID            string `json:"id"`
	CanonicalSlug string `json:"canonical_slug"`
	Name          string `json:"name"`
	Created       int64  `json:"created"`
	Description   string `json:"description"`
	ContextLength int    `json:"context_length"`
	TopProvider   struct {
		ContextLength int `json:"context_length"`
	} `json:"top_provider"`
}

func (f *HTTPFetcher) Fetch(ctx context.Context) ([]model.CatalogEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog request failed (%d)", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read catalog response: %w", err)
	}
	var payload listingPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse catalog response: %w", err)
	}

	out := make([]model.CatalogEntry, 0, len(payload.Data))
	for _, m := range payload.Data {
		contextLength := m.ContextLength
		if contextLength == 0 {
			contextLength = m.TopProvider.ContextLength
		}
		out = append(out, model.CatalogEntry{
			ID:            m.ID,
			CanonicalSlug: m.CanonicalSlug,
			Name:          m.Name,
			Created:       m.Created,
			Description:   m.Description,
			ContextLength: contextLength,
		})
	}
	return out, nil
}

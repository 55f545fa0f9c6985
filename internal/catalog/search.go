package catalog

import (
	"context"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/treechat/treechat-service/internal/model"
)

// SearchParams filters and pages a catalog search.
type SearchParams struct {
	Query    string
	Provider string
	Limit    int
	Offset   int
	Random   bool
}

// SearchOutput is one page of catalog matches plus collection metadata.
type SearchOutput struct {
	Models    []model.CatalogEntry `json:"models"`
	Total     int                  `json:"total"`
	Providers []string             `json:"providers"`
	Stale     bool                 `json:"stale"`
	FetchedAt int64                `json:"fetchedAt"`
}

// Search runs a free-text and provider filtered lookup over the cached
// catalog. Limit is clamped to 1..100 (default 25). Random mode samples
// the filtered set via a Fisher-Yates shuffle before paging.
func (s *Service) Search(ctx context.Context, params SearchParams) (*SearchOutput, error) {
	doc, stale, err := s.ensureCatalog(ctx)
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(strings.TrimSpace(params.Query))
	provider := strings.ToLower(strings.TrimSpace(params.Provider))
	limit := params.Limit
	if limit <= 0 {
		limit = 25
	}
	if limit > 100 {
		limit = 100
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}

	var matched []model.CatalogEntry
	for _, e := range doc.Models {
		if provider != "" && strings.ToLower(e.Provider) != provider {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(e.Name), q) &&
			!strings.Contains(strings.ToLower(e.ID), q) &&
			!strings.Contains(strings.ToLower(e.CanonicalSlug), q) {
			continue
		}
		matched = append(matched, e)
	}
	total := len(matched)

	if params.Random {
		rand.Shuffle(len(matched), func(i, j int) {
			matched[i], matched[j] = matched[j], matched[i]
		})
	} else {
		sort.SliceStable(matched, func(i, j int) bool {
			if matched[i].Provider != matched[j].Provider {
				return matched[i].Provider < matched[j].Provider
			}
			return matched[i].Name < matched[j].Name
		})
	}

	if offset > len(matched) {
		offset = len(matched)
	}
	page := matched[offset:]
	if len(page) > limit {
		page = page[:limit]
	}
	out := make([]model.CatalogEntry, 0, len(page))
	for _, e := range page {
		e.Name = displayName(e)
		out = append(out, e)
	}

	return &SearchOutput{
		Models:    out,
		Total:     total,
		Providers: Providers(doc.Models),
		Stale:     stale,
		FetchedAt: doc.FetchedAtMs,
	}, nil
}

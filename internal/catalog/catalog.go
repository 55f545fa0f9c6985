// Package catalog owns the enabled-model configuration and a TTL-bounded
// cached mirror of the upstream model listing service. Reads serve stale
// data when possible; at most one upstream refresh is in flight at any
// time, and late callers await it instead of duplicating the fetch.
package catalog

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/treechat/treechat-service/internal/model"
	registrystore "github.com/treechat/treechat-service/internal/registry/store"
	"github.com/treechat/treechat-service/internal/security"
	"github.com/treechat/treechat-service/internal/storage/fsjson"
	"github.com/treechat/treechat-service/internal/storage/paths"
)

// Fetcher retrieves the full upstream model listing.
type Fetcher interface {
	Fetch(ctx context.Context) ([]model.CatalogEntry, error)
}

// Service is the model registry and catalog cache.
type Service struct {
	dataDir      string
	fetcher      Fetcher
	ttl          time.Duration
	cooldown     time.Duration
	defaultModel string

	// configMu serializes config document read-modify-write cycles.
	configMu sync.Mutex

	// refreshMu guards the shared in-flight refresh handle and the
	// cooldown clock.
	refreshMu   sync.Mutex
	inflight    *refreshHandle
	lastAttempt time.Time

	now func() time.Time
}

// refreshHandle is the single shared in-flight refresh. Late callers wait
// on done instead of starting their own fetch.
type refreshHandle struct {
	done chan struct{}
	err  error
}

// Option tweaks Service construction.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service persisting under dataDir. defaultModel seeds the
// enabled set when no config document exists yet.
func New(dataDir string, fetcher Fetcher, ttl, cooldown time.Duration, defaultModel string, opts ...Option) (*Service, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	if err := fsjson.MkdirAll(paths.Models(dataDir)); err != nil {
		return nil, err
	}
	s := &Service{
		dataDir:      dataDir,
		fetcher:      fetcher,
		ttl:          ttl,
		cooldown:     cooldown,
		defaultModel: defaultModel,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnabledConfig returns the normalized enabled-model configuration.
func (s *Service) EnabledConfig(ctx context.Context) (*model.ModelConfig, error) {
	s.configMu.Lock()
	defer s.configMu.Unlock()
	return s.readConfigLocked()
}

// EnabledPayload returns the config plus display labels for every enabled
// id, resolved from the cached catalog where possible.
func (s *Service) EnabledPayload(ctx context.Context) (*model.ModelConfig, map[string]string, error) {
	cfg, err := s.EnabledConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	// Keep the endpoint resilient when upstream is down: labels fall back
	// to raw ids.
	doc, _, err := s.ensureCatalog(ctx)
	if err != nil {
		doc = &model.CatalogDocument{}
	}
	byID := indexByID(doc.Models)
	labels := make(map[string]string, len(cfg.EnabledIDs))
	for _, id := range cfg.EnabledIDs {
		labels[id] = id
		if entry, ok := byID[id]; ok {
			if display := stripProviderPrefix(entry.Name); display != "" {
				labels[id] = display
			}
		}
	}
	return cfg, labels, nil
}

// Detailed returns the config plus full catalog entries for every enabled
// id, with placeholder entries for ids missing from the cache.
func (s *Service) Detailed(ctx context.Context) (*model.ModelConfig, []model.CatalogEntry, bool, int64, error) {
	cfg, err := s.EnabledConfig(ctx)
	if err != nil {
		return nil, nil, false, 0, err
	}
	stale := true
	var fetchedAt int64
	doc, docStale, err := s.ensureCatalog(ctx)
	if err != nil {
		doc = &model.CatalogDocument{}
	} else {
		stale = docStale
		fetchedAt = doc.FetchedAtMs
	}
	byID := indexByID(doc.Models)
	models := make([]model.CatalogEntry, 0, len(cfg.EnabledIDs))
	for _, id := range cfg.EnabledIDs {
		if entry, ok := byID[id]; ok {
			entry.Name = displayName(entry)
			models = append(models, entry)
			continue
		}
		models = append(models, model.CatalogEntry{
			ID:            id,
			CanonicalSlug: id,
			Name:          id,
			Provider:      providerFromID(id),
		})
	}
	return cfg, models, stale, fetchedAt, nil
}

// Enable adds a model to the enabled set. The id must exist in the cached
// catalog.
func (s *Service) Enable(ctx context.Context, modelID string) (*model.ModelConfig, error) {
	id := strings.TrimSpace(modelID)
	if id == "" {
		return nil, &registrystore.ValidationError{Field: "model_id", Message: "is required"}
	}
	doc, _, err := s.ensureCatalog(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := indexByID(doc.Models)[id]; !ok {
		return nil, &registrystore.NotFoundError{Resource: "catalog model", ID: id}
	}

	s.configMu.Lock()
	defer s.configMu.Unlock()
	cfg, err := s.readConfigLocked()
	if err != nil {
		return nil, err
	}
	if contains(cfg.EnabledIDs, id) {
		return cfg, nil
	}
	cfg.EnabledIDs = append(cfg.EnabledIDs, id)
	return s.writeConfigLocked(cfg)
}

// Disable removes a model from the enabled set. Removing the last enabled
// model is a conflict; removing the current default reassigns the default
// to the first remaining id.
func (s *Service) Disable(ctx context.Context, modelID string) (*model.ModelConfig, error) {
	id := strings.TrimSpace(modelID)
	if id == "" {
		return nil, &registrystore.ValidationError{Field: "model_id", Message: "is required"}
	}

	s.configMu.Lock()
	defer s.configMu.Unlock()
	cfg, err := s.readConfigLocked()
	if err != nil {
		return nil, err
	}
	if !contains(cfg.EnabledIDs, id) {
		return cfg, nil
	}
	if len(cfg.EnabledIDs) <= 1 {
		return nil, &registrystore.ConflictError{Message: "at least one model must remain enabled"}
	}
	kept := make([]string, 0, len(cfg.EnabledIDs)-1)
	for _, v := range cfg.EnabledIDs {
		if v != id {
			kept = append(kept, v)
		}
	}
	cfg.EnabledIDs = kept
	if cfg.DefaultID == id {
		cfg.DefaultID = kept[0]
	}
	return s.writeConfigLocked(cfg)
}

// SetDefault designates an already-enabled model as the default.
func (s *Service) SetDefault(ctx context.Context, modelID string) (*model.ModelConfig, error) {
	id := strings.TrimSpace(modelID)
	if id == "" {
		return nil, &registrystore.ValidationError{Field: "model_id", Message: "is required"}
	}

	s.configMu.Lock()
	defer s.configMu.Unlock()
	cfg, err := s.readConfigLocked()
	if err != nil {
		return nil, err
	}
	if !contains(cfg.EnabledIDs, id) {
		return nil, &registrystore.ConflictError{Message: "default model must be enabled first"}
	}
	if cfg.DefaultID == id {
		return cfg, nil
	}
	cfg.DefaultID = id
	return s.writeConfigLocked(cfg)
}

// Resolve maps a requested model id onto the enabled set: enabled ids pass
// through, anything else falls back to the configured default.
func (s *Service) Resolve(ctx context.Context, requested string) (string, *model.ModelConfig, error) {
	cfg, err := s.EnabledConfig(ctx)
	if err != nil {
		return "", nil, err
	}
	if contains(cfg.EnabledIDs, requested) {
		return requested, cfg, nil
	}
	return cfg.DefaultID, cfg, nil
}

// readConfigLocked loads and normalizes the config document, seeding it
// with the configured default model on first use. Callers hold configMu.
func (s *Service) readConfigLocked() (*model.ModelConfig, error) {
	var cfg model.ModelConfig
	found, err := fsjson.ReadJSONIfExists(paths.ModelConfig(s.dataDir), &cfg)
	if err != nil {
		return nil, err
	}
	if found && cfg.SchemaVersion != model.SchemaVersion {
		return nil, fmt.Errorf("model config: unsupported schema version %d", cfg.SchemaVersion)
	}
	normalized, changed := s.normalize(&cfg)
	if !found || changed {
		return s.writeConfigLocked(normalized)
	}
	return normalized, nil
}

func (s *Service) writeConfigLocked(cfg *model.ModelConfig) (*model.ModelConfig, error) {
	normalized, _ := s.normalize(cfg)
	normalized.SchemaVersion = model.SchemaVersion
	normalized.UpdatedAtMs = s.now().UnixMilli()
	if err := fsjson.WriteJSON(paths.ModelConfig(s.dataDir), normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

// normalize dedupes the enabled set preserving order, seeds it when empty,
// and repairs default membership.
func (s *Service) normalize(cfg *model.ModelConfig) (*model.ModelConfig, bool) {
	seen := map[string]bool{}
	var enabled []string
	for _, raw := range cfg.EnabledIDs {
		id := strings.TrimSpace(raw)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		enabled = append(enabled, id)
	}
	if len(enabled) == 0 {
		enabled = []string{s.defaultModel}
	}
	defaultID := cfg.DefaultID
	if !contains(enabled, defaultID) {
		defaultID = enabled[0]
	}
	changed := defaultID != cfg.DefaultID || len(enabled) != len(cfg.EnabledIDs)
	if !changed {
		for i := range enabled {
			if enabled[i] != cfg.EnabledIDs[i] {
				changed = true
				break
			}
		}
	}
	return &model.ModelConfig{
		SchemaVersion: cfg.SchemaVersion,
		EnabledIDs:    enabled,
		DefaultID:     defaultID,
		UpdatedAtMs:   cfg.UpdatedAtMs,
	}, changed
}

func (s *Service) readCatalog() *model.CatalogDocument {
	var doc model.CatalogDocument
	found, err := fsjson.ReadJSONIfExists(paths.Catalog(s.dataDir), &doc)
	if err != nil || !found || doc.SchemaVersion != model.SchemaVersion {
		if err != nil {
			log.Warn("unreadable catalog document", "error", err)
		}
		return &model.CatalogDocument{}
	}
	return &doc
}

func (s *Service) isStale(fetchedAtMs int64) bool {
	if fetchedAtMs == 0 {
		return true
	}
	return s.now().UnixMilli()-fetchedAtMs > s.ttl.Milliseconds()
}

// ensureCatalog implements the read policy: fresh data is served as is;
// stale-and-empty blocks on a forced refresh; stale-but-non-empty serves
// stale and triggers a cooldown-bounded async refresh.
func (s *Service) ensureCatalog(ctx context.Context) (*model.CatalogDocument, bool, error) {
	doc := s.readCatalog()
	if !s.isStale(doc.FetchedAtMs) {
		return doc, false, nil
	}

	if len(doc.Models) == 0 {
		h := s.maybeStartRefresh(true)
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, true, ctx.Err()
		}
		doc = s.readCatalog()
		if len(doc.Models) == 0 {
			msg := "model catalog is unavailable"
			if h.err != nil {
				msg = fmt.Sprintf("model catalog is unavailable: %v", h.err)
			}
			return nil, true, &registrystore.UpstreamError{Message: msg}
		}
		return doc, s.isStale(doc.FetchedAtMs), nil
	}

	if h := s.maybeStartRefresh(false); h != nil {
		go func() {
			<-h.done
			if h.err != nil {
				log.Warn("background catalog refresh failed", "error", h.err)
			}
		}()
	}
	return doc, true, nil
}

// maybeStartRefresh returns the in-flight handle, starting one if none
// exists. Without force, a start inside the cooldown window returns nil.
func (s *Service) maybeStartRefresh(force bool) *refreshHandle {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if s.inflight != nil {
		return s.inflight
	}
	now := s.now()
	if !force && now.Sub(s.lastAttempt) < s.cooldown {
		return nil
	}
	s.lastAttempt = now
	h := &refreshHandle{done: make(chan struct{})}
	s.inflight = h
	go func() {
		h.err = s.refresh()
		s.refreshMu.Lock()
		s.inflight = nil
		s.refreshMu.Unlock()
		close(h.done)
	}()
	return h
}

func (s *Service) refresh() (err error) {
	defer func() {
		if security.CatalogRefreshesTotal != nil {
			outcome := "success"
			if err != nil {
				outcome = "error"
			}
			security.CatalogRefreshesTotal.WithLabelValues(outcome).Inc()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	fetched, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch catalog: %w", err)
	}
	entries := normalizeEntries(fetched)
	if len(entries) == 0 {
		return fmt.Errorf("catalog listing returned no models")
	}
	doc := &model.CatalogDocument{
		SchemaVersion: model.SchemaVersion,
		FetchedAtMs:   s.now().UnixMilli(),
		Models:        entries,
	}
	if err := fsjson.WriteJSON(paths.Catalog(s.dataDir), doc); err != nil {
		return err
	}
	log.Info("model catalog refreshed", "models", len(entries))
	return nil
}

// normalizeEntries dedupes by id, fills slug/name/provider fallbacks, and
// drops entries without an id.
func normalizeEntries(in []model.CatalogEntry) []model.CatalogEntry {
	seen := map[string]bool{}
	out := make([]model.CatalogEntry, 0, len(in))
	for _, e := range in {
		e.ID = strings.TrimSpace(e.ID)
		if e.ID == "" || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		if strings.TrimSpace(e.CanonicalSlug) == "" {
			e.CanonicalSlug = e.ID
		}
		if strings.TrimSpace(e.Name) == "" {
			e.Name = e.CanonicalSlug
		}
		e.Provider = providerFromID(e.ID)
		out = append(out, e)
	}
	return out
}

func indexByID(entries []model.CatalogEntry) map[string]model.CatalogEntry {
	out := make(map[string]model.CatalogEntry, len(entries))
	for _, e := range entries {
		out[e.ID] = e
	}
	return out
}

func providerFromID(id string) string {
	provider, _, found := strings.Cut(id, "/")
	if !found || provider == "" {
		return "unknown"
	}
	return provider
}

// Upstream model names are commonly formatted "Provider: Model Name";
// labels drop the prefix.
var providerPrefixRe = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9 .&+/_-]{0,40})\s*:\s+(.+)$`)

func stripProviderPrefix(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	m := providerPrefixRe.FindStringSubmatch(trimmed)
	if m == nil {
		return trimmed
	}
	if candidate := strings.TrimSpace(m[2]); candidate != "" {
		return candidate
	}
	return trimmed
}

func displayName(e model.CatalogEntry) string {
	if display := stripProviderPrefix(e.Name); display != "" {
		return display
	}
	return e.Name
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Providers returns the distinct provider set of the given entries, sorted.
func Providers(entries []model.CatalogEntry) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range entries {
		if !seen[e.Provider] {
			seen[e.Provider] = true
			out = append(out, e.Provider)
		}
	}
	sort.Strings(out)
	return out
}

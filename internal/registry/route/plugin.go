package route

import (
	"sort"

	"github.com/gin-gonic/gin"
)

// Loader mounts routes on the gin engine.
type Loader func(r *gin.Engine) error

// Kind distinguishes which server a plugin's routes belong to.
type Kind int

const (
	// KindAPI registers routes on the main API server.
	KindAPI Kind = iota
	// KindManagement registers routes on the management surface (health,
	// ready, metrics). Served on the main port in this deployment.
	KindManagement
)

// Plugin is a set of routes with an order for a deterministic mount
// sequence.
type Plugin struct {
	Order  int
	Kind   Kind
	Loader Loader
}

var plugins []Plugin

// Register adds a route plugin. Called from init() in plugin packages
// that have no constructor dependencies.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Mount mounts all plugins of the given kind on the engine, in order.
// Plugins whose routes need constructed dependencies are passed as
// extras by the serve command; they are merged with the init-registered
// ones before sorting.
func Mount(r *gin.Engine, kind Kind, extra ...Plugin) error {
	matched := make([]Plugin, 0, len(plugins)+len(extra))
	for _, p := range plugins {
		if p.Kind == kind {
			matched = append(matched, p)
		}
	}
	for _, p := range extra {
		if p.Kind == kind {
			matched = append(matched, p)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Order < matched[j].Order })

	for _, p := range matched {
		if err := p.Loader(r); err != nil {
			return err
		}
	}
	return nil
}

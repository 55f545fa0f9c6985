package system

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	registryroute "github.com/treechat/treechat-service/internal/registry/route"
)

var ready atomic.Bool

// MarkReady signals that the service has finished initializing and is ready to
// serve traffic. Call this once StartServer has completed successfully.
func MarkReady() {
	ready.Store(true)
}

// pinger holds an optional storage health check consulted by /ready.
var pinger atomic.Pointer[func(ctx context.Context) error]

// SetPinger installs a storage health check. A failing check reports the
// service as not ready even after MarkReady.
func SetPinger(fn func(ctx context.Context) error) {
	pinger.Store(&fn)
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 0,
		Kind:  registryroute.KindManagement,
		Loader: func(r *gin.Engine) error {
			// Liveness: process is up
			r.GET("/health", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})

			// Readiness: service has finished initializing and storage
			// is reachable
			r.GET("/ready", func(c *gin.Context) {
				if !ready.Load() {
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
					return
				}
				if fn := pinger.Load(); fn != nil {
					if err := (*fn)(c.Request.Context()); err != nil {
						c.JSON(http.StatusServiceUnavailable, gin.H{"status": "storage unavailable"})
						return
					}
				}
				c.JSON(http.StatusOK, gin.H{"status": "ready"})
			})

			// Prometheus metrics
			r.GET("/metrics", gin.WrapH(promhttp.Handler()))

			return nil
		},
	})
}

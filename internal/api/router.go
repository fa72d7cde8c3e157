// Package api serves the operator HTTP surface: health, ingest, media
// inspection, identity naming and live events.
package api

import (
	"log/slog"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/mediaflow/internal/api/handlers"
	"github.com/your-org/mediaflow/internal/api/ws"
	"github.com/your-org/mediaflow/internal/auth"
	"github.com/your-org/mediaflow/internal/contentroot"
	"github.com/your-org/mediaflow/internal/storage"
)

type RouterConfig struct {
	APIKey    string
	Ledger    storage.Ledger
	Pipeline  handlers.Pipeline
	Scanner   handlers.Scanner
	Root      *contentroot.Root
	Index     handlers.IndexControl
	Clusterer handlers.Clusterer
	Notifier  handlers.Notifier
	Hub       *ws.Hub
	// Checks are pinged by /readyz, keyed by the name reported back.
	Checks map[string]handlers.Pinger
	Logger *slog.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.Checks)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	// WebSocket
	v1.GET("/ws", cfg.Hub.HandleWS)

	// Media
	mediaH := handlers.NewMediaHandler(cfg.Ledger, cfg.Pipeline, cfg.Scanner, cfg.Root, cfg.Logger)
	v1.GET("/stats", mediaH.Stats)
	v1.POST("/ingest", mediaH.Ingest)
	v1.POST("/scan", mediaH.Scan)
	v1.POST("/sweep", mediaH.Sweep)
	v1.GET("/media", mediaH.List)
	v1.GET("/media/:hash", mediaH.Get)
	v1.POST("/media/:hash/finalize", mediaH.Refinalize)
	v1.POST("/refinalize", mediaH.RefinalizeFailed)

	// Identities
	identityH := handlers.NewIdentityHandler(cfg.Ledger, cfg.Index, cfg.Clusterer, cfg.Notifier, cfg.Logger)
	v1.GET("/identities", identityH.List)
	v1.GET("/identities/:id", identityH.Get)
	v1.POST("/identities/:id/name", identityH.Rename)
	v1.POST("/clustering/run", identityH.Cluster)
	v1.GET("/index", identityH.IndexStatus)
	v1.POST("/index/rebuild", identityH.RebuildIndex)

	return r
}

// Package router assembles the gin engine of the ops server.
package router

import (
	"github.com/erp/charityfund/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouteRegistrar defines the interface for registering routes
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// Config holds router configuration
type Config struct {
	Mode        string // gin mode: debug, release, test
	ServiceName string
	Tracing     bool
}

// New builds the engine with the standard middleware chain and mounts every
// registrar at the root.
func New(cfg Config, logger *zap.Logger, registrars ...RouteRegistrar) *gin.Engine {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.Tracing(middleware.TracingConfig{ServiceName: cfg.ServiceName, Enabled: cfg.Tracing}),
		middleware.SpanErrorMarker(),
		middleware.RequestLogger(logger),
	)

	root := engine.Group("")
	for _, r := range registrars {
		r.RegisterRoutes(root)
	}
	return engine
}

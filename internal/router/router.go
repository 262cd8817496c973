package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fernwatch/camtrap/internal/middleware"
	"github.com/fernwatch/camtrap/pkg/logger"
)

// Handler registers a group of routes on the versioned API group.
type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

// Router owns the gin engine, the shared middleware stack, and the health and
// metrics endpoints of the API process.
type Router struct {
	engine   *gin.Engine
	handlers []Handler
}

func NewRouter(log *logger.Logger, handlers ...Handler) *Router {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.Logger(log),
	)

	return &Router{engine: engine, handlers: handlers}
}

func (r *Router) Setup() {
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.engine.Group("/v1")
	for _, h := range r.handlers {
		h.RegisterRoutes(v1)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

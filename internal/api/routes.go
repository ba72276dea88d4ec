package api

import (
	"github.com/gin-gonic/gin"
	"github.com/playmatatu/matchmaker/internal/api/handlers"
	"github.com/playmatatu/matchmaker/internal/config"
	"github.com/playmatatu/matchmaker/internal/matchmaking"
	"github.com/playmatatu/matchmaker/internal/middleware"
	"github.com/playmatatu/matchmaker/internal/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Config   *config.Config
	Service  *matchmaking.Service
	Hub      *ws.Hub
	Limiter  handlers.JoinLimiter
	Gatherer prometheus.Gatherer
}

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, deps Deps) {
	cfg := deps.Config

	router.Use(middleware.CORSMiddleware(cfg))

	if !cfg.IsProduction() {
		router.Use(func(c *gin.Context) {
			c.Header("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
			c.Header("Pragma", "no-cache")
			c.Next()
		})
		logrus.Info("[DEV MODE] No-cache headers enabled for all routes")
	}

	router.GET("/health", handlers.HealthCheck(cfg.StoreDriver))
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	mm := router.Group("/matchmaking")
	mm.Use(middleware.AuthMiddleware(cfg))
	{
		mm.POST("/join", handlers.JoinMatchmaking(deps.Service, deps.Limiter))
		mm.POST("/leave", handlers.LeaveMatchmaking(deps.Service))
		mm.GET("/status", handlers.MatchmakingStatus(deps.Service))
		mm.GET("/stats", handlers.MatchmakingStats(deps.Service))
		mm.POST("/sessions/:id/close", handlers.CloseSession(deps.Service))
		if deps.Hub != nil {
			mm.GET("/ws", middleware.WebSocketCORSCheck(cfg), handlers.MatchmakingWebSocket(deps.Hub))
		}
	}
}

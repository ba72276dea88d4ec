package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/playmatatu/matchmaker/internal/middleware"
	"github.com/playmatatu/matchmaker/internal/ws"
)

// MatchmakingWebSocket upgrades the caller to a push connection for matchmaking events.
func MatchmakingWebSocket(hub *ws.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Serve writes its own error response when the upgrade fails.
		_ = hub.Serve(c.Writer, c.Request, middleware.UserID(c))
	}
}

package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/playmatatu/matchmaker/internal/matchmaking"
	"github.com/playmatatu/matchmaker/internal/middleware"
	"github.com/playmatatu/matchmaker/internal/models"
	"github.com/sirupsen/logrus"
)

// JoinLimiter throttles join attempts per user. redis.Limiter implements it.
type JoinLimiter interface {
	Allow(ctx context.Context, key string) bool
	Window() time.Duration
}

// JoinMatchmaking queues the caller and tries to match them right away. A throttled caller who is
// already queued or placed still gets their current state.
func JoinMatchmaking(svc *matchmaking.Service, limiter JoinLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)

		var req matchmaking.JoinRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		if limiter != nil && !limiter.Allow(c.Request.Context(), userID) {
			res, err := svc.Rejoin(c.Request.Context(), userID, req)
			if err != nil {
				respondError(c, err)
				return
			}
			if res != nil {
				c.JSON(http.StatusOK, res)
				return
			}
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(limiter.Window())))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many join requests, slow down"})
			return
		}

		res, err := svc.Join(c.Request.Context(), userID, req)
		if err != nil {
			respondError(c, err)
			return
		}

		logrus.WithFields(logrus.Fields{
			"user_id":    userID,
			"status":     res.Status,
			"session_id": res.SessionID,
		}).Info("[MATCHMAKING] Join handled")
		c.JSON(http.StatusOK, res)
	}
}

// LeaveMatchmaking cancels the caller's queue entry.
func LeaveMatchmaking(svc *matchmaking.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svc.Leave(c.Request.Context(), middleware.UserID(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// MatchmakingStatus reports whether the caller is queued, or which session they are in.
func MatchmakingStatus(svc *matchmaking.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svc.Status(c.Request.Context(), middleware.UserID(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// MatchmakingStats returns queue depth and session occupancy per game mode.
func MatchmakingStats(svc *matchmaking.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svc.Stats(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type closeSessionRequest struct {
	Outcome models.SessionStatus `json:"outcome"`
}

// CloseSession ends a session the caller plays in. The outcome defaults to completed.
func CloseSession(svc *matchmaking.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req closeSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.Outcome == "" {
			req.Outcome = models.SessionStatusCompleted
		}

		sess, err := svc.CloseSession(c.Request.Context(), middleware.UserID(c), c.Param("id"), req.Outcome)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": sess})
	}
}

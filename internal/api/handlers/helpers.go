package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/playmatatu/matchmaker/internal/matchmaking"
	"github.com/playmatatu/matchmaker/internal/middleware"
	"github.com/sirupsen/logrus"
)

// respondError maps matchmaking errors to HTTP responses.
func respondError(c *gin.Context, err error) {
	var verr *matchmaking.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})

	case errors.Is(err, matchmaking.ErrNotQueued):
		c.JSON(http.StatusNotFound, gin.H{"error": "not in queue"})

	case errors.Is(err, matchmaking.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})

	case errors.Is(err, matchmaking.ErrInvariantViolation):
		logrus.WithError(err).WithField("user_id", middleware.UserID(c)).Error("[MATCHMAKING] Invariant violation")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error, please retry"})

	default:
		logrus.WithError(err).WithField("user_id", middleware.UserID(c)).Error("[MATCHMAKING] Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "matchmaking temporarily unavailable, please retry"})
	}
}

// retryAfterSeconds rounds d up to whole seconds, at least one.
func retryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

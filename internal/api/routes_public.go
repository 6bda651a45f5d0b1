package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xonrelay/xonrelay/internal/bridge"
	"github.com/xonrelay/xonrelay/internal/db"
	"github.com/xonrelay/xonrelay/internal/network"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "xonrelay",
		"version": Version,
	})
}

// handleGetVersion returns the version and uptime.
func (s *Server) handleGetVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":           "xonrelay",
		"version":        Version,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

// statusFor maps bridge and protocol errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bridge.ErrUnknownServer), errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bridge.ErrMessageTooLong):
		return http.StatusBadRequest
	case errors.Is(err, network.ErrAuthRequired):
		return http.StatusPreconditionRequired
	case errors.Is(err, network.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, network.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, network.ErrFailed),
		errors.Is(err, network.ErrNotOpen),
		errors.Is(err, network.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes err with its mapped status.
func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xonrelay/xonrelay/internal/config"
	"github.com/xonrelay/xonrelay/internal/events"
)

type appFieldRequest struct {
	Key   string      `json:"key" binding:"required"`
	Value interface{} `json:"value" binding:"required"`
}

// handleGetConfig returns the configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Redacted())
}

// handleSetAppField replaces one application_data section. The change is
// validated before it is saved.
func (s *Server) handleSetAppField(c *gin.Context) {
	var req appFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	previous := s.cfg.GetApplicationData()
	if err := s.cfg.UpdateAppField(req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if result := config.Validate(s.cfg); !result.IsValid() {
		s.cfg.SetApplicationData(previous)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid configuration",
			"errors": result.Errors,
		})
		return
	}

	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.eventBus.Emit(c.Request.Context(), events.Event{
		Type:   events.EventConfigChanged,
		Source: "api",
		Payload: events.ConfigChangedPayload{
			Section: "application_data",
			Key:     req.Key,
		},
	})

	s.logger.Info().Str("key", req.Key).Str("client", clientOf(c)).Msg("application data updated")
	c.JSON(http.StatusOK, gin.H{"status": "updated", "key": req.Key})
}

package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xonrelay/xonrelay/internal/bridge"
	"github.com/xonrelay/xonrelay/internal/protocol"
)

type rconRequest struct {
	Command string `json:"command" binding:"required"`
}

type sayRequest struct {
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name" binding:"required"`
	Text       string `json:"text" binding:"required"`
}

// handleChallenge fetches a fresh challenge from the server.
func (s *Server) handleChallenge(c *gin.Context) {
	ch, err := s.bridge.RefreshChallenge(c.Request.Context(), c.Param("name"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	// The token authorises rcon and is not returned.
	c.JSON(http.StatusOK, gin.H{
		"status":    "challenged",
		"issued_at": ch.IssuedAt,
	})
}

// handleRcon sends a console command. Rcon has no reply; console output,
// if any, arrives as print broadcasts on the chat endpoint.
func (s *Server) handleRcon(c *gin.Context) {
	var req rconRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.ContainsAny(req.Command, "\r\n\x00") || len(req.Command) > protocol.MaxDatagramSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid command"})
		return
	}

	name := c.Param("name")
	if err := s.bridge.Rcon(name, req.Command, "api:"+clientOf(c)); err != nil {
		abortWithError(c, err)
		return
	}

	s.logger.Info().Str("server", name).Str("client", clientOf(c)).Msg("rcon sent")
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

// handleSay relays a chat message into the game.
func (s *Server) handleSay(c *gin.Context) {
	var req sayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	author := bridge.Author{ID: req.AuthorID, Name: req.AuthorName}
	if err := s.bridge.Say(c.Param("name"), author, req.Text); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

// handleReconnect replaces the connection of a server.
func (s *Server) handleReconnect(c *gin.Context) {
	name := c.Param("name")
	if err := s.bridge.Reconnect(c.Request.Context(), name); err != nil {
		abortWithError(c, err)
		return
	}

	s.logger.Info().Str("server", name).Str("client", clientOf(c)).Msg("server reconnected")
	info, _ := s.bridge.GetInfo(name)
	c.JSON(http.StatusOK, gin.H{"status": "reconnected", "server": info})
}

// handleAckAlert acknowledges an alert.
func (s *Server) handleAckAlert(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is disabled"})
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
		return
	}

	if err := s.history.AcknowledgeAlert(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged", "id": id})
}


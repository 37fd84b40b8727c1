package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/voicecraft-project/mccomm/internal/events"
	"github.com/voicecraft-project/mccomm/internal/session"
)

// writeError maps a domain error to an HTTP status.
func writeError(c *gin.Context, err error) {
	se := session.Classify(err)
	status := http.StatusInternalServerError
	switch se.Kind {
	case session.KindValidation:
		status = http.StatusBadRequest
	case session.KindAuth:
		status = http.StatusUnauthorized
	case session.KindConflict:
		status = http.StatusConflict
	case session.KindNotFound:
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": se.Reason})
}

// moderationHandler applies action to the participant named in the path.
func (s *Server) moderationHandler(action events.ModerationAction) gin.HandlerFunc {
	return func(c *gin.Context) {
		playerID := c.Param("id")
		actor := subject(c)
		if err := s.deps.Sessions.Moderate(playerID, action, actor); err != nil {
			writeError(c, err)
			return
		}

		log.Info().Str("player", playerID).Str("action", string(action)).Str("actor", actor).
			Msg("API: participant moderated")
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"player_id": playerID,
			"action":    action,
		})
	}
}

// handleMove places a participant in a channel.
func (s *Server) handleMove(c *gin.Context) {
	var req struct {
		ChannelID int `json:"channel_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	playerID := c.Param("id")
	if err := s.deps.Sessions.Move(playerID, req.ChannelID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"player_id":  playerID,
		"channel_id": req.ChannelID,
	})
}

// handleGetPendingKeys lists binding keys that have not been used yet.
func (s *Server) handleGetPendingKeys(c *gin.Context) {
	keys := s.deps.Registry.PendingKeys()
	c.JSON(http.StatusOK, gin.H{
		"pending_keys": keys,
		"total":        len(keys),
	})
}

// handleAddPendingKey announces a binding key. An empty key is generated.
func (s *Server) handleAddPendingKey(c *gin.Context) {
	var req struct {
		Key      string `json:"key"`
		PlayerID string `json:"player_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Key == "" {
		req.Key = uuid.NewString()
	}

	if err := s.deps.Registry.AddPendingKey(req.Key, req.PlayerID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"key":       req.Key,
		"player_id": req.PlayerID,
	})
}

// handleLogout closes the live session.
func (s *Server) handleLogout(c *gin.Context) {
	s.deps.Sessions.Logout()
	log.Info().Str("actor", subject(c)).Msg("API: session closed")
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

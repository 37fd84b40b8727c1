package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/voicecraft-project/mccomm/internal/channel"
	"github.com/voicecraft-project/mccomm/internal/config"
	"github.com/voicecraft-project/mccomm/internal/events"
)

const redacted = "********"

// handleGetConfig returns the current configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	mc := s.cfg.GetMCComm()
	if mc.LoginKey != "" {
		mc.LoginKey = redacted
	}
	for i := range mc.Channels {
		if mc.Channels[i].Password != "" {
			mc.Channels[i].Password = redacted
		}
	}

	app := s.cfg.GetApplicationData()
	if app.Security.JWTSecret != "" {
		app.Security.JWTSecret = redacted
	}

	c.JSON(http.StatusOK, gin.H{
		"mccomm":           mc,
		"application_data": app,
	})
}

// handleSetMCCommField updates one mccomm field. The change is persisted
// and takes effect on restart.
func (s *Server) handleSetMCCommField(c *gin.Context) {
	var req struct {
		Key   string      `json:"key" binding:"required"`
		Value interface{} `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	previous := s.cfg.GetMCComm()
	if err := s.cfg.UpdateMCCommField(req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if result := config.Validate(s.cfg); !result.IsValid() {
		s.cfg.SetMCComm(previous)
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
			Section: "mccomm",
			Key:     req.Key,
			Value:   req.Value,
		},
	})

	log.Info().Str("actor", subject(c)).Str("key", req.Key).Msg("API: mccomm config updated")
	c.JSON(http.StatusOK, gin.H{"status": "updated", "key": req.Key})
}

// handleSetChannelSettings overrides or clears a channel's settings. Id 0
// replaces the server default.
func (s *Server) handleSetChannelSettings(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel id"})
		return
	}

	var req struct {
		channel.Settings
		Clear bool `json:"clear"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if id == channel.LobbyID {
		err = s.deps.Sessions.SetDefaultSettings(req.Settings)
	} else {
		err = s.deps.Sessions.SetChannelSettings(id, req.Settings, req.Clear)
	}
	if err != nil {
		writeError(c, err)
		return
	}

	eff, _ := s.deps.Channels.GetEffectiveSettings(id)
	c.JSON(http.StatusOK, gin.H{
		"channel_id": id,
		"effective":  eff,
	})
}

package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/voicecraft-project/mccomm/internal/db"
	"github.com/voicecraft-project/mccomm/internal/util"
)

// handleGetParticipants lists every bound participant.
func (s *Server) handleGetParticipants(c *gin.Context) {
	snaps := s.deps.Registry.Snapshots()
	speaking := 0
	for _, p := range snaps {
		if p.CanSpeak() {
			speaking++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"participants": snaps,
		"total":        len(snaps),
		"speaking":     speaking,
	})
}

// handleGetParticipant returns one participant.
func (s *Server) handleGetParticipant(c *gin.Context) {
	p, ok := s.deps.Registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "participant not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"participant": p,
		"speaking":    p.CanSpeak(),
	})
}

type channelView struct {
	ID        int         `json:"id"`
	Name      string      `json:"name"`
	Locked    bool        `json:"locked"`
	Hidden    bool        `json:"hidden"`
	Override  bool        `json:"override"`
	Effective interface{} `json:"effective"`
}

// handleGetChannels lists channels with their effective settings.
func (s *Server) handleGetChannels(c *gin.Context) {
	list := s.deps.Channels.List()
	views := make([]channelView, 0, len(list))
	for _, ch := range list {
		eff, err := s.deps.Channels.GetEffectiveSettings(ch.ID)
		if err != nil {
			continue
		}
		views = append(views, channelView{
			ID:        ch.ID,
			Name:      ch.Name,
			Locked:    ch.Locked,
			Hidden:    ch.Hidden,
			Override:  ch.Override != nil,
			Effective: eff,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"default":  s.deps.Channels.GetDefault(),
		"channels": views,
	})
}

// handleGetSession returns the session slot.
func (s *Server) handleGetSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Sessions.Status())
}

// handleGetAudit returns recent audit entries, filtered by type and player.
func (s *Server) handleGetAudit(c *gin.Context) {
	if s.deps.Audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit log disabled"})
		return
	}

	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	entries, err := s.deps.Audit.Recent(db.AuditFilter{
		Type:     c.Query("type"),
		PlayerID: c.Query("player_id"),
		Limit:    limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read audit log"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"total":   len(entries),
	})
}

// handleGetResources returns process and host resource usage.
func (s *Server) handleGetResources(c *gin.Context) {
	c.JSON(http.StatusOK, util.GetResourceUsage())
}

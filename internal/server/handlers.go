package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sorren/twitch-drops-harvester/internal/channels"
	"github.com/sorren/twitch-drops-harvester/internal/events"
)

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   s.bus.LastStatus(),
		"phase":    s.miner.CurrentPhase().String(),
		"running":  s.miner.IsRunning(),
		"watching": s.chans.WatchingID(),
	})
}

func (s *Server) getChannels(c *gin.Context) {
	list := s.chans.Channels()
	payloads := make([]events.ChannelPayload, 0, len(list))
	for _, ch := range list {
		payloads = append(payloads, events.NewChannelPayload(ch))
	}
	c.JSON(http.StatusOK, payloads)
}

func (s *Server) getInventory(c *gin.Context) {
	c.JSON(http.StatusOK, s.inv.Campaigns())
}

func (s *Server) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.miner.Settings())
}

func (s *Server) setSettings(c *gin.Context) {
	var patch map[string]json.RawMessage
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	next, err := s.miner.SetSettings(patch)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, next)
}

func (s *Server) selectChannel(c *gin.Context) {
	var req struct {
		ID string `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.miner.SelectChannel(req.ID); err != nil {
		switch {
		case errors.Is(err, channels.ErrChannelNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		case errors.Is(err, channels.ErrChannelOffline):
			c.JSON(http.StatusConflict, gin.H{"error": "channel offline"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) exitManualMode(c *gin.Context) {
	s.miner.ExitManualMode()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) reload(c *gin.Context) {
	s.miner.Reload()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) verifyProxy(c *gin.Context) {
	var req struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.miner.VerifyProxy(c.Request.Context(), req.URL); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) getCachedImage(c *gin.Context) {
	hash := c.Param("hash")
	if hash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing hash"})
		return
	}
	c.File(s.icons.PathForHash(hash))
}

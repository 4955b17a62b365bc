package controller

import (
	"errors"
	"net/http"

	"github.com/danmuck/fieldscan/internal/auth"
	"github.com/danmuck/fieldscan/internal/observability"
	"github.com/danmuck/fieldscan/internal/scan"
	"github.com/gin-gonic/gin"
)

type scanRequestBody struct {
	Manual   bool           `json:"manual"`
	Location *scan.GeoPoint `json:"location"`
}

// Router builds the Controller's ops HTTP surface.
func (s *Service) Router() *gin.Engine {
	r := observability.NewOpsRouter("controller", s.cfg.CORSOrigins, func() (bool, string) {
		if !s.endpoint.IsConnected() {
			return false, "scanner not connected"
		}
		return true, ""
	})

	guard := auth.Require(auth.Optional(s.cfg.HTTPToken))

	r.GET("/status", func(c *gin.Context) {
		out, in := s.endpoint.QueueDepths()
		s.mu.RLock()
		cycles, last := s.cycles, s.last
		s.mu.RUnlock()
		c.JSON(http.StatusOK, gin.H{
			"role":           "controller",
			"link":           s.endpoint.State().String(),
			"last_heartbeat": s.endpoint.LastHeartbeat(),
			"outbound_queue": out,
			"inbound_queue":  in,
			"busy":           s.ctrl.Busy(),
			"cycles":         cycles,
			"last_cycle":     last,
			"targets":        s.ctrl.Targets(),
		})
	})

	r.POST("/scan", guard, func(c *gin.Context) {
		var body scanRequestBody
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		t := Trigger{Manual: body.Manual}
		if body.Location != nil {
			t.Location = *body.Location
		} else if p, err := s.locator.Locate(c.Request.Context()); err == nil {
			t.Location = p
		}
		if err := s.Trigger(t); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrCycleInFlight) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "manual": t.Manual})
	})

	r.PUT("/targets", guard, func(c *gin.Context) {
		var targets scan.TargetClasses
		if err := c.ShouldBindJSON(&targets); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.ctrl.SetTargets(targets)
		c.JSON(http.StatusOK, gin.H{"targets": s.ctrl.Targets()})
	})

	r.GET("/cycles/last", func(c *gin.Context) {
		last := s.LastCycle()
		if last.Cycle == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no completed cycle", "last": last})
			return
		}
		c.JSON(http.StatusOK, last.Cycle)
	})
	return r
}

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterDevSweeperRoutes adds development-only sweeper endpoints.
func (s *Server) RegisterDevSweeperRoutes() {
	if s.cfg.Environment == "production" {
		return
	}

	dev := s.engine.Group("/dev/sweeper")
	dev.POST("/run-once", s.DevRunSweeperOnce)
}

func (s *Server) DevRunSweeperOnce(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if err := s.scheduler.RunOnce(c.Request.Context()); err != nil {
		c.JSON(http.StatusOK, gin.H{
			"message": "sweeper run completed with errors",
			"errors":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "sweeper run completed successfully",
	})
}

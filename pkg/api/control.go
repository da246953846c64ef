package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/corralhq/corral/pkg/config"
)

func (s *Server) handleDoctorStatus(c *gin.Context) {
	status, err := s.doctor.GetStatus(c.Request.Context())
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleDoctorProblems(c *gin.Context) {
	problems, err := s.doctor.Problems(c.Request.Context())
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"problems": problems, "count": len(problems)})
}

func (s *Server) handleDoctorHistory(c *gin.Context) {
	entries, err := s.doctor.History(c.Request.Context(), intQuery(c, "limit", 50))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries, "count": len(entries)})
}

func (s *Server) handleDoctorConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.doctor.Config())
}

func (s *Server) handleDoctorConfigUpdate(c *gin.Context) {
	var cfg config.DoctorConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid config: " + err.Error()})
		return
	}
	if err := s.doctor.UpdateConfig(c.Request.Context(), cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleScalerState(c *gin.Context) {
	state, err := s.scaler.GetState(c.Request.Context())
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) handleScalerHistory(c *gin.Context) {
	entries, err := s.scaler.History(c.Request.Context(), intQuery(c, "limit", 50))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries, "count": len(entries)})
}

func (s *Server) handleScalerConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.scaler.Config())
}

func (s *Server) handleScalerConfigUpdate(c *gin.Context) {
	var cfg config.ScalerConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid config: " + err.Error()})
		return
	}
	if err := s.scaler.UpdateConfig(c.Request.Context(), cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

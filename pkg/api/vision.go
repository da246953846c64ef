package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/corralhq/corral/pkg/vision"
)

func (s *Server) handleVisionGenerate(c *gin.Context) {
	var req vision.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid generation request: " + err.Error()})
		return
	}
	job, err := s.vision.Submit(c.Request.Context(), req)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "status": job.Status})
}

func (s *Server) handleVisionJob(c *gin.Context) {
	job, err := s.vision.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleVisionCancel(c *gin.Context) {
	job, err := s.vision.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "status": job.Status})
}

func (s *Server) handleVisionStatus(c *gin.Context) {
	status, err := s.vision.GetStatus(c.Request.Context())
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleVisionNodes(c *gin.Context) {
	nodes, err := s.vision.Nodes(c.Request.Context())
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes, "count": len(nodes)})
}

func (s *Server) handleVisionHeartbeat(c *gin.Context) {
	var hb vision.HeartbeatRequest
	if err := c.ShouldBindJSON(&hb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid heartbeat: " + err.Error()})
		return
	}
	if err := s.vision.Heartbeat(c.Request.Context(), hb); err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

func (s *Server) handleModelSwitch(c *gin.Context) {
	model := c.Query("model_name")
	if model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model_name is required"})
		return
	}
	if err := s.vision.ForceSwitch(c.Request.Context(), c.Param("node_id"), model); err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "switching", "node_id": c.Param("node_id"), "model": model})
}

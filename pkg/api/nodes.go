package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/corralhq/corral/pkg/command"
	"github.com/corralhq/corral/pkg/health"
	"github.com/corralhq/corral/pkg/registry"
	"github.com/corralhq/corral/pkg/types"
)

func (s *Server) handleRegister(c *gin.Context) {
	var reg types.Registration
	if err := c.ShouldBindJSON(&reg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid registration: " + err.Error()})
		return
	}
	if err := s.registry.Register(c.Request.Context(), reg); err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "registered", "node_id": reg.NodeID})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var hb types.Heartbeat
	if err := c.ShouldBindJSON(&hb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid heartbeat: " + err.Error()})
		return
	}
	if err := s.registry.Heartbeat(c.Request.Context(), c.Param("id"), hb); err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

func (s *Server) handleGetNode(c *gin.Context) {
	node, err := s.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

func (s *Server) handleListNodes(c *gin.Context) {
	filter := registry.ListFilter{
		Cluster: c.Query("cluster"),
		Status:  types.NodeStatus(c.Query("status")),
	}
	nodes, err := s.registry.List(c.Request.Context(), filter)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes, "count": len(nodes)})
}

func (s *Server) handleDeregister(c *gin.Context) {
	if err := s.registry.Deregister(c.Request.Context(), c.Param("id")); err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deregistered"})
}

func (s *Server) handlePowerHistory(c *gin.Context) {
	var req struct {
		Limit int `json:"limit"`
	}
	// Body is optional; an empty body means the full ring
	_ = c.ShouldBindJSON(&req)

	samples, err := s.registry.PowerHistory(c.Request.Context(), c.Param("id"), req.Limit)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"node_id": c.Param("id"), "samples": samples})
}

// handleCommand relays an operator command to a node's agent and waits
// for the reply
func (s *Server) handleCommand(c *gin.Context) {
	var req struct {
		Type           command.Type   `json:"type"`
		Params         map[string]any `json:"params"`
		TimeoutSeconds int            `json:"timeout_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid command: " + err.Error()})
		return
	}
	timeout := 30 * time.Second
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	result, err := s.dispatcher.Send(c.Request.Context(), c.Param("id"), req.Type, req.Params, timeout)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleNodeHealth probes the node's agent endpoint directly
func (s *Server) handleNodeHealth(c *gin.Context) {
	node, err := s.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	if node.IP == "" || node.AgentPort == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "node has no agent address on record"})
		return
	}
	result := health.NewAgentChecker(node.IP, node.AgentPort).Check(c.Request.Context())
	c.JSON(http.StatusOK, result)
}

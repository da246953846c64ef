package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/corralhq/corral/pkg/command"
	"github.com/corralhq/corral/pkg/health"
	"github.com/corralhq/corral/pkg/metrics"
)

// Maintenance endpoints are the execution surface for the doctor's
// remediation actions. Each one forwards a command to the target
// node's agent and reports the agent's result.

const maintenanceTimeout = 60 * time.Second

type maintenanceRequest struct {
	NodeID     string `json:"node_id"`
	Aggressive bool   `json:"aggressive"`
	JobID      string `json:"job_id"`
}

func (s *Server) bindMaintenance(c *gin.Context, requireNode bool) (*maintenanceRequest, bool) {
	var req maintenanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return nil, false
	}
	if requireNode && req.NodeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "node_id is required"})
		return nil, false
	}
	return &req, true
}

// forwardShell sends a shell command to the node's agent and maps the
// agent result onto the response
func (s *Server) forwardShell(c *gin.Context, nodeID, cmd string) {
	result, err := s.dispatcher.Send(c.Request.Context(), nodeID, command.TypeShell,
		map[string]any{"command": cmd}, maintenanceTimeout)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	status := http.StatusOK
	if result.Success {
		metrics.DoctorActionsTotal.Inc()
	} else {
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{
		"success": result.Success,
		"node_id": nodeID,
		"output":  result.Output,
		"error":   result.Error,
	})
}

func (s *Server) handleDiskCleanup(c *gin.Context) {
	req, ok := s.bindMaintenance(c, true)
	if !ok {
		return
	}
	cmd := "docker system prune -f && journalctl --vacuum-time=7d"
	if req.Aggressive {
		cmd = "docker system prune -af --volumes && journalctl --vacuum-time=1d && rm -rf /tmp/corral-*"
	}
	s.forwardShell(c, req.NodeID, cmd)
}

func (s *Server) handleRestartAgent(c *gin.Context) {
	req, ok := s.bindMaintenance(c, true)
	if !ok {
		return
	}
	s.forwardShell(c, req.NodeID, "systemctl restart corral-agent")
}

func (s *Server) handleFixS3Mounts(c *gin.Context) {
	req, ok := s.bindMaintenance(c, true)
	if !ok {
		return
	}
	s.forwardShell(c, req.NodeID, "systemctl restart s3fs-mounts && mount -a")
}

func (s *Server) handlePruneDocker(c *gin.Context) {
	req, ok := s.bindMaintenance(c, true)
	if !ok {
		return
	}
	s.forwardShell(c, req.NodeID, "docker system prune -f")
}

// handleHealthCheck probes the agent endpoint rather than relaying a
// command, so it works even when the agent's command loop is wedged
func (s *Server) handleHealthCheck(c *gin.Context) {
	req, ok := s.bindMaintenance(c, true)
	if !ok {
		return
	}
	node, err := s.registry.Get(c.Request.Context(), req.NodeID)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	if node.IP == "" || node.AgentPort == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "node has no agent address on record"})
		return
	}
	result := health.NewAgentChecker(node.IP, node.AgentPort).Check(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"success": result.Healthy,
		"node_id": req.NodeID,
		"output":  result.Message,
	})
}

func (s *Server) handleRetryDeadJob(c *gin.Context) {
	req, ok := s.bindMaintenance(c, false)
	if !ok {
		return
	}
	if req.JobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id is required"})
		return
	}
	job, err := s.queue.Retry(c.Request.Context(), req.JobID)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "job_id": job.ID, "status": job.Status})
}

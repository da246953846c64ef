package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/corralhq/corral/pkg/queue"
	"github.com/corralhq/corral/pkg/types"
)

func (s *Server) handleSubmitJob(c *gin.Context) {
	var req queue.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job: " + err.Error()})
		return
	}
	job, err := s.queue.Submit(c.Request.Context(), req)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id": job.ID,
		"status": job.Status,
		"queue":  job.Priority,
	})
}

func (s *Server) handleSubmitBatch(c *gin.Context) {
	var reqs []queue.SubmitRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch: " + err.Error()})
		return
	}
	jobs, err := s.queue.SubmitBatch(c.Request.Context(), reqs)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	c.JSON(http.StatusOK, gin.H{"job_ids": ids, "count": len(ids)})
}

func (s *Server) handleCancelBatch(c *gin.Context) {
	var req struct {
		JobIDs []string `json:"job_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch: " + err.Error()})
		return
	}

	outcomes := s.queue.CancelBatch(c.Request.Context(), req.JobIDs)
	cancelled := 0
	failed := make(map[string]string)
	for id, err := range outcomes {
		if err != nil {
			failed[id] = err.Error()
			continue
		}
		cancelled++
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled, "failed": failed})
}

// handlePurgeJobs removes terminal job records older than the given
// age, defaulting to 24 hours
func (s *Server) handlePurgeJobs(c *gin.Context) {
	var req struct {
		OlderThanHours int `json:"older_than_hours"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.OlderThanHours <= 0 {
		req.OlderThanHours = 24
	}

	n, err := s.queue.Purge(c.Request.Context(), time.Duration(req.OlderThanHours)*time.Hour)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": n})
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleListJobs(c *gin.Context) {
	filter := queue.ListFilter{
		Status:   types.JobStatus(c.Query("status")),
		Type:     c.Query("type"),
		Priority: types.JobPriority(c.Query("priority")),
		Limit:    intQuery(c, "limit", 100),
	}
	jobs, err := s.queue.List(c.Request.Context(), filter)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleCancelJob(c *gin.Context) {
	job, err := s.queue.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "status": job.Status})
}

func (s *Server) handleRetryJob(c *gin.Context) {
	job, err := s.queue.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "status": job.Status})
}

func (s *Server) handleQueueStats(c *gin.Context) {
	ctx := c.Request.Context()
	stats, err := s.queue.GetStats(ctx)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	out := gin.H{"queue": stats}
	if summary, err := s.registry.Summary(ctx); err == nil {
		out["nodes"] = summary
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleClaim(c *gin.Context) {
	var req struct {
		WorkerID      string   `json:"worker_id"`
		AcceptedTypes []string `json:"accepted_types"`
		Cluster       string   `json:"cluster"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid claim: " + err.Error()})
		return
	}
	if req.WorkerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "worker_id is required"})
		return
	}

	job, err := s.queue.Claim(c.Request.Context(), req.WorkerID, req.AcceptedTypes, req.Cluster)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	if job == nil {
		c.JSON(http.StatusOK, gin.H{"job": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) handleComplete(c *gin.Context) {
	var req struct {
		WorkerID string          `json:"worker_id"`
		Result   json.RawMessage `json:"result"`
		Error    string          `json:"error"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid completion: " + err.Error()})
		return
	}

	job, err := s.queue.Complete(c.Request.Context(), c.Param("job_id"), req.WorkerID, req.Result, req.Error)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "status": job.Status, "retry_count": job.RetryCount})
}

func (s *Server) handleProgress(c *gin.Context) {
	var req struct {
		WorkerID string  `json:"worker_id"`
		Progress float64 `json:"progress"`
		Detail   string  `json:"detail"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid progress: " + err.Error()})
		return
	}

	job, err := s.queue.UpdateProgress(c.Request.Context(), c.Param("job_id"), req.WorkerID, req.Progress, req.Detail)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "progress": job.Progress})
}

package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/store"
	"github.com/corralhq/corral/pkg/types"
)

var (
	// ErrNotFound is returned when no job exists with the given id
	ErrNotFound = errors.New("queue: job not found")

	// ErrConflict is returned when an operation is not allowed in the
	// job's current state, or when a non-owning worker reports on a
	// job. The job is left unchanged.
	ErrConflict = errors.New("queue: operation not allowed")

	// ErrValidation is returned for malformed submissions
	ErrValidation = errors.New("queue: invalid request")
)

const (
	keyProcessing        = "queue:processing"
	keyStatsQueued       = "stats:queued"
	keyStatsCompleted    = "stats:completed"
	keyStatsFailed       = "stats:failed"
	keyCompletionHistory = "stats:completion_history"

	jobTTL               = 7 * 24 * time.Hour
	completionHistoryCap = 300
	rateWindow           = 5 * time.Minute
	callbackTimeout      = 10 * time.Second

	defaultMaxRetries = 3
)

func keyJob(id string) string { return "job:" + id }

func queueKey(p types.JobPriority) string { return "queue:" + string(p) }

// claimOrder is the strict priority scan order
var claimOrder = []types.JobPriority{types.PriorityHigh, types.PriorityNormal, types.PriorityLow}

// Queue is the three-tier priority job queue. Jobs are opaque records
// keyed by id; the three priority lists and the processing set hold ids
// only. Workers pull via Claim and report via Complete/UpdateProgress.
type Queue struct {
	store  store.Store
	bus    *events.Bus
	client *http.Client
	logger zerolog.Logger
}

// New creates a queue over the given store
func New(s store.Store, bus *events.Bus) *Queue {
	return &Queue{
		store:  s,
		bus:    bus,
		client: &http.Client{Timeout: callbackTimeout},
		logger: log.WithComponent("queue"),
	}
}

// SubmitRequest describes a job to enqueue
type SubmitRequest struct {
	Type           string            `json:"job_type"`
	Priority       types.JobPriority `json:"priority"`
	Payload        json.RawMessage   `json:"payload"`
	TargetNode     string            `json:"target_node"`
	TargetCluster  string            `json:"target_cluster"`
	TargetModel    string            `json:"target_model"`
	MaxRetries     int               `json:"max_retries"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	CallbackURL    string            `json:"callback_url"`
}

// Submit enqueues a new job and returns its record
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (*types.Job, error) {
	if req.Type == "" {
		return nil, fmt.Errorf("%w: job_type is required", ErrValidation)
	}
	if req.Priority == "" {
		req.Priority = types.PriorityNormal
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, req.Priority)
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = defaultMaxRetries
	}

	job := &types.Job{
		ID:             uuid.NewString(),
		Type:           req.Type,
		Priority:       req.Priority,
		Payload:        req.Payload,
		TargetNode:     req.TargetNode,
		TargetCluster:  req.TargetCluster,
		TargetModel:    req.TargetModel,
		Status:         types.JobQueued,
		MaxRetries:     req.MaxRetries,
		TimeoutSeconds: req.TimeoutSeconds,
		CreatedAt:      time.Now().UTC(),
		CallbackURL:    req.CallbackURL,
	}

	if err := q.save(ctx, job); err != nil {
		return nil, err
	}
	if err := q.store.RPush(ctx, queueKey(job.Priority), job.ID); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %v", err)
	}
	if _, err := q.store.Incr(ctx, keyStatsQueued); err != nil {
		q.logger.Warn().Err(err).Msg("Failed to increment queued counter")
	}

	q.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Str("priority", string(job.Priority)).
		Msg("Job submitted")

	q.bus.Publish(ctx, events.ChannelFleet, "job_submitted", map[string]any{
		"job_id":   job.ID,
		"job_type": job.Type,
		"priority": string(job.Priority),
	})
	return job, nil
}

// SubmitBatch enqueues several jobs in order; it stops at the first
// failure and returns the jobs accepted so far alongside the error
func (q *Queue) SubmitBatch(ctx context.Context, reqs []SubmitRequest) ([]*types.Job, error) {
	jobs := make([]*types.Job, 0, len(reqs))
	for i, req := range reqs {
		job, err := q.Submit(ctx, req)
		if err != nil {
			return jobs, fmt.Errorf("batch item %d: %w", i, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Get returns the current job record
func (q *Queue) Get(ctx context.Context, id string) (*types.Job, error) {
	return q.load(ctx, id)
}

// ListFilter narrows List results
type ListFilter struct {
	Status   types.JobStatus
	Type     string
	Priority types.JobPriority
	Limit    int
}

// List scans all job records and filters in memory. Intended for small
// fleets (thousands of jobs); newest first.
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]types.Job, error) {
	keys, err := q.store.Keys(ctx, "job:*")
	if err != nil {
		return nil, fmt.Errorf("failed to scan jobs: %v", err)
	}

	jobs := make([]types.Job, 0, len(keys))
	for _, key := range keys {
		raw, err := q.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var job types.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		if filter.Priority != "" && job.Priority != filter.Priority {
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// Cancel aborts a queued or processing job. Cancelling an already
// cancelled job is a no-op returning the current record.
func (q *Queue) Cancel(ctx context.Context, id string) (*types.Job, error) {
	job, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case types.JobCancelled:
		return job, nil
	case types.JobQueued:
		if err := q.store.LRem(ctx, queueKey(job.Priority), 0, job.ID); err != nil {
			return nil, fmt.Errorf("failed to remove job from queue: %v", err)
		}
	case types.JobProcessing:
		if err := q.store.SRem(ctx, keyProcessing, job.ID); err != nil {
			return nil, fmt.Errorf("failed to remove job from processing set: %v", err)
		}
	default:
		return nil, fmt.Errorf("%w: cannot cancel job in status %s", ErrConflict, job.Status)
	}

	now := time.Now().UTC()
	job.Status = types.JobCancelled
	job.CompletedAt = &now
	if err := q.save(ctx, job); err != nil {
		return nil, err
	}

	q.bus.Publish(ctx, events.ChannelFleet, "job_cancelled", map[string]any{"job_id": job.ID})
	return job, nil
}

// CancelBatch cancels each id, collecting per-job outcomes
func (q *Queue) CancelBatch(ctx context.Context, ids []string) map[string]error {
	results := make(map[string]error, len(ids))
	for _, id := range ids {
		_, err := q.Cancel(ctx, id)
		results[id] = err
	}
	return results
}

// Retry re-queues a failed or dead job with a fresh retry budget
func (q *Queue) Retry(ctx context.Context, id string) (*types.Job, error) {
	job, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != types.JobFailed && job.Status != types.JobDead {
		return nil, fmt.Errorf("%w: cannot retry job in status %s", ErrConflict, job.Status)
	}

	job.Status = types.JobQueued
	job.RetryCount = 0
	job.Error = ""
	job.AssignedNode = ""
	job.StartedAt = nil
	job.CompletedAt = nil
	job.Progress = 0
	job.ProgressDetail = ""

	if err := q.save(ctx, job); err != nil {
		return nil, err
	}
	if err := q.store.RPush(ctx, queueKey(job.Priority), job.ID); err != nil {
		return nil, fmt.Errorf("failed to re-enqueue job: %v", err)
	}

	q.bus.Publish(ctx, events.ChannelFleet, "job_retried", map[string]any{"job_id": job.ID})
	return job, nil
}

// Claim hands the next compatible job to a worker. Queues are scanned
// high to normal to low; within a queue jobs are FIFO. An incompatible
// job goes back to the tail of its queue so a matching worker can pick
// it up, and the scan keeps popping within the same tier, bounded by
// the tier's length at entry so pushed-back ids are not re-examined.
// Returns nil when no compatible job exists.
func (q *Queue) Claim(ctx context.Context, workerID string, acceptedTypes []string, workerCluster string) (*types.Job, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id is required", ErrValidation)
	}

	for _, priority := range claimOrder {
		length, err := q.store.LLen(ctx, queueKey(priority))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %v", queueKey(priority), err)
		}

		for i := int64(0); i < length; i++ {
			id, err := q.store.LPop(ctx, queueKey(priority))
			if errors.Is(err, store.ErrNotFound) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("failed to pop from %s: %v", queueKey(priority), err)
			}

			job, err := q.load(ctx, id)
			if err != nil {
				// Record expired or was cancelled out from under the
				// list; drop the dangling id and keep scanning
				q.logger.Warn().Str("job_id", id).Msg("Dropping dangling queue entry")
				continue
			}
			if job.Status != types.JobQueued {
				continue
			}

			if !compatible(job, workerID, acceptedTypes, workerCluster) {
				if err := q.store.RPush(ctx, queueKey(priority), id); err != nil {
					return nil, fmt.Errorf("failed to re-queue job %s: %v", id, err)
				}
				continue
			}

			now := time.Now().UTC()
			job.Status = types.JobProcessing
			job.AssignedNode = workerID
			job.StartedAt = &now
			if err := q.save(ctx, job); err != nil {
				return nil, err
			}
			if err := q.store.SAdd(ctx, keyProcessing, job.ID); err != nil {
				return nil, fmt.Errorf("failed to add to processing set: %v", err)
			}

			q.logger.Info().
				Str("job_id", job.ID).
				Str("worker_id", workerID).
				Str("priority", string(priority)).
				Msg("Job claimed")

			q.bus.Publish(ctx, events.ChannelFleet, "job_claimed", map[string]any{
				"job_id":    job.ID,
				"worker_id": workerID,
			})
			return job, nil
		}
	}
	return nil, nil
}

func compatible(job *types.Job, workerID string, acceptedTypes []string, workerCluster string) bool {
	if job.TargetNode != "" && job.TargetNode != workerID {
		return false
	}
	if job.TargetCluster != "" && job.TargetCluster != workerCluster {
		return false
	}
	if len(acceptedTypes) > 0 {
		for _, t := range acceptedTypes {
			if t == job.Type {
				return true
			}
		}
		return false
	}
	return true
}

// Complete records a worker's final report for a job it owns. On
// success the job is terminal and the optional callback fires. On error
// the job is re-queued until its retry budget is exhausted, then
// dead-lettered.
func (q *Queue) Complete(ctx context.Context, id, workerID string, result json.RawMessage, errMsg string) (*types.Job, error) {
	job, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.AssignedNode != workerID {
		return nil, fmt.Errorf("%w: job %s is assigned to %q, not %q", ErrConflict, id, job.AssignedNode, workerID)
	}
	if job.Status != types.JobProcessing {
		return nil, fmt.Errorf("%w: job %s is not processing", ErrConflict, id)
	}

	if err := q.store.SRem(ctx, keyProcessing, job.ID); err != nil {
		return nil, fmt.Errorf("failed to remove from processing set: %v", err)
	}

	now := time.Now().UTC()
	if errMsg == "" {
		job.Status = types.JobCompleted
		job.Progress = 100
		job.Result = result
		job.CompletedAt = &now
		if err := q.save(ctx, job); err != nil {
			return nil, err
		}
		if _, err := q.store.Incr(ctx, keyStatsCompleted); err != nil {
			q.logger.Warn().Err(err).Msg("Failed to increment completed counter")
		}
		q.recordCompletion(ctx, job.ID, now)
		if job.CallbackURL != "" {
			go q.fireCallback(job)
		}
		q.bus.Publish(ctx, events.ChannelFleet, "job_completed", map[string]any{
			"job_id":    job.ID,
			"worker_id": workerID,
		})
		return job, nil
	}

	job.Error = errMsg
	job.RetryCount++
	if job.RetryCount >= job.MaxRetries {
		job.Status = types.JobDead
		job.CompletedAt = &now
		if err := q.save(ctx, job); err != nil {
			return nil, err
		}
		if _, err := q.store.Incr(ctx, keyStatsFailed); err != nil {
			q.logger.Warn().Err(err).Msg("Failed to increment failed counter")
		}
		q.logger.Warn().
			Str("job_id", job.ID).
			Int("retries", job.RetryCount).
			Msg("Job dead-lettered")
		q.bus.Publish(ctx, events.ChannelFleet, "job_dead", map[string]any{
			"job_id": job.ID,
			"error":  errMsg,
		})
		return job, nil
	}

	job.Status = types.JobQueued
	job.AssignedNode = ""
	job.StartedAt = nil
	job.Progress = 0
	job.ProgressDetail = ""
	if err := q.save(ctx, job); err != nil {
		return nil, err
	}
	if err := q.store.RPush(ctx, queueKey(job.Priority), job.ID); err != nil {
		return nil, fmt.Errorf("failed to re-enqueue job: %v", err)
	}

	q.bus.Publish(ctx, events.ChannelFleet, "job_failed", map[string]any{
		"job_id":      job.ID,
		"retry_count": job.RetryCount,
		"error":       errMsg,
	})
	return job, nil
}

// UpdateProgress records progress from the owning worker, clamped to
// [0, 100]
func (q *Queue) UpdateProgress(ctx context.Context, id, workerID string, progress float64, detail string) (*types.Job, error) {
	job, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.AssignedNode != workerID {
		return nil, fmt.Errorf("%w: job %s is assigned to %q, not %q", ErrConflict, id, job.AssignedNode, workerID)
	}
	if job.Status != types.JobProcessing {
		return nil, fmt.Errorf("%w: job %s is not processing", ErrConflict, id)
	}

	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	job.Progress = progress
	job.ProgressDetail = detail
	if err := q.save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Purge deletes terminal jobs older than the cutoff and returns how
// many were removed
func (q *Queue) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	jobs, err := q.List(ctx, ListFilter{})
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, job := range jobs {
		if !job.Status.Terminal() {
			continue
		}
		ts := job.CreatedAt
		if job.CompletedAt != nil {
			ts = *job.CompletedAt
		}
		if ts.After(cutoff) {
			continue
		}
		if err := q.store.Delete(ctx, keyJob(job.ID)); err != nil {
			return purged, fmt.Errorf("failed to delete job %s: %v", job.ID, err)
		}
		purged++
	}
	return purged, nil
}

// Stats is the queue's aggregate view
type Stats struct {
	Depths         map[string]int64 `json:"depths"`
	Processing     int64            `json:"processing"`
	TotalQueued    int64            `json:"total_queued"`
	TotalCompleted int64            `json:"total_completed"`
	TotalFailed    int64            `json:"total_failed"`
	JobsPerMinute  float64          `json:"jobs_per_minute"`
}

// GetStats reads depths, lifetime totals, and the processing rate over
// the recent completion window
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Depths: make(map[string]int64, len(claimOrder))}
	for _, p := range claimOrder {
		depth, err := q.store.LLen(ctx, queueKey(p))
		if err != nil {
			return nil, fmt.Errorf("failed to read depth of %s: %v", queueKey(p), err)
		}
		stats.Depths[string(p)] = depth
	}

	var err error
	if stats.Processing, err = q.store.SCard(ctx, keyProcessing); err != nil {
		return nil, fmt.Errorf("failed to read processing set: %v", err)
	}
	stats.TotalQueued = q.counter(ctx, keyStatsQueued)
	stats.TotalCompleted = q.counter(ctx, keyStatsCompleted)
	stats.TotalFailed = q.counter(ctx, keyStatsFailed)
	stats.JobsPerMinute = q.completionRate(ctx)
	return stats, nil
}

// Depth returns the summed length of all three priority queues
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var total int64
	for _, p := range claimOrder {
		depth, err := q.store.LLen(ctx, queueKey(p))
		if err != nil {
			return 0, err
		}
		total += depth
	}
	return total, nil
}

func (q *Queue) counter(ctx context.Context, key string) int64 {
	raw, err := q.store.Get(ctx, key)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

type completionEntry struct {
	JobID       string    `json:"job_id"`
	CompletedAt time.Time `json:"completed_at"`
}

func (q *Queue) recordCompletion(ctx context.Context, jobID string, at time.Time) {
	data, err := json.Marshal(completionEntry{JobID: jobID, CompletedAt: at})
	if err != nil {
		return
	}
	if err := q.store.LPush(ctx, keyCompletionHistory, string(data)); err != nil {
		q.logger.Warn().Err(err).Msg("Failed to record completion")
		return
	}
	if err := q.store.LTrim(ctx, keyCompletionHistory, 0, completionHistoryCap-1); err != nil {
		q.logger.Warn().Err(err).Msg("Failed to trim completion history")
	}
}

// completionRate computes jobs per minute over the recent window
func (q *Queue) completionRate(ctx context.Context) float64 {
	raw, err := q.store.LRange(ctx, keyCompletionHistory, 0, completionHistoryCap-1)
	if err != nil {
		return 0
	}
	cutoff := time.Now().UTC().Add(-rateWindow)
	recent := 0
	for _, item := range raw {
		var entry completionEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		if entry.CompletedAt.After(cutoff) {
			recent++
		}
	}
	return float64(recent) / rateWindow.Minutes()
}

// fireCallback POSTs the final job record to the callback URL. One
// attempt, bounded timeout, failures logged and forgotten.
func (q *Queue) fireCallback(job *types.Job) {
	body, err := json.Marshal(job)
	if err != nil {
		return
	}
	resp, err := q.client.Post(job.CallbackURL, "application/json", bytes.NewReader(body))
	if err != nil {
		q.logger.Warn().Err(err).
			Str("job_id", job.ID).
			Str("callback_url", job.CallbackURL).
			Msg("Callback failed")
		return
	}
	resp.Body.Close()
}

func (q *Queue) load(ctx context.Context, id string) (*types.Job, error) {
	raw, err := q.store.Get(ctx, keyJob(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %v", id, err)
	}
	var job types.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("corrupt job record %s: %v", id, err)
	}
	return &job, nil
}

func (q *Queue) save(ctx context.Context, job *types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %v", err)
	}
	if err := q.store.Set(ctx, keyJob(job.ID), string(data), jobTTL); err != nil {
		return fmt.Errorf("failed to store job: %v", err)
	}
	return nil
}

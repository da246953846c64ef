package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/corralhq/corral/pkg/store"
	"github.com/corralhq/corral/pkg/types"
)

var (
	// ErrNotFound is returned when no generation job exists with the
	// given id
	ErrNotFound = errors.New("vision: job not found")

	// ErrValidation is returned for malformed generation requests
	ErrValidation = errors.New("vision: invalid request")

	// ErrNodeNotFound is returned when a vision node is unknown
	ErrNodeNotFound = errors.New("vision: node not found")
)

const (
	keyQueue  = "vision:queue"
	keyNodes  = "vision:nodes"
	keyStatus = "vision:scheduler:status"

	jobTTL = 7 * 24 * time.Hour
)

func keyJob(id string) string { return "vision:job:" + id }

// GenerationJob is an image-generation request routed by the scheduler.
// Params carry the diffusion settings verbatim; the scheduler only
// reads Model and Priority.
type GenerationJob struct {
	ID          string            `json:"job_id"`
	Prompt      string            `json:"prompt"`
	Model       string            `json:"model"`
	Priority    types.JobPriority `json:"priority"`
	Params      json.RawMessage   `json:"params,omitempty"`
	Status      types.JobStatus   `json:"status"`
	NodeID      string            `json:"node_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
}

func priorityRank(p types.JobPriority) int {
	switch p {
	case types.PriorityHigh:
		return 2
	case types.PriorityNormal:
		return 1
	default:
		return 0
	}
}

// GenerateRequest describes a new image job
type GenerateRequest struct {
	Prompt   string            `json:"prompt"`
	Model    string            `json:"model"`
	Priority types.JobPriority `json:"priority"`
	Params   json.RawMessage   `json:"params,omitempty"`
}

// Submit enqueues an image job for the dispatcher
func (s *Scheduler) Submit(ctx context.Context, req GenerateRequest) (*GenerationJob, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	if req.Model == "" {
		return nil, fmt.Errorf("%w: model is required", ErrValidation)
	}
	if req.Priority == "" {
		req.Priority = types.PriorityNormal
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, req.Priority)
	}

	job := &GenerationJob{
		ID:        uuid.NewString(),
		Prompt:    req.Prompt,
		Model:     req.Model,
		Priority:  req.Priority,
		Params:    req.Params,
		Status:    types.JobQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.saveJob(ctx, job); err != nil {
		return nil, err
	}
	if err := s.store.RPush(ctx, keyQueue, job.ID); err != nil {
		return nil, fmt.Errorf("failed to enqueue vision job: %v", err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("model", job.Model).
		Str("priority", string(job.Priority)).
		Msg("Vision job submitted")
	return job, nil
}

// GetJob returns the current record for a generation job
func (s *Scheduler) GetJob(ctx context.Context, id string) (*GenerationJob, error) {
	return s.loadJob(ctx, id)
}

func (s *Scheduler) loadJob(ctx context.Context, id string) (*GenerationJob, error) {
	raw, err := s.store.Get(ctx, keyJob(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vision job %s: %v", id, err)
	}
	var job GenerationJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("corrupt vision job %s: %v", id, err)
	}
	return &job, nil
}

func (s *Scheduler) saveJob(ctx context.Context, job *GenerationJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal vision job: %v", err)
	}
	if err := s.store.Set(ctx, keyJob(job.ID), string(data), jobTTL); err != nil {
		return fmt.Errorf("failed to store vision job: %v", err)
	}
	return nil
}

// popNext removes and returns the best pending job: highest priority
// first, FIFO within a priority. Only the single-threaded dispatcher
// consumes the queue, so the scan-then-remove is race-free.
func (s *Scheduler) popNext(ctx context.Context) (*GenerationJob, error) {
	ids, err := s.store.LRange(ctx, keyQueue, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to read vision queue: %v", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var best *GenerationJob
	for _, id := range ids {
		job, err := s.loadJob(ctx, id)
		if err != nil {
			// Expired or corrupt record: drop the dangling id
			s.store.LRem(ctx, keyQueue, 1, id)
			continue
		}
		if best == nil ||
			priorityRank(job.Priority) > priorityRank(best.Priority) ||
			(priorityRank(job.Priority) == priorityRank(best.Priority) && job.CreatedAt.Before(best.CreatedAt)) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}
	if err := s.store.LRem(ctx, keyQueue, 1, best.ID); err != nil {
		return nil, fmt.Errorf("failed to dequeue vision job: %v", err)
	}
	return best, nil
}

// requeueHead puts a job back at the front of the queue so it is the
// next one considered
func (s *Scheduler) requeueHead(ctx context.Context, id string) error {
	return s.store.LPush(ctx, keyQueue, id)
}

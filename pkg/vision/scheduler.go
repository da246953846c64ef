package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/store"
	"github.com/corralhq/corral/pkg/types"
)

const (
	idleSleep       = 500 * time.Millisecond
	noWorkerBackoff = time.Second
	swapTimeout     = 120 * time.Second
	swapPollEvery   = 2 * time.Second
)

// Scheduler routes image jobs to vision workers with model-sticky
// placement. The dispatcher is deliberately single-threaded: the
// swap-or-not decision needs a serialized view of which worker holds
// which model. Generation calls run on per-job goroutines so the
// dispatcher keeps draining the queue.
type Scheduler struct {
	store   store.Store
	bus     *events.Bus
	workers WorkerClient
	logger  zerolog.Logger

	// swapTimeout and swapPoll are fields so tests can shrink them
	swapTimeout time.Duration
	swapPoll    time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates the vision scheduler
func NewScheduler(s store.Store, bus *events.Bus, workers WorkerClient) *Scheduler {
	return &Scheduler{
		store:       s,
		bus:         bus,
		workers:     workers,
		logger:      log.WithComponent("vision"),
		swapTimeout: swapTimeout,
		swapPoll:    swapPollEvery,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the dispatcher loop
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Info().Msg("Vision scheduler started")
}

// Stop halts the dispatcher and waits for it to finish the current pass
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("Vision scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.markStaleOffline(ctx)
		s.writeStatus(ctx)

		dispatched, err := s.ProcessOne(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("Dispatch pass failed")
			s.bus.Publish(ctx, events.ChannelFleet, "error", map[string]any{
				"component": "vision",
				"error":     err.Error(),
			})
			s.sleep(noWorkerBackoff)
			continue
		}
		if !dispatched {
			s.sleep(idleSleep)
		}
	}
}

func (s *Scheduler) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-s.stopCh:
	}
}

// ProcessOne runs a single dispatch pass: pop the best job, pick a
// worker, swap if needed, and launch the generation. Returns false when
// there was nothing to do (empty queue, or no worker and the job went
// back to the head of the queue).
func (s *Scheduler) ProcessOne(ctx context.Context) (bool, error) {
	job, err := s.popNext(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	if job.Status != types.JobQueued {
		// Cancelled while queued; drop silently
		return true, nil
	}

	nodes, err := s.Nodes(ctx)
	if err != nil {
		s.requeue(ctx, job)
		return false, err
	}
	candidate := selectWorker(nodes, job.Model, time.Now().UTC())
	if candidate == nil {
		if err := s.requeueHead(ctx, job.ID); err != nil {
			return false, err
		}
		s.sleep(noWorkerBackoff)
		return false, nil
	}

	if candidate.CurrentModel != job.Model {
		if err := s.swap(ctx, candidate, job); err != nil {
			// Job already marked failed and worker offline inside swap
			s.logger.Warn().Err(err).
				Str("job_id", job.ID).
				Str("node_id", candidate.NodeID).
				Msg("Model swap failed")
			return true, nil
		}
	}

	return true, s.dispatch(ctx, candidate.NodeID, job)
}

// requeue returns a popped job to the head of the queue after a
// bookkeeping failure so it is not stranded off-list in queued status
func (s *Scheduler) requeue(ctx context.Context, job *GenerationJob) {
	if err := s.requeueHead(ctx, job.ID); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to requeue job")
	}
}

// swap triggers a model switch on the worker and waits for its
// heartbeat to confirm the new model. On timeout the job fails and the
// worker is marked offline so it is not chosen again until it reports.
func (s *Scheduler) swap(ctx context.Context, candidate *Node, job *GenerationJob) error {
	s.logger.Info().
		Str("node_id", candidate.NodeID).
		Str("from", candidate.CurrentModel).
		Str("to", job.Model).
		Msg("Requesting model swap")

	if err := s.workers.SwitchModel(ctx, *candidate, job.Model); err != nil {
		s.failJob(ctx, job, fmt.Sprintf("model switch request failed: %v", err))
		s.setNodeOffline(ctx, candidate.NodeID)
		return err
	}

	node, err := s.getNode(ctx, candidate.NodeID)
	if err != nil {
		s.requeue(ctx, job)
		return err
	}
	node.Status = types.NodeStatusSwitching
	node.CurrentModel = ""
	node.CurrentJobID = ""
	if err := s.putNode(ctx, node); err != nil {
		s.requeue(ctx, job)
		return err
	}
	s.bus.Publish(ctx, events.ChannelFleet, "model_switching", map[string]any{
		"node_id": candidate.NodeID,
		"model":   job.Model,
	})

	deadline := time.Now().Add(s.swapTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-s.stopCh:
			return fmt.Errorf("scheduler stopping")
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.swapPoll):
		}

		node, err := s.getNode(ctx, candidate.NodeID)
		if err != nil {
			continue
		}
		if node.CurrentModel == job.Model &&
			time.Now().UTC().Sub(node.LastHeartbeat) <= staleAfter {
			node.Status = types.NodeStatusOnline
			if err := s.putNode(ctx, node); err != nil {
				s.requeue(ctx, job)
				return err
			}
			candidate.CurrentModel = job.Model
			s.logger.Info().
				Str("node_id", candidate.NodeID).
				Str("model", job.Model).
				Msg("Model swap complete")
			return nil
		}
	}

	s.failJob(ctx, job, fmt.Sprintf("model swap to %s timed out on %s", job.Model, candidate.NodeID))
	s.setNodeOffline(ctx, candidate.NodeID)
	return fmt.Errorf("swap to %s timed out on %s", job.Model, candidate.NodeID)
}

// dispatch marks the worker busy and launches the generation call on
// its own goroutine
func (s *Scheduler) dispatch(ctx context.Context, nodeID string, job *GenerationJob) error {
	node, err := s.getNode(ctx, nodeID)
	if err != nil {
		s.requeue(ctx, job)
		return err
	}
	node.Status = types.NodeStatusBusy
	node.CurrentJobID = job.ID
	if err := s.putNode(ctx, node); err != nil {
		s.requeue(ctx, job)
		return err
	}

	now := time.Now().UTC()
	job.Status = types.JobProcessing
	job.NodeID = nodeID
	job.StartedAt = &now
	if err := s.saveJob(ctx, job); err != nil {
		// Release the slot so the worker is not stranded busy
		node.Status = types.NodeStatusOnline
		node.CurrentJobID = ""
		if perr := s.putNode(ctx, node); perr != nil {
			s.logger.Error().Err(perr).Str("node_id", nodeID).Msg("Failed to release worker slot")
		}
		s.requeue(ctx, job)
		return err
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("node_id", nodeID).
		Str("model", job.Model).
		Msg("Dispatching vision job")
	s.bus.Publish(ctx, events.ChannelFleet, "vision_job_dispatched", map[string]any{
		"job_id":  job.ID,
		"node_id": nodeID,
	})

	target := *node
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, err := s.workers.Generate(ctx, target, job)
		s.finishJob(ctx, job, nodeID, result, err)
	}()
	return nil
}

// finishJob records the generation outcome and releases the worker
func (s *Scheduler) finishJob(ctx context.Context, job *GenerationJob, nodeID string, result json.RawMessage, genErr error) {
	now := time.Now().UTC()
	job.CompletedAt = &now
	if genErr != nil {
		job.Status = types.JobFailed
		job.Error = genErr.Error()
	} else {
		job.Status = types.JobCompleted
		job.Result = result
	}
	if err := s.saveJob(ctx, job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record vision job outcome")
	}

	if node, err := s.getNode(ctx, nodeID); err == nil && node.CurrentJobID == job.ID {
		node.CurrentJobID = ""
		node.Status = types.NodeStatusOnline
		if err := s.putNode(ctx, node); err != nil {
			s.logger.Error().Err(err).Str("node_id", nodeID).Msg("Failed to release vision worker")
		}
	}

	eventType := "vision_job_completed"
	if genErr != nil {
		eventType = "vision_job_failed"
	}
	s.bus.Publish(ctx, events.ChannelFleet, eventType, map[string]any{
		"job_id":  job.ID,
		"node_id": nodeID,
	})
}

func (s *Scheduler) failJob(ctx context.Context, job *GenerationJob, reason string) {
	now := time.Now().UTC()
	job.Status = types.JobFailed
	job.Error = reason
	job.CompletedAt = &now
	if err := s.saveJob(ctx, job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record vision job failure")
	}
	s.bus.Publish(ctx, events.ChannelFleet, "vision_job_failed", map[string]any{
		"job_id": job.ID,
		"error":  reason,
	})
}

func (s *Scheduler) setNodeOffline(ctx context.Context, nodeID string) {
	node, err := s.getNode(ctx, nodeID)
	if err != nil {
		return
	}
	node.Status = types.NodeStatusOffline
	node.CurrentJobID = ""
	if err := s.putNode(ctx, node); err != nil {
		s.logger.Error().Err(err).Str("node_id", nodeID).Msg("Failed to mark vision node offline")
	}
}

// Cancel aborts a generation job, forwarding to the worker when the
// job is already in flight
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (*GenerationJob, error) {
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	if job.Status == types.JobQueued {
		if err := s.store.LRem(ctx, keyQueue, 0, job.ID); err != nil {
			return nil, fmt.Errorf("failed to remove job from vision queue: %v", err)
		}
	}

	if job.Status == types.JobProcessing && job.NodeID != "" {
		if node, err := s.getNode(ctx, job.NodeID); err == nil {
			if err := s.workers.CancelJob(ctx, *node, job.ID); err != nil {
				s.logger.Warn().Err(err).
					Str("job_id", job.ID).
					Str("node_id", job.NodeID).
					Msg("Worker cancel forward failed")
			}
		}
	}

	now := time.Now().UTC()
	job.Status = types.JobCancelled
	job.CompletedAt = &now
	if err := s.saveJob(ctx, job); err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, events.ChannelFleet, "vision_job_cancelled", map[string]any{"job_id": job.ID})
	return job, nil
}

// ForceSwitch is the operator path for preloading a model on a worker.
// The worker goes through the same switching state as a scheduled swap;
// subsequent heartbeats report the loaded model.
func (s *Scheduler) ForceSwitch(ctx context.Context, nodeID, model string) error {
	if model == "" {
		return fmt.Errorf("%w: model_name is required", ErrValidation)
	}
	node, err := s.getNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.CurrentJobID != "" {
		return fmt.Errorf("%w: node %s is running job %s", ErrValidation, nodeID, node.CurrentJobID)
	}

	if err := s.workers.SwitchModel(ctx, *node, model); err != nil {
		return err
	}
	node.Status = types.NodeStatusSwitching
	node.CurrentModel = ""
	if err := s.putNode(ctx, node); err != nil {
		return err
	}
	s.bus.Publish(ctx, events.ChannelFleet, "model_switching", map[string]any{
		"node_id": nodeID,
		"model":   model,
	})
	return nil
}

// Status is the scheduler's public snapshot
type Status struct {
	Running        bool      `json:"running"`
	QueueDepth     int64     `json:"queue_depth"`
	TotalNodes     int       `json:"total_nodes"`
	AvailableNodes int       `json:"available_nodes"`
	BusyNodes      int       `json:"busy_nodes"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// GetStatus composes the current scheduler snapshot
func (s *Scheduler) GetStatus(ctx context.Context) (*Status, error) {
	depth, err := s.store.LLen(ctx, keyQueue)
	if err != nil {
		return nil, fmt.Errorf("failed to read vision queue depth: %v", err)
	}
	nodes, err := s.Nodes(ctx)
	if err != nil {
		return nil, err
	}

	status := &Status{
		Running:    true,
		QueueDepth: depth,
		TotalNodes: len(nodes),
		UpdatedAt:  time.Now().UTC(),
	}
	now := time.Now().UTC()
	for i := range nodes {
		if nodes[i].Available(now) {
			status.AvailableNodes++
		}
		if nodes[i].Status == types.NodeStatusBusy {
			status.BusyNodes++
		}
	}
	return status, nil
}

func (s *Scheduler) writeStatus(ctx context.Context) {
	status, err := s.GetStatus(ctx)
	if err != nil {
		return
	}
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := s.store.Set(ctx, keyStatus, string(data), 0); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write scheduler status")
	}
}

package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/corralhq/corral/pkg/store"
	"github.com/corralhq/corral/pkg/types"
)

// staleAfter is the vision-worker liveness window. Missing heartbeats
// beyond it mark the worker offline.
const staleAfter = 30 * time.Second

// Node is a vision worker as the scheduler sees it. CurrentJobID is
// owned by the dispatcher; the rest is refreshed by worker heartbeats.
type Node struct {
	NodeID        string           `json:"node_id"`
	Hostname      string           `json:"hostname"`
	IP            string           `json:"ip"`
	Port          int              `json:"port"`
	Status        types.NodeStatus `json:"status"`
	CurrentModel  string           `json:"current_model,omitempty"`
	CurrentJobID  string           `json:"current_job_id,omitempty"`
	GPUUtil       float64          `json:"gpu_util"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
}

// Available reports whether the node can accept a new job
func (n *Node) Available(now time.Time) bool {
	return n.Status == types.NodeStatusOnline &&
		n.CurrentJobID == "" &&
		now.Sub(n.LastHeartbeat) <= staleAfter
}

// HeartbeatRequest is the vision worker's periodic self-report
type HeartbeatRequest struct {
	NodeID       string           `json:"node_id"`
	Hostname     string           `json:"hostname"`
	IP           string           `json:"ip"`
	Port         int              `json:"port"`
	CurrentModel string           `json:"current_model"`
	GPUUtil      float64          `json:"gpu_util"`
	Status       types.NodeStatus `json:"status"`
}

// Heartbeat merges a worker's report into its record. The dispatcher's
// in-flight bookkeeping (current job, switching state) survives the
// merge: a worker that says "online" while the dispatcher has it
// switching stays switching until the model matches the swap target.
func (s *Scheduler) Heartbeat(ctx context.Context, hb HeartbeatRequest) error {
	if hb.NodeID == "" {
		return fmt.Errorf("%w: node_id is required", ErrValidation)
	}
	if hb.Status == "" {
		hb.Status = types.NodeStatusOnline
	}

	node, err := s.getNode(ctx, hb.NodeID)
	if err != nil && !errors.Is(err, ErrNodeNotFound) {
		return err
	}
	if node == nil {
		node = &Node{NodeID: hb.NodeID}
	}

	node.Hostname = hb.Hostname
	node.IP = hb.IP
	node.Port = hb.Port
	node.CurrentModel = hb.CurrentModel
	node.GPUUtil = hb.GPUUtil
	node.LastHeartbeat = time.Now().UTC()

	switch node.Status {
	case types.NodeStatusSwitching:
		// Swap completion is detected by the dispatcher's poll; the
		// heartbeat only refreshes the reported model
	case types.NodeStatusBusy:
		// Dispatcher owns the busy flag while a job is in flight
		if node.CurrentJobID == "" {
			node.Status = hb.Status
		}
	default:
		node.Status = hb.Status
	}

	return s.putNode(ctx, node)
}

// Nodes returns all known vision workers, stale ones marked offline,
// sorted by id for stable output
func (s *Scheduler) Nodes(ctx context.Context) ([]Node, error) {
	raw, err := s.store.HGetAll(ctx, keyNodes)
	if err != nil {
		return nil, fmt.Errorf("failed to read vision nodes: %v", err)
	}

	now := time.Now().UTC()
	nodes := make([]Node, 0, len(raw))
	for id, data := range raw {
		var node Node
		if err := json.Unmarshal([]byte(data), &node); err != nil {
			s.logger.Warn().Str("node_id", id).Msg("Skipping corrupt vision node record")
			continue
		}
		if now.Sub(node.LastHeartbeat) > staleAfter {
			node.Status = types.NodeStatusOffline
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes, nil
}

// markStaleOffline persists the offline status for workers whose
// heartbeat lapsed, releasing any job slot they held
func (s *Scheduler) markStaleOffline(ctx context.Context) {
	nodes, err := s.Nodes(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Node monitor pass failed")
		return
	}
	now := time.Now().UTC()
	for i := range nodes {
		node := &nodes[i]
		if now.Sub(node.LastHeartbeat) <= staleAfter {
			continue
		}
		stored, err := s.getNode(ctx, node.NodeID)
		if err != nil || stored.Status == types.NodeStatusOffline {
			continue
		}
		stored.Status = types.NodeStatusOffline
		stored.CurrentJobID = ""
		if err := s.putNode(ctx, stored); err != nil {
			s.logger.Warn().Err(err).Str("node_id", node.NodeID).Msg("Failed to mark node offline")
			continue
		}
		s.logger.Warn().Str("node_id", node.NodeID).Msg("Vision node went offline")
		s.bus.Alert(ctx, "vision_node_offline", map[string]any{"node_id": node.NodeID})
	}
}

// selectWorker implements the sticky-model choice: among available
// workers prefer those already holding the model, lowest GPU load
// first; otherwise any available worker, accepting a swap.
func selectWorker(nodes []Node, model string, now time.Time) *Node {
	var sticky, fallback *Node
	for i := range nodes {
		node := &nodes[i]
		if !node.Available(now) {
			continue
		}
		if node.CurrentModel == model {
			if sticky == nil || node.GPUUtil < sticky.GPUUtil {
				sticky = node
			}
		}
		if fallback == nil || node.GPUUtil < fallback.GPUUtil {
			fallback = node
		}
	}
	if sticky != nil {
		return sticky
	}
	return fallback
}

func (s *Scheduler) getNode(ctx context.Context, id string) (*Node, error) {
	raw, err := s.store.HGet(ctx, keyNodes, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vision node %s: %v", id, err)
	}
	var node Node
	if err := json.Unmarshal([]byte(raw), &node); err != nil {
		return nil, fmt.Errorf("corrupt vision node record %s: %v", id, err)
	}
	return &node, nil
}

func (s *Scheduler) putNode(ctx context.Context, node *Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal vision node: %v", err)
	}
	if err := s.store.HSet(ctx, keyNodes, node.NodeID, string(data)); err != nil {
		return fmt.Errorf("failed to store vision node: %v", err)
	}
	return nil
}

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/store"
	"github.com/corralhq/corral/pkg/types"
)

var (
	// ErrNotFound is returned when a node has neither a registration
	// nor a live heartbeat
	ErrNotFound = errors.New("registry: node not found")

	// ErrValidation is returned for malformed registrations and
	// heartbeats; nothing is written
	ErrValidation = errors.New("registry: invalid report")
)

const (
	keyActive     = "nodes:active"
	keyRegistered = "nodes:registered"

	powerHistoryCap = 100
	metricRingCap   = 3600
)

func keyHeartbeat(id string) string    { return "node:" + id + ":heartbeat" }
func keyRegistration(id string) string { return "node:" + id + ":registration" }
func keyPowerHistory(id string) string { return "node:" + id + ":power_history" }
func keyMetrics(id string) string      { return "node:" + id + ":metrics" }
func keyCluster(name string) string    { return "cluster:" + name + ":nodes" }

// metricSample is the compact per-heartbeat entry kept in the metric ring
type metricSample struct {
	Timestamp time.Time `json:"ts"`
	GPUUtil   float64   `json:"gpu_util"`
	CPUPct    float64   `json:"cpu_pct"`
	MemPct    float64   `json:"mem_pct"`
	DiskPct   float64   `json:"disk_pct"`
}

// Registry maintains the authoritative live-node view. All state lives
// in the store; liveness is derived from heartbeat key TTLs rather than
// any in-process bookkeeping, so concurrent heartbeats need no locking.
type Registry struct {
	store  store.Store
	bus    *events.Bus
	ttl    time.Duration
	logger zerolog.Logger
}

// New creates a registry with the given heartbeat liveness window
func New(s store.Store, bus *events.Bus, heartbeatTTL time.Duration) *Registry {
	return &Registry{
		store:  s,
		bus:    bus,
		ttl:    heartbeatTTL,
		logger: log.WithComponent("registry"),
	}
}

// Register stores a node's registration record. Idempotent: repeated
// registrations with the same id overwrite the record in place.
func (r *Registry) Register(ctx context.Context, reg types.Registration) error {
	if reg.NodeID == "" {
		return fmt.Errorf("%w: node_id is required", ErrValidation)
	}
	if reg.Hostname == "" || reg.IP == "" {
		return fmt.Errorf("%w: hostname and ip are required", ErrValidation)
	}
	if reg.RegisteredAt.IsZero() {
		reg.RegisteredAt = time.Now().UTC()
	}

	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %v", err)
	}

	if err := r.store.Set(ctx, keyRegistration(reg.NodeID), string(data), 0); err != nil {
		return fmt.Errorf("failed to store registration: %v", err)
	}
	if err := r.store.SAdd(ctx, keyRegistered, reg.NodeID); err != nil {
		return fmt.Errorf("failed to add to registered set: %v", err)
	}
	if reg.Cluster != "" {
		if err := r.store.SAdd(ctx, keyCluster(reg.Cluster), reg.NodeID); err != nil {
			return fmt.Errorf("failed to add to cluster set: %v", err)
		}
	}

	r.logger.Info().
		Str("node_id", reg.NodeID).
		Str("hostname", reg.Hostname).
		Str("cluster", reg.Cluster).
		Msg("Node registered")

	r.bus.Publish(ctx, events.ChannelFleet, "node_registered", map[string]any{
		"node_id":  reg.NodeID,
		"hostname": reg.Hostname,
		"cluster":  reg.Cluster,
	})
	return nil
}

// Heartbeat records a node's periodic self-report. The heartbeat key
// carries the liveness TTL; power and metric samples are appended to
// capped rings.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string, hb types.Heartbeat) error {
	if nodeID == "" {
		return fmt.Errorf("%w: node_id is required", ErrValidation)
	}
	if hb.NodeID != "" && hb.NodeID != nodeID {
		return fmt.Errorf("%w: node_id mismatch (%s vs %s)", ErrValidation, hb.NodeID, nodeID)
	}
	hb.NodeID = nodeID
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %v", err)
	}

	if err := r.store.Set(ctx, keyHeartbeat(nodeID), string(data), r.ttl); err != nil {
		return fmt.Errorf("failed to store heartbeat: %v", err)
	}
	if err := r.store.SAdd(ctx, keyActive, nodeID); err != nil {
		return fmt.Errorf("failed to add to active set: %v", err)
	}

	if hb.Power != nil {
		if err := r.appendRing(ctx, keyPowerHistory(nodeID), hb.Power, powerHistoryCap); err != nil {
			r.logger.Warn().Err(err).Str("node_id", nodeID).Msg("Failed to append power sample")
		}
	}

	sample := metricSample{
		Timestamp: hb.Timestamp,
		GPUUtil:   hb.AvgGPUUtil(),
		CPUPct:    hb.System.CPUPct,
		MemPct:    hb.System.MemPct,
		DiskPct:   hb.System.DiskPct,
	}
	if err := r.appendRing(ctx, keyMetrics(nodeID), sample, metricRingCap); err != nil {
		r.logger.Warn().Err(err).Str("node_id", nodeID).Msg("Failed to append metric sample")
	}

	r.bus.Publish(ctx, events.MetricsChannel(nodeID), "heartbeat", map[string]any{
		"node_id":  nodeID,
		"gpu_util": sample.GPUUtil,
		"cpu_pct":  sample.CPUPct,
		"mem_pct":  sample.MemPct,
		"disk_pct": sample.DiskPct,
	})
	return nil
}

func (r *Registry) appendRing(ctx context.Context, key string, v any, size int) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := r.store.LPush(ctx, key, string(data)); err != nil {
		return err
	}
	return r.store.LTrim(ctx, key, 0, int64(size-1))
}

// Get returns the merged view of a single node
func (r *Registry) Get(ctx context.Context, nodeID string) (*types.Node, error) {
	node, err := r.load(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, ErrNotFound
	}
	return node, nil
}

// load merges registration and heartbeat into a Node snapshot. Returns
// nil when neither record exists.
func (r *Registry) load(ctx context.Context, nodeID string) (*types.Node, error) {
	node := &types.Node{Status: types.NodeStatusOffline}
	found := false

	if raw, err := r.store.Get(ctx, keyRegistration(nodeID)); err == nil {
		if err := json.Unmarshal([]byte(raw), &node.Registration); err != nil {
			return nil, fmt.Errorf("corrupt registration for %s: %v", nodeID, err)
		}
		found = true
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if raw, err := r.store.Get(ctx, keyHeartbeat(nodeID)); err == nil {
		var hb types.Heartbeat
		if err := json.Unmarshal([]byte(raw), &hb); err != nil {
			return nil, fmt.Errorf("corrupt heartbeat for %s: %v", nodeID, err)
		}
		found = true
		node.LastHeartbeat = hb.Timestamp
		node.GPUs = hb.GPUs
		node.System = hb.System
		node.Power = hb.Power
		node.Activity = hb.Activity
		node.Containers = hb.Containers
		node.Swarm = hb.Swarm
		if hb.Hostname != "" {
			node.Hostname = hb.Hostname
		}
		if hb.IP != "" {
			node.IP = hb.IP
		}
		if hb.Cluster != "" {
			node.Cluster = hb.Cluster
		}
		node.Status = types.NodeStatusOnline
		if hb.Status != "" {
			node.Status = hb.Status
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if !found {
		return nil, nil
	}
	node.NodeID = nodeID
	return node, nil
}

// ListFilter narrows List results
type ListFilter struct {
	Cluster string
	Status  types.NodeStatus
}

// List returns the merged view of all known nodes. Active-set members
// whose heartbeat has expired are lazily removed from the active set;
// a member with no surviving record at all is still reported offline
// one final time while being pruned.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]types.Node, error) {
	ids, activeSet, err := r.knownIDs(ctx)
	if err != nil {
		return nil, err
	}

	nodes := make([]types.Node, 0, len(ids))
	for _, id := range ids {
		node, err := r.load(ctx, id)
		if err != nil {
			r.logger.Warn().Err(err).Str("node_id", id).Msg("Skipping unreadable node")
			continue
		}
		if node == nil {
			if !activeSet[id] {
				continue
			}
			// Heartbeat-only member whose record expired: nothing to
			// merge, but the membership must not leak
			node = &types.Node{Status: types.NodeStatusOffline}
			node.NodeID = id
		}
		if node.Status == types.NodeStatusOffline && activeSet[id] {
			// Passive GC: active membership with no heartbeat is stale
			if err := r.store.SRem(ctx, keyActive, id); err != nil {
				r.logger.Warn().Err(err).Str("node_id", id).Msg("Failed to prune active set")
			}
		}
		if filter.Cluster != "" && node.Cluster != filter.Cluster {
			continue
		}
		if filter.Status != "" && node.Status != filter.Status {
			continue
		}
		nodes = append(nodes, *node)
	}
	return nodes, nil
}

func (r *Registry) knownIDs(ctx context.Context) ([]string, map[string]bool, error) {
	registered, err := r.store.SMembers(ctx, keyRegistered)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read registered set: %v", err)
	}
	active, err := r.store.SMembers(ctx, keyActive)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read active set: %v", err)
	}

	activeSet := make(map[string]bool, len(active))
	for _, id := range active {
		activeSet[id] = true
	}

	seen := make(map[string]bool, len(registered)+len(active))
	ids := make([]string, 0, len(registered)+len(active))
	for _, id := range append(registered, active...) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, activeSet, nil
}

// Deregister removes all traces of a node
func (r *Registry) Deregister(ctx context.Context, nodeID string) error {
	node, err := r.load(ctx, nodeID)
	if err != nil {
		return err
	}
	if node == nil {
		return ErrNotFound
	}

	if node.Cluster != "" {
		if err := r.store.SRem(ctx, keyCluster(node.Cluster), nodeID); err != nil {
			return fmt.Errorf("failed to remove from cluster set: %v", err)
		}
	}
	if err := r.store.SRem(ctx, keyRegistered, nodeID); err != nil {
		return fmt.Errorf("failed to remove from registered set: %v", err)
	}
	if err := r.store.SRem(ctx, keyActive, nodeID); err != nil {
		return fmt.Errorf("failed to remove from active set: %v", err)
	}
	if err := r.store.Delete(ctx,
		keyRegistration(nodeID),
		keyHeartbeat(nodeID),
		keyPowerHistory(nodeID),
		keyMetrics(nodeID),
	); err != nil {
		return fmt.Errorf("failed to delete node keys: %v", err)
	}

	r.logger.Info().Str("node_id", nodeID).Msg("Node deregistered")
	r.bus.Publish(ctx, events.ChannelFleet, "node_deregistered", map[string]any{
		"node_id": nodeID,
	})
	return nil
}

// PowerHistory returns up to limit recent power samples, newest first
func (r *Registry) PowerHistory(ctx context.Context, nodeID string, limit int) ([]types.PowerSample, error) {
	if limit <= 0 || limit > powerHistoryCap {
		limit = powerHistoryCap
	}
	raw, err := r.store.LRange(ctx, keyPowerHistory(nodeID), 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("failed to read power history: %v", err)
	}
	samples := make([]types.PowerSample, 0, len(raw))
	for _, item := range raw {
		var s types.PowerSample
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			continue
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// FleetSummary is an aggregate snapshot of the fleet
type FleetSummary struct {
	TotalNodes     int            `json:"total_nodes"`
	ActiveNodes    int            `json:"active_nodes"`
	ComputingNodes int            `json:"computing_nodes"`
	TotalPowerW    float64        `json:"total_power_w"`
	AvgGPUUtil     float64        `json:"avg_gpu_util"`
	Clusters       map[string]int `json:"clusters"`
}

// Summary aggregates the current fleet state for dashboards and the
// doctor's diagnosis context
func (r *Registry) Summary(ctx context.Context) (*FleetSummary, error) {
	nodes, err := r.List(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}

	summary := &FleetSummary{
		TotalNodes: len(nodes),
		Clusters:   make(map[string]int),
	}
	var utilSum float64
	var utilCount int
	for _, n := range nodes {
		if n.Cluster != "" {
			summary.Clusters[n.Cluster]++
		}
		if n.Status == types.NodeStatusOffline {
			continue
		}
		summary.ActiveNodes++
		if n.Activity != nil && n.Activity.Status == types.ActivityComputing {
			summary.ComputingNodes++
		}
		if n.Power != nil {
			summary.TotalPowerW += n.Power.TotalW
		}
		for _, g := range n.GPUs {
			utilSum += g.UtilPct
			utilCount++
		}
	}
	if utilCount > 0 {
		summary.AvgGPUUtil = utilSum / float64(utilCount)
	}
	return summary, nil
}

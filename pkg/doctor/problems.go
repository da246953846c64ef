package doctor

import (
	"fmt"
	"time"

	"github.com/corralhq/corral/pkg/registry"
	"github.com/corralhq/corral/pkg/types"
)

// Snapshot is the fleet view detectors run over. Detectors are pure:
// they read the snapshot and emit problems, nothing else.
type Snapshot struct {
	Nodes    []types.Node
	DeadJobs []types.Job
	Summary  *registry.FleetSummary
	Now      time.Time
}

// Detector inspects a fleet snapshot for one class of problem
type Detector interface {
	Name() string
	Detect(snap *Snapshot) []types.Problem
}

// Thresholds parameterize the resource detectors
type Thresholds struct {
	DiskWarning  float64
	DiskCritical float64
	Memory       float64
}

// defaultDetectors is the shared detector set. Alerts and healing run
// off the same list so their views of "unhealthy" never diverge.
func defaultDetectors(th Thresholds) []Detector {
	return []Detector{
		&offlineNodeDetector{},
		&diskUsageDetector{warning: th.DiskWarning, critical: th.DiskCritical},
		&memoryDetector{threshold: th.Memory},
		&swarmDetector{},
		&jobFailureDetector{minFailures: 3, window: time.Hour},
	}
}

// problemID builds a stable id so the same condition maps to the same
// problem across cycles
func problemID(t types.ProblemType, nodeID string) string {
	if nodeID == "" {
		return string(t)
	}
	return string(t) + ":" + nodeID
}

type offlineNodeDetector struct{}

func (d *offlineNodeDetector) Name() string { return "offline_node" }

func (d *offlineNodeDetector) Detect(snap *Snapshot) []types.Problem {
	var problems []types.Problem
	for i := range snap.Nodes {
		node := &snap.Nodes[i]
		if node.Status != types.NodeStatusOffline {
			continue
		}
		problems = append(problems, types.Problem{
			ID:          problemID(types.ProblemOfflineNode, node.NodeID),
			Type:        types.ProblemOfflineNode,
			Severity:    types.SeverityCritical,
			NodeID:      node.NodeID,
			Title:       fmt.Sprintf("Node %s is offline", node.NodeID),
			Description: fmt.Sprintf("No heartbeat from %s since %s", node.NodeID, node.LastHeartbeat.Format(time.RFC3339)),
			Details: map[string]any{
				"last_heartbeat": node.LastHeartbeat,
				"hostname":       node.Hostname,
			},
			DetectedAt:  snap.Now,
			AutoFixable: false,
			RiskLevel:   types.RiskHigh,
		})
	}
	return problems
}

type diskUsageDetector struct {
	warning  float64
	critical float64
}

func (d *diskUsageDetector) Name() string { return "disk_usage" }

func (d *diskUsageDetector) Detect(snap *Snapshot) []types.Problem {
	var problems []types.Problem
	for i := range snap.Nodes {
		node := &snap.Nodes[i]
		if node.Status == types.NodeStatusOffline {
			continue
		}
		disk := node.System.DiskPct
		if disk < d.warning {
			continue
		}

		problem := types.Problem{
			NodeID:      node.NodeID,
			DetectedAt:  snap.Now,
			AutoFixable: true,
			Details: map[string]any{
				"disk_pct":     disk,
				"disk_free_gb": node.System.DiskFreeGB,
			},
		}
		if disk >= d.critical {
			problem.ID = problemID(types.ProblemCriticalDisk, node.NodeID)
			problem.Type = types.ProblemCriticalDisk
			problem.Severity = types.SeverityCritical
			problem.RiskLevel = types.RiskMedium
			problem.Title = fmt.Sprintf("Critical disk usage on %s", node.NodeID)
			problem.Description = fmt.Sprintf("Disk at %.1f%% (critical threshold %.0f%%)", disk, d.critical)
		} else {
			problem.ID = problemID(types.ProblemHighDisk, node.NodeID)
			problem.Type = types.ProblemHighDisk
			problem.Severity = types.SeverityWarning
			problem.RiskLevel = types.RiskLow
			problem.Title = fmt.Sprintf("High disk usage on %s", node.NodeID)
			problem.Description = fmt.Sprintf("Disk at %.1f%% (warning threshold %.0f%%)", disk, d.warning)
		}
		problems = append(problems, problem)
	}
	return problems
}

type memoryDetector struct {
	threshold float64
}

func (d *memoryDetector) Name() string { return "memory" }

func (d *memoryDetector) Detect(snap *Snapshot) []types.Problem {
	var problems []types.Problem
	for i := range snap.Nodes {
		node := &snap.Nodes[i]
		if node.Status == types.NodeStatusOffline || node.System.MemPct < d.threshold {
			continue
		}
		problems = append(problems, types.Problem{
			ID:          problemID(types.ProblemHighMemory, node.NodeID),
			Type:        types.ProblemHighMemory,
			Severity:    types.SeverityWarning,
			NodeID:      node.NodeID,
			Title:       fmt.Sprintf("High memory usage on %s", node.NodeID),
			Description: fmt.Sprintf("Memory at %.1f%% (threshold %.0f%%)", node.System.MemPct, d.threshold),
			Details:     map[string]any{"mem_pct": node.System.MemPct},
			DetectedAt:  snap.Now,
			AutoFixable: false,
			RiskLevel:   types.RiskMedium,
		})
	}
	return problems
}

type swarmDetector struct{}

func (d *swarmDetector) Name() string { return "swarm" }

func (d *swarmDetector) Detect(snap *Snapshot) []types.Problem {
	var problems []types.Problem
	for i := range snap.Nodes {
		node := &snap.Nodes[i]
		if node.Status == types.NodeStatusOffline || node.Swarm == nil {
			continue
		}
		if node.Swarm.State == "ready" || node.Swarm.State == "active" {
			continue
		}
		problems = append(problems, types.Problem{
			ID:          problemID(types.ProblemSwarmUnhealthy, node.NodeID),
			Type:        types.ProblemSwarmUnhealthy,
			Severity:    types.SeverityWarning,
			NodeID:      node.NodeID,
			Title:       fmt.Sprintf("Swarm membership unhealthy on %s", node.NodeID),
			Description: fmt.Sprintf("Swarm state %q on %s", node.Swarm.State, node.NodeID),
			Details:     map[string]any{"swarm_state": node.Swarm.State},
			DetectedAt:  snap.Now,
			AutoFixable: false,
			RiskLevel:   types.RiskMedium,
		})
	}
	return problems
}

type jobFailureDetector struct {
	minFailures int
	window      time.Duration
}

func (d *jobFailureDetector) Name() string { return "job_failures" }

func (d *jobFailureDetector) Detect(snap *Snapshot) []types.Problem {
	cutoff := snap.Now.Add(-d.window)
	counts := make(map[string]int)
	for i := range snap.DeadJobs {
		job := &snap.DeadJobs[i]
		if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			continue
		}
		counts[job.Type]++
	}

	var problems []types.Problem
	for jobType, n := range counts {
		if n < d.minFailures {
			continue
		}
		problems = append(problems, types.Problem{
			ID:          problemID(types.ProblemJobFailures, jobType),
			Type:        types.ProblemJobFailures,
			Severity:    types.SeverityWarning,
			Title:       fmt.Sprintf("Repeated failures of %s jobs", jobType),
			Description: fmt.Sprintf("%d %s jobs dead-lettered in the last hour", n, jobType),
			Details:     map[string]any{"job_type": jobType, "count": n},
			DetectedAt:  snap.Now,
			AutoFixable: false,
			RiskLevel:   types.RiskMedium,
		})
	}
	return problems
}

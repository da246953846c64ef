package types

import (
	"encoding/json"
	"time"
)

// NodeStatus represents the current state of a fleet node
type NodeStatus string

const (
	NodeStatusOnline    NodeStatus = "online"
	NodeStatusBusy      NodeStatus = "busy"
	NodeStatusSwitching NodeStatus = "switching"
	NodeStatusOffline   NodeStatus = "offline"
)

// GPUStat is a per-GPU sample reported in a heartbeat
type GPUStat struct {
	Index    int     `json:"index"`
	Name     string  `json:"name"`
	MemTotal int64   `json:"mem_total"`
	MemUsed  int64   `json:"mem_used"`
	UtilPct  float64 `json:"util_pct"`
	TempC    float64 `json:"temp_c"`
	PowerW   float64 `json:"power_w"`
}

// SystemStats is the host-level portion of a heartbeat
type SystemStats struct {
	CPUPct     float64    `json:"cpu_pct"`
	MemPct     float64    `json:"mem_pct"`
	DiskPct    float64    `json:"disk_pct"`
	DiskFreeGB float64    `json:"disk_free_gb"`
	UptimeS    int64      `json:"uptime_s"`
	LoadAvg    [3]float64 `json:"load_avg"`
}

// PowerSample is an instantaneous power reading
type PowerSample struct {
	Timestamp time.Time `json:"timestamp"`
	TotalW    float64   `json:"total_w"`
	GPUW      float64   `json:"gpu_w"`
	CPUW      float64   `json:"cpu_w"`
}

// ContainerInfo describes a container observed running on a node.
// The control plane treats these as opaque.
type ContainerInfo struct {
	Name   string `json:"name"`
	Image  string `json:"image"`
	Status string `json:"status"`
	Ports  string `json:"ports,omitempty"`
}

// SwarmInfo is the worker's view of its container-orchestrator
// membership
type SwarmInfo struct {
	State   string `json:"state"`
	Manager bool   `json:"manager,omitempty"`
}

// ActivityStatus mirrors the worker agent's self-reported activity
type ActivityStatus string

const (
	ActivityIdle      ActivityStatus = "idle"
	ActivityReady     ActivityStatus = "ready"
	ActivityComputing ActivityStatus = "computing"
)

// Activity is the worker's self-reported workload state
type Activity struct {
	Status     ActivityStatus `json:"status"`
	Containers int            `json:"containers"`
}

// Heartbeat is the periodic self-report from a worker node
type Heartbeat struct {
	NodeID     string          `json:"node_id"`
	Hostname   string          `json:"hostname,omitempty"`
	IP         string          `json:"ip,omitempty"`
	Cluster    string          `json:"cluster,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	GPUs       []GPUStat       `json:"gpus,omitempty"`
	System     SystemStats     `json:"system"`
	Power      *PowerSample    `json:"power,omitempty"`
	Activity   *Activity       `json:"activity,omitempty"`
	Containers []ContainerInfo `json:"containers,omitempty"`
	Swarm      *SwarmInfo      `json:"swarm,omitempty"`
	Status     NodeStatus      `json:"status,omitempty"`
}

// AvgGPUUtil returns the mean utilization across reported GPUs
func (h *Heartbeat) AvgGPUUtil() float64 {
	if len(h.GPUs) == 0 {
		return 0
	}
	var total float64
	for _, g := range h.GPUs {
		total += g.UtilPct
	}
	return total / float64(len(h.GPUs))
}

// Registration is the one-time descriptor a worker posts on startup
type Registration struct {
	NodeID       string    `json:"node_id"`
	Hostname     string    `json:"hostname"`
	IP           string    `json:"ip"`
	Platform     string    `json:"platform,omitempty"`
	Cluster      string    `json:"cluster,omitempty"`
	GPUName      string    `json:"gpu_name,omitempty"`
	GPUMemoryMB  int       `json:"gpu_memory_mb,omitempty"`
	GPUCount     int       `json:"gpu_count,omitempty"`
	AgentPort    int       `json:"agent_port,omitempty"`
	AgentVersion string    `json:"agent_version,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	RegisteredAt time.Time `json:"registered_at,omitempty"`
}

// Node is the merged view of a worker: registration enriched with the
// latest heartbeat. Status is derived from heartbeat freshness.
type Node struct {
	Registration
	Status        NodeStatus      `json:"status"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	GPUs          []GPUStat       `json:"gpus,omitempty"`
	System        SystemStats     `json:"system"`
	Power         *PowerSample    `json:"power,omitempty"`
	Activity      *Activity       `json:"activity,omitempty"`
	Containers    []ContainerInfo `json:"containers,omitempty"`
	Swarm         *SwarmInfo      `json:"swarm,omitempty"`
}

// JobPriority orders jobs across the three queue tiers
type JobPriority string

const (
	PriorityHigh   JobPriority = "high"
	PriorityNormal JobPriority = "normal"
	PriorityLow    JobPriority = "low"
)

// Valid reports whether p is one of the three known tiers
func (p JobPriority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// JobStatus represents the lifecycle state of a queued job
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobDead       JobStatus = "dead"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobDead, JobCancelled:
		return true
	}
	return false
}

// Job is a unit of work in the priority queue. Payload is opaque to the
// control plane; only workers parse it.
type Job struct {
	ID             string          `json:"job_id"`
	Type           string          `json:"job_type"`
	Priority       JobPriority     `json:"priority"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TargetNode     string          `json:"target_node,omitempty"`
	TargetCluster  string          `json:"target_cluster,omitempty"`
	TargetModel    string          `json:"target_model,omitempty"`
	Status         JobStatus       `json:"status"`
	MaxRetries     int             `json:"max_retries"`
	RetryCount     int             `json:"retry_count"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	AssignedNode   string          `json:"assigned_node,omitempty"`
	Progress       float64         `json:"progress"`
	ProgressDetail string          `json:"progress_detail,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	CallbackURL    string          `json:"callback_url,omitempty"`
}

// Severity grades a detected problem
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// RiskLevel grades a remediation action
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ProblemType identifies the class of a detected problem
type ProblemType string

const (
	ProblemOfflineNode    ProblemType = "offline_node"
	ProblemHighDisk       ProblemType = "high_disk"
	ProblemCriticalDisk   ProblemType = "critical_disk"
	ProblemHighMemory     ProblemType = "high_memory"
	ProblemDockerDown     ProblemType = "docker_down"
	ProblemAgentDown      ProblemType = "agent_down"
	ProblemS3MountMissing ProblemType = "s3_mount_missing"
	ProblemSwarmUnhealthy ProblemType = "swarm_unhealthy"
	ProblemJobFailures    ProblemType = "job_failures"
)

// Problem is a condition detected by a doctor cycle. The problem set is
// replaced wholesale each cycle; acted problems are logged to history.
type Problem struct {
	ID          string         `json:"id"`
	Type        ProblemType    `json:"type"`
	Severity    Severity       `json:"severity"`
	NodeID      string         `json:"node_id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
	DetectedAt  time.Time      `json:"detected_at"`
	AutoFixable bool           `json:"auto_fixable"`
	RiskLevel   RiskLevel      `json:"risk_level"`
}

// EventEnvelope is the wire shape published on every event channel
type EventEnvelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

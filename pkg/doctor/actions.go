package doctor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/types"
)

// ActionSpec describes one remediation the doctor may run
type ActionSpec struct {
	Name          string          `json:"name"`
	RiskLevel     types.RiskLevel `json:"risk_level"`
	RequiresNode  bool            `json:"requires_node"`
	Endpoint      string          `json:"endpoint,omitempty"`
	DefaultParams map[string]any  `json:"default_params,omitempty"`
	Description   string          `json:"description"`
}

// ActionAlertOnly logs and emits an event without touching the fleet
const ActionAlertOnly = "alert_only"

// Catalogue is the full set of remediations. Endpoints are paths on
// the control plane's own maintenance surface.
var Catalogue = map[string]ActionSpec{
	"disk_cleanup": {
		Name:          "disk_cleanup",
		RiskLevel:     types.RiskLow,
		RequiresNode:  true,
		Endpoint:      "/api/maintenance/disk/cleanup",
		DefaultParams: map[string]any{"aggressive": false},
		Description:   "Remove caches, temp files and rotated logs",
	},
	"aggressive_cleanup": {
		Name:          "aggressive_cleanup",
		RiskLevel:     types.RiskMedium,
		RequiresNode:  true,
		Endpoint:      "/api/maintenance/disk/cleanup",
		DefaultParams: map[string]any{"aggressive": true},
		Description:   "Deep cleanup including old images and build artifacts",
	},
	"restart_agent": {
		Name:         "restart_agent",
		RiskLevel:    types.RiskLow,
		RequiresNode: true,
		Endpoint:     "/api/maintenance/restart-agent",
		Description:  "Restart the worker agent process",
	},
	"fix_s3_mounts": {
		Name:         "fix_s3_mounts",
		RiskLevel:    types.RiskLow,
		RequiresNode: true,
		Endpoint:     "/api/maintenance/fix-s3-mounts",
		Description:  "Remount shared model storage",
	},
	"health_check": {
		Name:         "health_check",
		RiskLevel:    types.RiskLow,
		RequiresNode: true,
		Endpoint:     "/api/maintenance/health-check",
		Description:  "Probe the worker agent and report",
	},
	"prune_docker": {
		Name:         "prune_docker",
		RiskLevel:    types.RiskMedium,
		RequiresNode: true,
		Endpoint:     "/api/maintenance/prune-docker",
		Description:  "Prune stopped containers and dangling images",
	},
	"retry_job": {
		Name:         "retry_job",
		RiskLevel:    types.RiskLow,
		RequiresNode: false,
		Endpoint:     "/api/maintenance/retry-job",
		Description:  "Re-queue a dead job",
	},
	ActionAlertOnly: {
		Name:        ActionAlertOnly,
		RiskLevel:   types.RiskLow,
		Description: "Escalate to operators without acting",
	},
}

// fallbackActions maps problem types to their default remediation when
// the diagnosis oracle is unavailable
var fallbackActions = map[types.ProblemType]string{
	types.ProblemHighDisk:       "disk_cleanup",
	types.ProblemCriticalDisk:   "aggressive_cleanup",
	types.ProblemHighMemory:     ActionAlertOnly,
	types.ProblemOfflineNode:    ActionAlertOnly,
	types.ProblemDockerDown:     ActionAlertOnly,
	types.ProblemAgentDown:      "restart_agent",
	types.ProblemS3MountMissing: "fix_s3_mounts",
	types.ProblemSwarmUnhealthy: ActionAlertOnly,
	types.ProblemJobFailures:    ActionAlertOnly,
}

// ActionResult records one executed remediation
type ActionResult struct {
	Action     string    `json:"action"`
	NodeID     string    `json:"node_id,omitempty"`
	Success    bool      `json:"success"`
	DurationMS int64     `json:"duration_ms"`
	Response   string    `json:"response,omitempty"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Executor runs catalogue actions against the control plane's own
// maintenance endpoints
type Executor struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewExecutor creates an executor targeting the given base URL
func NewExecutor(baseURL string) *Executor {
	return &Executor{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  log.WithComponent("doctor.executor"),
	}
}

// Execute runs a single action and records the outcome. alert_only
// short-circuits to a successful no-op.
func (e *Executor) Execute(ctx context.Context, actionName, nodeID string, params map[string]any) ActionResult {
	start := time.Now()
	result := ActionResult{
		Action:     actionName,
		NodeID:     nodeID,
		ExecutedAt: start.UTC(),
	}

	spec, ok := Catalogue[actionName]
	if !ok {
		result.Error = fmt.Sprintf("unknown action %q", actionName)
		return result
	}
	if spec.Name == ActionAlertOnly {
		result.Success = true
		return result
	}
	if spec.RequiresNode && nodeID == "" {
		result.Error = fmt.Sprintf("action %s requires a node", actionName)
		return result
	}

	body := map[string]any{"node_id": nodeID}
	for k, v := range spec.DefaultParams {
		body[k] = v
	}
	for k, v := range params {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		result.Error = fmt.Sprintf("failed to marshal params: %v", err)
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+spec.Endpoint, bytes.NewReader(payload))
	if err != nil {
		result.Error = fmt.Sprintf("failed to build request: %v", err)
		return result
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	result.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		return result
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	result.Response = string(snippet)
	if resp.StatusCode >= 300 {
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return result
	}

	result.Success = true
	e.logger.Info().
		Str("action", actionName).
		Str("node_id", nodeID).
		Int64("duration_ms", result.DurationMS).
		Msg("Remediation executed")
	return result
}

package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/queue"
	"github.com/corralhq/corral/pkg/registry"
	"github.com/corralhq/corral/pkg/store"
	"github.com/corralhq/corral/pkg/types"
)

// fakeLLM errors by default so cycles exercise the static fallback;
// tests can script a diagnosis instead
type fakeLLM struct {
	diagnosis *Diagnosis
}

func (f *fakeLLM) Diagnose(ctx context.Context, prompt string) (*Diagnosis, error) {
	if f.diagnosis != nil {
		return f.diagnosis, nil
	}
	return nil, errors.New("oracle unavailable")
}

// maintenanceRecorder captures the doctor's remediation calls; a
// non-zero status makes every call fail with that code
type maintenanceRecorder struct {
	mu     sync.Mutex
	calls  []string
	status int
}

func (m *maintenanceRecorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.calls = append(m.calls, r.URL.Path)
		status := m.status
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if status != 0 {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":"agent wedged"}`))
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	})
}

func (m *maintenanceRecorder) fail(status int) {
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
}

func (m *maintenanceRecorder) paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type fixture struct {
	doctor   *Doctor
	registry *registry.Registry
	queue    *queue.Queue
	store    store.Store
	mr       *miniredis.Miniredis
	llm      *fakeLLM
	maint    *maintenanceRecorder
}

func newFixture(t *testing.T, mutate func(*config.DoctorConfig)) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	s := store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { s.Close() })

	maint := &maintenanceRecorder{}
	srv := httptest.NewServer(maint.handler())
	t.Cleanup(srv.Close)

	cfg := config.Default().Doctor
	if mutate != nil {
		mutate(&cfg)
	}

	bus := events.NewBus(s)
	reg := registry.New(s, bus, 120*time.Second)
	q := queue.New(s, bus)
	llm := &fakeLLM{}
	doc := New(s, bus, reg, q, llm, NewExecutor(srv.URL), cfg)
	return &fixture{doctor: doc, registry: reg, queue: q, store: s, mr: mr, llm: llm, maint: maint}
}

func (f *fixture) seedNode(t *testing.T, id string, diskPct, memPct float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.registry.Register(ctx, types.Registration{
		NodeID: id, Hostname: id, IP: "10.0.0.1",
	}))
	require.NoError(t, f.registry.Heartbeat(ctx, id, types.Heartbeat{
		NodeID: id,
		System: types.SystemStats{DiskPct: diskPct, MemPct: memPct},
	}))
}

func TestDiskDetector(t *testing.T) {
	detector := &diskUsageDetector{warning: 85, critical: 95}
	now := time.Now().UTC()

	tests := []struct {
		name     string
		diskPct  float64
		wantType types.ProblemType
		wantNone bool
	}{
		{name: "healthy", diskPct: 50, wantNone: true},
		{name: "warning", diskPct: 90, wantType: types.ProblemHighDisk},
		{name: "critical", diskPct: 96, wantType: types.ProblemCriticalDisk},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := &Snapshot{
				Now: now,
				Nodes: []types.Node{{
					Registration: types.Registration{NodeID: "n1"},
					Status:       types.NodeStatusOnline,
					System:       types.SystemStats{DiskPct: tt.diskPct},
				}},
			}
			problems := detector.Detect(snap)
			if tt.wantNone {
				assert.Empty(t, problems)
				return
			}
			require.Len(t, problems, 1)
			assert.Equal(t, tt.wantType, problems[0].Type)
			assert.True(t, problems[0].AutoFixable)
		})
	}
}

func TestOfflineDetector(t *testing.T) {
	detector := &offlineNodeDetector{}
	snap := &Snapshot{
		Now: time.Now().UTC(),
		Nodes: []types.Node{
			{Registration: types.Registration{NodeID: "dead"}, Status: types.NodeStatusOffline},
			{Registration: types.Registration{NodeID: "live"}, Status: types.NodeStatusOnline},
		},
	}
	problems := detector.Detect(snap)
	require.Len(t, problems, 1)
	assert.Equal(t, types.ProblemOfflineNode, problems[0].Type)
	assert.Equal(t, "dead", problems[0].NodeID)
	assert.Equal(t, types.SeverityCritical, problems[0].Severity)
	assert.False(t, problems[0].AutoFixable)
}

func TestJobFailureDetector(t *testing.T) {
	detector := &jobFailureDetector{minFailures: 3, window: time.Hour}
	now := time.Now().UTC()
	recent := now.Add(-10 * time.Minute)
	old := now.Add(-2 * time.Hour)

	snap := &Snapshot{
		Now: now,
		DeadJobs: []types.Job{
			{Type: "image_gen", CompletedAt: &recent},
			{Type: "image_gen", CompletedAt: &recent},
			{Type: "image_gen", CompletedAt: &recent},
			{Type: "llm_inference", CompletedAt: &recent},
			{Type: "llm_inference", CompletedAt: &old},
			{Type: "llm_inference", CompletedAt: &old},
		},
	}
	problems := detector.Detect(snap)
	require.Len(t, problems, 1)
	assert.Equal(t, types.ProblemJobFailures, problems[0].Type)
	assert.Equal(t, "image_gen", problems[0].Details["job_type"])
}

func TestFallbackDiagnosis(t *testing.T) {
	p := &types.Problem{Type: types.ProblemHighDisk, Description: "disk at 90%"}
	diag := fallbackDiagnosis(p)
	require.Len(t, diag.RecommendedActions, 1)
	assert.Equal(t, "disk_cleanup", diag.RecommendedActions[0].Action)
	assert.True(t, diag.Fallback)
	assert.True(t, diag.CanAutoFix)

	p = &types.Problem{Type: types.ProblemOfflineNode}
	diag = fallbackDiagnosis(p)
	assert.Equal(t, ActionAlertOnly, diag.RecommendedActions[0].Action)
	assert.False(t, diag.CanAutoFix)
}

func TestDiskRemediationWithCooldown(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.seedNode(t, "n1", 90, 40)
	require.NoError(t, f.doctor.RunCycle(ctx))

	// Detector found the problem and the fallback plan executed
	problems, err := f.doctor.Problems(ctx)
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, types.ProblemHighDisk, problems[0].Type)
	assert.Equal(t, []string{"/api/maintenance/disk/cleanup"}, f.maint.paths())

	history, err := f.doctor.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Len(t, history[0].Results, 1)
	assert.True(t, history[0].Results[0].Success)

	// Same problem next cycle, but the per-node cooldown holds
	require.NoError(t, f.doctor.RunCycle(ctx))
	assert.Len(t, f.maint.paths(), 1)

	// After the cooldown lapses the doctor acts again
	f.mr.FastForward(6 * time.Minute)
	f.seedNode(t, "n1", 90, 40)
	require.NoError(t, f.doctor.RunCycle(ctx))
	assert.Len(t, f.maint.paths(), 2)
}

func TestHourlyBudget(t *testing.T) {
	f := newFixture(t, func(c *config.DoctorConfig) { c.MaxActionsPerHour = 1 })
	ctx := context.Background()

	f.seedNode(t, "n1", 90, 40)
	f.seedNode(t, "n2", 91, 40)

	require.NoError(t, f.doctor.RunCycle(ctx))
	// One node got cleaned, the second hit the budget
	assert.Len(t, f.maint.paths(), 1)

	n, err := f.store.ZCard(ctx, "fleet:doctor:actions")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFailedActionStillConsumesBudgetAndCooldown(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.maint.fail(http.StatusInternalServerError)

	f.seedNode(t, "n1", 90, 40)
	require.NoError(t, f.doctor.RunCycle(ctx))

	// The attempt failed but was recorded against node and budget
	require.Len(t, f.maint.paths(), 1)
	history, err := f.doctor.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Results[0].Success)

	n, err := f.store.ZCard(ctx, "fleet:doctor:actions")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	exists, err := f.store.Exists(ctx, "fleet:doctor:cooldown:n1")
	require.NoError(t, err)
	assert.True(t, exists)

	// The wedged agent is not hammered every cycle
	require.NoError(t, f.doctor.RunCycle(ctx))
	assert.Len(t, f.maint.paths(), 1)
}

func TestAlertOnlyDoesNotCount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// High memory maps to alert_only in the fallback table
	f.seedNode(t, "n1", 40, 95)
	require.NoError(t, f.doctor.RunCycle(ctx))

	assert.Empty(t, f.maint.paths())
	n, err := f.store.ZCard(ctx, "fleet:doctor:actions")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// No cooldown either: alert_only is not an action on the node
	exists, err := f.store.Exists(ctx, "fleet:doctor:cooldown:n1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAutoFixDisabled(t *testing.T) {
	f := newFixture(t, func(c *config.DoctorConfig) { c.AutoFixEnabled = false })
	ctx := context.Background()

	f.seedNode(t, "n1", 90, 40)
	require.NoError(t, f.doctor.RunCycle(ctx))

	assert.Empty(t, f.maint.paths())
	history, err := f.doctor.History(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRiskFilterBlocksExecution(t *testing.T) {
	f := newFixture(t, func(c *config.DoctorConfig) { c.AutoFixLevels = []string{"low"} })
	ctx := context.Background()

	// Critical disk maps to aggressive_cleanup, which is medium risk
	f.seedNode(t, "n1", 97, 40)
	require.NoError(t, f.doctor.RunCycle(ctx))

	assert.Empty(t, f.maint.paths())
	history, err := f.doctor.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Empty(t, history[0].Results)
}

func TestScriptedDiagnosis(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.llm.diagnosis = &Diagnosis{
		Diagnosis:  "agent hung after OOM",
		RootCause:  "memory pressure",
		CanAutoFix: true,
		RiskLevel:  types.RiskLow,
		RecommendedActions: []RecommendedAction{
			{Action: "restart_agent", Reason: "agent unresponsive"},
			{Action: "made_up_action", Reason: "ignored"},
		},
	}

	f.seedNode(t, "n1", 90, 40)
	require.NoError(t, f.doctor.RunCycle(ctx))

	// Known action executed, unknown one dropped
	assert.Equal(t, []string{"/api/maintenance/restart-agent"}, f.maint.paths())

	history, err := f.doctor.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "agent hung after OOM", history[0].Diagnosis.Diagnosis)
	assert.False(t, history[0].Diagnosis.Fallback)
}

func TestProblemSetReplacedWholesale(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.seedNode(t, "n1", 90, 40)
	require.NoError(t, f.doctor.RunCycle(ctx))
	problems, err := f.doctor.Problems(ctx)
	require.NoError(t, err)
	require.Len(t, problems, 1)

	// Disk recovers; the next cycle's set no longer contains it
	f.seedNode(t, "n1", 40, 40)
	require.NoError(t, f.doctor.RunCycle(ctx))
	problems, err = f.doctor.Problems(ctx)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestStatusWritten(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.seedNode(t, "n1", 90, 40)
	require.NoError(t, f.doctor.RunCycle(ctx))

	status, err := f.doctor.GetStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Enabled)
	assert.Equal(t, int64(1), status.CyclesRun)
	assert.Equal(t, 1, status.ProblemsFound)
	assert.Equal(t, 1, status.ActionsTaken)

	raw, err := f.store.Get(ctx, "fleet:doctor:status")
	require.NoError(t, err)
	var onDisk Status
	require.NoError(t, json.Unmarshal([]byte(raw), &onDisk))
	assert.Equal(t, status.ProblemsFound, onDisk.ProblemsFound)
}

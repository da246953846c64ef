package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/queue"
	"github.com/corralhq/corral/pkg/registry"
	"github.com/corralhq/corral/pkg/store"
	"github.com/corralhq/corral/pkg/types"
)

const (
	keyStatus   = "fleet:doctor:status"
	keyProblems = "fleet:doctor:problems"
	keyHistory  = "fleet:doctor:history"
	keyConfig   = "fleet:doctor:config"

	// keyActionWindow is a sorted set of executed actions scored by
	// unix time; pruning it to the last hour yields the rolling budget
	keyActionWindow = "fleet:doctor:actions"

	historyCap   = 100
	budgetWindow = time.Hour
)

func keyCooldown(nodeID string) string { return "fleet:doctor:cooldown:" + nodeID }

// HistoryEntry is one healing attempt in the capped history
type HistoryEntry struct {
	Problem   types.Problem  `json:"problem"`
	Diagnosis Diagnosis      `json:"diagnosis"`
	Results   []ActionResult `json:"results"`
	At        time.Time      `json:"at"`
}

// Status is the doctor's public state
type Status struct {
	Enabled       bool      `json:"enabled"`
	LastCycleAt   time.Time `json:"last_cycle_at"`
	CyclesRun     int64     `json:"cycles_run"`
	ProblemsFound int       `json:"problems_found"`
	ActionsTaken  int       `json:"actions_taken"`
	ActionsInHour int64     `json:"actions_in_hour"`
}

// Doctor is the autonomous healing loop: detect, diagnose, act, log.
// Every action passes three gates: the global auto-fix switch, a
// per-node cooldown, and a rolling-hour budget across the fleet.
type Doctor struct {
	store     store.Store
	bus       *events.Bus
	registry  *registry.Registry
	queue     *queue.Queue
	llm       LLMClient
	executor  *Executor
	detectors []Detector
	cfg       config.DoctorConfig
	logger    zerolog.Logger

	cycles int64
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates the doctor
func New(s store.Store, bus *events.Bus, reg *registry.Registry, q *queue.Queue, llm LLMClient, exec *Executor, cfg config.DoctorConfig) *Doctor {
	return &Doctor{
		store:    s,
		bus:      bus,
		registry: reg,
		queue:    q,
		llm:      llm,
		executor: exec,
		detectors: defaultDetectors(Thresholds{
			DiskWarning:  cfg.DiskThreshold,
			DiskCritical: cfg.DiskCritical,
			Memory:       cfg.MemoryThreshold,
		}),
		cfg:    cfg,
		logger: log.WithComponent("doctor"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the healing ticker
func (d *Doctor) Start(ctx context.Context) {
	if err := d.writeConfig(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to persist doctor config")
	}
	interval := time.Duration(d.cfg.IntervalSeconds) * time.Second
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.RunCycle(ctx); err != nil {
					d.logger.Error().Err(err).Msg("Doctor cycle failed")
					d.publishDoctor(ctx, "error", map[string]any{"error": err.Error()})
				}
			}
		}
	}()
	d.logger.Info().Int("interval_s", d.cfg.IntervalSeconds).Msg("Doctor started")
}

// Stop halts the ticker
func (d *Doctor) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	d.logger.Info().Msg("Doctor stopped")
}

// RunCycle runs one detect-diagnose-act-log pass
func (d *Doctor) RunCycle(ctx context.Context) error {
	snap, err := d.snapshot(ctx)
	if err != nil {
		return err
	}

	var problems []types.Problem
	for _, detector := range d.detectors {
		problems = append(problems, detector.Detect(snap)...)
	}

	previous, err := d.Problems(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to read previous problems")
	}
	if err := d.storeProblems(ctx, problems); err != nil {
		return err
	}
	d.announceNew(ctx, previous, problems)

	actionsTaken := 0
	for i := range problems {
		if d.handleProblem(ctx, &problems[i], snap) {
			actionsTaken++
		}
	}

	d.cycles++
	return d.writeStatus(ctx, len(problems), actionsTaken)
}

func (d *Doctor) snapshot(ctx context.Context) (*Snapshot, error) {
	nodes, err := d.registry.List(ctx, registry.ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %v", err)
	}
	deadJobs, err := d.queue.List(ctx, queue.ListFilter{Status: types.JobDead})
	if err != nil {
		return nil, fmt.Errorf("failed to list dead jobs: %v", err)
	}
	summary, err := d.registry.Summary(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build fleet summary: %v", err)
	}
	return &Snapshot{
		Nodes:    nodes,
		DeadJobs: deadJobs,
		Summary:  summary,
		Now:      time.Now().UTC(),
	}, nil
}

// announceNew publishes problem_detected for problems absent from the
// previous cycle
func (d *Doctor) announceNew(ctx context.Context, previous, current []types.Problem) {
	known := make(map[string]bool, len(previous))
	for i := range previous {
		known[previous[i].ID] = true
	}
	for i := range current {
		p := &current[i]
		if known[p.ID] {
			continue
		}
		d.logger.Warn().
			Str("problem", p.ID).
			Str("severity", string(p.Severity)).
			Msg(p.Title)
		d.publishDoctor(ctx, "problem_detected", map[string]any{
			"problem_id": p.ID,
			"type":       string(p.Type),
			"severity":   string(p.Severity),
			"node_id":    p.NodeID,
			"title":      p.Title,
		})
	}
}

// handleProblem runs the gates, diagnosis and execution for one
// problem. Returns true when at least one real action executed.
func (d *Doctor) handleProblem(ctx context.Context, problem *types.Problem, snap *Snapshot) bool {
	if !d.cfg.AutoFixEnabled {
		d.bus.Alert(ctx, "escalation", map[string]any{
			"problem_id": problem.ID,
			"title":      problem.Title,
			"reason":     "auto-fix disabled",
		})
		return false
	}

	if problem.NodeID != "" {
		inCooldown, err := d.store.Exists(ctx, keyCooldown(problem.NodeID))
		if err != nil {
			d.logger.Warn().Err(err).Str("node_id", problem.NodeID).Msg("Cooldown check failed")
			return false
		}
		if inCooldown {
			d.logger.Debug().
				Str("problem", problem.ID).
				Str("node_id", problem.NodeID).
				Msg("Node in cooldown, skipping")
			return false
		}
	}

	inWindow, err := d.actionsInWindow(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Budget check failed")
		return false
	}
	if inWindow >= int64(d.cfg.MaxActionsPerHour) {
		d.publishDoctor(ctx, "rate_limited", map[string]any{
			"problem_id": problem.ID,
			"budget":     d.cfg.MaxActionsPerHour,
		})
		return false
	}

	diagnosis := d.diagnose(ctx, problem, snap)
	d.publishDoctor(ctx, "diagnosis_complete", map[string]any{
		"problem_id":  problem.ID,
		"diagnosis":   diagnosis.Diagnosis,
		"fallback":    diagnosis.Fallback,
		"can_autofix": diagnosis.CanAutoFix,
	})

	results := d.execute(ctx, problem, diagnosis)
	d.recordHistory(ctx, HistoryEntry{
		Problem:   *problem,
		Diagnosis: *diagnosis,
		Results:   results,
		At:        time.Now().UTC(),
	})

	// Attempts gate the cooldown, not successes: a remediation that
	// keeps failing must not re-fire every cycle on the same node
	acted := false
	for i := range results {
		if results[i].Action != ActionAlertOnly {
			acted = true
		}
	}
	if acted && problem.NodeID != "" {
		cooldown := time.Duration(d.cfg.CooldownMinutes) * time.Minute
		if err := d.store.Set(ctx, keyCooldown(problem.NodeID), problem.ID, cooldown); err != nil {
			d.logger.Warn().Err(err).Str("node_id", problem.NodeID).Msg("Failed to set cooldown")
		}
	}
	return acted
}

func (d *Doctor) diagnose(ctx context.Context, problem *types.Problem, snap *Snapshot) *Diagnosis {
	diagnosis, err := d.llm.Diagnose(ctx, buildPrompt(problem, snap))
	if err != nil {
		d.logger.Warn().Err(err).Str("problem", problem.ID).Msg("Oracle diagnosis failed, using static mapping")
		return fallbackDiagnosis(problem)
	}
	return diagnosis
}

// execute runs the recommended actions that pass the risk filter.
// alert_only escalates without counting against the budget.
func (d *Doctor) execute(ctx context.Context, problem *types.Problem, diagnosis *Diagnosis) []ActionResult {
	allowed := make(map[types.RiskLevel]bool, len(d.cfg.AutoFixLevels))
	for _, lvl := range d.cfg.AutoFixLevels {
		allowed[types.RiskLevel(lvl)] = true
	}

	var results []ActionResult
	for _, rec := range diagnosis.RecommendedActions {
		spec, ok := Catalogue[rec.Action]
		if !ok {
			d.logger.Warn().Str("action", rec.Action).Msg("Oracle recommended unknown action, ignoring")
			continue
		}

		if spec.Name == ActionAlertOnly {
			d.bus.Alert(ctx, "escalation", map[string]any{
				"problem_id": problem.ID,
				"title":      problem.Title,
				"severity":   string(problem.Severity),
			})
			results = append(results, ActionResult{
				Action:     ActionAlertOnly,
				NodeID:     problem.NodeID,
				Success:    true,
				ExecutedAt: time.Now().UTC(),
			})
			continue
		}

		if !allowed[spec.RiskLevel] {
			d.logger.Info().
				Str("action", rec.Action).
				Str("risk", string(spec.RiskLevel)).
				Msg("Action risk outside auto-fix set, escalating")
			d.bus.Alert(ctx, "escalation", map[string]any{
				"problem_id": problem.ID,
				"action":     rec.Action,
				"risk_level": string(spec.RiskLevel),
				"reason":     "risk level outside auto-fix set",
			})
			continue
		}

		result := d.executor.Execute(ctx, rec.Action, problem.NodeID, rec.Params)
		results = append(results, result)
		// Every attempt consumes hourly budget, success or not
		d.countAction(ctx)
		if result.Success {
			d.publishDoctor(ctx, "action_completed", map[string]any{
				"problem_id": problem.ID,
				"action":     rec.Action,
				"node_id":    problem.NodeID,
			})
		} else {
			d.publishDoctor(ctx, "action_failed", map[string]any{
				"problem_id": problem.ID,
				"action":     rec.Action,
				"node_id":    problem.NodeID,
				"error":      result.Error,
			})
		}
	}
	return results
}

// actionsInWindow prunes the sliding window and returns its size
func (d *Doctor) actionsInWindow(ctx context.Context) (int64, error) {
	cutoff := float64(time.Now().Add(-budgetWindow).Unix())
	if err := d.store.ZRemRangeByScore(ctx, keyActionWindow, math.Inf(-1), cutoff); err != nil {
		return 0, err
	}
	return d.store.ZCard(ctx, keyActionWindow)
}

func (d *Doctor) countAction(ctx context.Context) {
	score := float64(time.Now().Unix())
	if err := d.store.ZAdd(ctx, keyActionWindow, score, uuid.NewString()); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to count action in budget window")
	}
}

func (d *Doctor) publishDoctor(ctx context.Context, eventType string, data map[string]any) {
	d.bus.Publish(ctx, events.ChannelDoctorEvents, eventType, data)
}

// Problems returns the problem set from the latest cycle
func (d *Doctor) Problems(ctx context.Context) ([]types.Problem, error) {
	raw, err := d.store.Get(ctx, keyProblems)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read problems: %v", err)
	}
	var problems []types.Problem
	if err := json.Unmarshal([]byte(raw), &problems); err != nil {
		return nil, fmt.Errorf("corrupt problem set: %v", err)
	}
	return problems, nil
}

func (d *Doctor) storeProblems(ctx context.Context, problems []types.Problem) error {
	data, err := json.Marshal(problems)
	if err != nil {
		return fmt.Errorf("failed to marshal problems: %v", err)
	}
	if err := d.store.Set(ctx, keyProblems, string(data), 0); err != nil {
		return fmt.Errorf("failed to store problems: %v", err)
	}
	return nil
}

func (d *Doctor) recordHistory(ctx context.Context, entry HistoryEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := d.store.LPush(ctx, keyHistory, string(data)); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to record history")
		return
	}
	if err := d.store.LTrim(ctx, keyHistory, 0, historyCap-1); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to trim history")
	}
}

// History returns recent healing attempts, newest first
func (d *Doctor) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > historyCap {
		limit = historyCap
	}
	raw, err := d.store.LRange(ctx, keyHistory, 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %v", err)
	}
	entries := make([]HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var entry HistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (d *Doctor) writeStatus(ctx context.Context, problemsFound, actionsTaken int) error {
	inWindow, err := d.actionsInWindow(ctx)
	if err != nil {
		inWindow = 0
	}
	status := Status{
		Enabled:       d.cfg.AutoFixEnabled,
		LastCycleAt:   time.Now().UTC(),
		CyclesRun:     d.cycles,
		ProblemsFound: problemsFound,
		ActionsTaken:  actionsTaken,
		ActionsInHour: inWindow,
	}
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if err := d.store.Set(ctx, keyStatus, string(data), 0); err != nil {
		return fmt.Errorf("failed to write doctor status: %v", err)
	}
	return nil
}

// GetStatus returns the last written status
func (d *Doctor) GetStatus(ctx context.Context) (*Status, error) {
	raw, err := d.store.Get(ctx, keyStatus)
	if errors.Is(err, store.ErrNotFound) {
		return &Status{Enabled: d.cfg.AutoFixEnabled}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read doctor status: %v", err)
	}
	var status Status
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return nil, fmt.Errorf("corrupt doctor status: %v", err)
	}
	return &status, nil
}

// Config returns the doctor's effective configuration
func (d *Doctor) Config() config.DoctorConfig {
	return d.cfg
}

// UpdateConfig replaces the runtime configuration and persists it.
// Detector thresholds pick up the new values on the next cycle.
func (d *Doctor) UpdateConfig(ctx context.Context, cfg config.DoctorConfig) error {
	for _, lvl := range cfg.AutoFixLevels {
		switch lvl {
		case "low", "medium", "high":
		default:
			return fmt.Errorf("unknown auto-fix risk level %q", lvl)
		}
	}
	d.cfg = cfg
	d.detectors = defaultDetectors(Thresholds{
		DiskWarning:  cfg.DiskThreshold,
		DiskCritical: cfg.DiskCritical,
		Memory:       cfg.MemoryThreshold,
	})
	return d.writeConfig(ctx)
}

func (d *Doctor) writeConfig(ctx context.Context) error {
	data, err := json.Marshal(d.cfg)
	if err != nil {
		return err
	}
	return d.store.Set(ctx, keyConfig, string(data), 0)
}

package scaler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

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
	keyConfig  = "scaling:config"
	keyState   = "scaling:state"
	keyHistory = "scaling:history"

	historyCap = 100
)

// Decision is a single scaling verdict
type Decision string

const (
	DecisionNone      Decision = "none"
	DecisionScaleUp   Decision = "scale_up"
	DecisionScaleDown Decision = "scale_down"
)

// State is the scaler's persisted view between ticks
type State struct {
	CurrentScale     int       `json:"current_scale"`
	RecommendedScale int       `json:"recommended_scale"`
	LastAction       Decision  `json:"last_action"`
	LastActionAt     time.Time `json:"last_action_at"`
	LastReason       string    `json:"last_reason"`
	QueueDepth       int64     `json:"queue_depth"`
	AvgGPUUtil       float64   `json:"avg_gpu_util"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// historyEntry is one decision record in the capped history list
type historyEntry struct {
	Decision    Decision  `json:"decision"`
	Recommended int       `json:"recommended"`
	Current     int       `json:"current"`
	QueueDepth  int64     `json:"queue_depth"`
	AvgGPUUtil  float64   `json:"avg_gpu_util"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

// Scaler derives scale recommendations from queue depth and GPU
// utilization. It only recommends: execution (wake-on-LAN, provisioning)
// belongs to external tooling consuming the recommendation events.
type Scaler struct {
	store    store.Store
	bus      *events.Bus
	registry *registry.Registry
	queue    *queue.Queue
	cfg      config.ScalerConfig
	logger   zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an auto-scaler
func New(s store.Store, bus *events.Bus, reg *registry.Registry, q *queue.Queue, cfg config.ScalerConfig) *Scaler {
	return &Scaler{
		store:    s,
		bus:      bus,
		registry: reg,
		queue:    q,
		cfg:      cfg,
		logger:   log.WithComponent("scaler"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the evaluation ticker
func (s *Scaler) Start(ctx context.Context) {
	if err := s.writeConfig(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to persist scaler config")
	}
	interval := time.Duration(s.cfg.IntervalSeconds) * time.Second
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Evaluate(ctx); err != nil {
					s.logger.Error().Err(err).Msg("Scaler tick failed")
					s.bus.Publish(ctx, events.ChannelFleet, "error", map[string]any{
						"component": "scaler",
						"error":     err.Error(),
					})
				}
			}
		}
	}()
	s.logger.Info().Int("interval_s", s.cfg.IntervalSeconds).Msg("Auto-scaler started")
}

// Stop halts the ticker
func (s *Scaler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("Auto-scaler stopped")
}

// Evaluate runs one decision pass and persists the outcome
func (s *Scaler) Evaluate(ctx context.Context) (*State, error) {
	prev, err := s.GetState(ctx)
	if err != nil {
		return nil, err
	}

	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depth: %v", err)
	}
	nodes, err := s.registry.List(ctx, registry.ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %v", err)
	}

	var active, idle int
	var utilSum float64
	var utilCount int
	for i := range nodes {
		node := &nodes[i]
		if node.Status == types.NodeStatusOffline {
			continue
		}
		active++
		util := avgUtil(node)
		utilSum += util
		utilCount++
		if isIdle(node, util) {
			idle++
		}
	}
	var avg float64
	if utilCount > 0 {
		avg = utilSum / float64(utilCount) / 100
	}

	decision, recommended, reason := s.decide(prev, depth, active, idle, avg)

	state := &State{
		CurrentScale:     active,
		RecommendedScale: recommended,
		LastAction:       prev.LastAction,
		LastActionAt:     prev.LastActionAt,
		LastReason:       reason,
		QueueDepth:       depth,
		AvgGPUUtil:       avg,
		UpdatedAt:        time.Now().UTC(),
	}
	if decision != DecisionNone {
		state.LastAction = decision
		state.LastActionAt = time.Now().UTC()
		s.recordHistory(ctx, historyEntry{
			Decision:    decision,
			Recommended: recommended,
			Current:     active,
			QueueDepth:  depth,
			AvgGPUUtil:  avg,
			Reason:      reason,
			At:          state.LastActionAt,
		})
		s.logger.Info().
			Str("decision", string(decision)).
			Int("current", active).
			Int("recommended", recommended).
			Str("reason", reason).
			Msg("Scaling recommendation")
		s.bus.Publish(ctx, events.ChannelFleet, "scaling_recommendation", map[string]any{
			"decision":    string(decision),
			"current":     active,
			"recommended": recommended,
			"reason":      reason,
		})
	}

	if err := s.putState(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// decide applies the decision table. Scale-down requires both the
// depth and utilization conditions so a quiet queue alone never sheds
// warm capacity.
func (s *Scaler) decide(prev *State, depth int64, active, idle int, avgUtil float64) (Decision, int, string) {
	if !s.cfg.Enabled {
		return DecisionNone, active, "scaler disabled"
	}
	cooldown := time.Duration(s.cfg.CooldownSeconds) * time.Second
	if !prev.LastActionAt.IsZero() && time.Since(prev.LastActionAt) < cooldown {
		return DecisionNone, active, "within cooldown"
	}

	target := s.cfg.TargetQueueDepth
	if depth > int64(target) && avgUtil > s.cfg.ScaleUpThreshold && active < s.cfg.MaxNodes {
		step := int(depth) / target
		if step < 1 {
			step = 1
		}
		recommended := active + step
		if recommended > s.cfg.MaxNodes {
			recommended = s.cfg.MaxNodes
		}
		return DecisionScaleUp, recommended,
			fmt.Sprintf("queue depth %d over target %d with %.0f%% GPU utilization", depth, target, avgUtil*100)
	}

	if depth < int64(target)/2 && avgUtil < s.cfg.ScaleDownThreshold && active > s.cfg.MinNodes && idle > 0 {
		recommended := active - idle
		if recommended < s.cfg.MinNodes {
			recommended = s.cfg.MinNodes
		}
		return DecisionScaleDown, recommended,
			fmt.Sprintf("queue depth %d under half target with %d idle nodes", depth, idle)
	}

	return DecisionNone, active, "within bounds"
}

func avgUtil(node *types.Node) float64 {
	if len(node.GPUs) == 0 {
		return 0
	}
	var sum float64
	for _, g := range node.GPUs {
		sum += g.UtilPct
	}
	return sum / float64(len(node.GPUs))
}

// isIdle matches nodes safe to shed: no GPU load, no reported work
func isIdle(node *types.Node, util float64) bool {
	if util >= 10 {
		return false
	}
	if node.Activity != nil &&
		node.Activity.Status != types.ActivityIdle &&
		node.Activity.Status != types.ActivityReady {
		return false
	}
	return len(node.Containers) == 0
}

// Config returns the scaler's effective configuration
func (s *Scaler) Config() config.ScalerConfig {
	return s.cfg
}

// UpdateConfig replaces the runtime configuration and persists it
func (s *Scaler) UpdateConfig(ctx context.Context, cfg config.ScalerConfig) error {
	if cfg.MinNodes < 0 || cfg.MaxNodes < cfg.MinNodes {
		return fmt.Errorf("invalid scaler bounds: min=%d max=%d", cfg.MinNodes, cfg.MaxNodes)
	}
	if cfg.TargetQueueDepth <= 0 {
		return fmt.Errorf("target queue depth must be positive, got %d", cfg.TargetQueueDepth)
	}
	s.cfg = cfg
	return s.writeConfig(ctx)
}

func (s *Scaler) writeConfig(ctx context.Context) error {
	data, err := json.Marshal(s.cfg)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, keyConfig, string(data), 0)
}

// GetState returns the last persisted scaler state
func (s *Scaler) GetState(ctx context.Context) (*State, error) {
	raw, err := s.store.Get(ctx, keyState)
	if errors.Is(err, store.ErrNotFound) {
		return &State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scaler state: %v", err)
	}
	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("corrupt scaler state: %v", err)
	}
	return &state, nil
}

func (s *Scaler) putState(ctx context.Context, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal scaler state: %v", err)
	}
	if err := s.store.Set(ctx, keyState, string(data), 0); err != nil {
		return fmt.Errorf("failed to store scaler state: %v", err)
	}
	return nil
}

func (s *Scaler) recordHistory(ctx context.Context, entry historyEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := s.store.LPush(ctx, keyHistory, string(data)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to record scaling history")
		return
	}
	if err := s.store.LTrim(ctx, keyHistory, 0, historyCap-1); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to trim scaling history")
	}
}

// History returns recent decisions, newest first
func (s *Scaler) History(ctx context.Context, limit int) ([]map[string]any, error) {
	if limit <= 0 || limit > historyCap {
		limit = historyCap
	}
	raw, err := s.store.LRange(ctx, keyHistory, 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("failed to read scaling history: %v", err)
	}
	entries := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		var entry map[string]any
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

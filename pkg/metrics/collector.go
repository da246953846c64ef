package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/doctor"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/queue"
	"github.com/corralhq/corral/pkg/registry"
	"github.com/corralhq/corral/pkg/scaler"
	"github.com/corralhq/corral/pkg/types"
	"github.com/corralhq/corral/pkg/vision"
)

// Collector periodically refreshes the fleet gauges from the live
// components. Counters are incremented at the point of action; the
// collector only owns snapshot-style gauges.
type Collector struct {
	registry *registry.Registry
	queue    *queue.Queue
	vision   *vision.Scheduler
	doctor   *doctor.Doctor
	scaler   *scaler.Scaler
	interval time.Duration
	logger   zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a gauge collector
func NewCollector(reg *registry.Registry, q *queue.Queue, v *vision.Scheduler, d *doctor.Doctor, s *scaler.Scaler) *Collector {
	return &Collector{
		registry: reg,
		queue:    q,
		vision:   v,
		doctor:   d,
		scaler:   s,
		interval: 15 * time.Second,
		logger:   log.WithComponent("metrics"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the collection ticker
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Collect(ctx)
			}
		}
	}()
	c.logger.Info().Dur("interval", c.interval).Msg("Metrics collector started")
}

// Stop halts the ticker
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Collect refreshes every gauge once
func (c *Collector) Collect(ctx context.Context) {
	if nodes, err := c.registry.List(ctx, registry.ListFilter{}); err == nil {
		counts := make(map[types.NodeStatus]int)
		for i := range nodes {
			counts[nodes[i].Status]++
		}
		for _, status := range []types.NodeStatus{
			types.NodeStatusOnline, types.NodeStatusBusy,
			types.NodeStatusSwitching, types.NodeStatusOffline,
		} {
			NodesTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
		}
	}

	if summary, err := c.registry.Summary(ctx); err == nil {
		FleetPowerWatts.Set(summary.TotalPowerW)
		FleetGPUUtilization.Set(summary.AvgGPUUtil)
	}

	if stats, err := c.queue.GetStats(ctx); err == nil {
		for priority, depth := range stats.Depths {
			QueueDepth.WithLabelValues(priority).Set(float64(depth))
		}
		JobsProcessing.Set(float64(stats.Processing))
		JobsCompletedTotal.Set(float64(stats.TotalCompleted))
		JobsFailedTotal.Set(float64(stats.TotalFailed))
		JobsPerMinute.Set(stats.JobsPerMinute)
	}

	if status, err := c.vision.GetStatus(ctx); err == nil {
		VisionQueueDepth.Set(float64(status.QueueDepth))
		VisionNodesAvailable.Set(float64(status.AvailableNodes))
	}

	if problems, err := c.doctor.Problems(ctx); err == nil {
		counts := make(map[types.Severity]int)
		for i := range problems {
			counts[problems[i].Severity]++
		}
		for _, sev := range []types.Severity{
			types.SeverityInfo, types.SeverityWarning, types.SeverityCritical,
		} {
			DoctorProblems.WithLabelValues(string(sev)).Set(float64(counts[sev]))
		}
	}

	if state, err := c.scaler.GetState(ctx); err == nil {
		ScalerCurrentNodes.Set(float64(state.CurrentScale))
		ScalerRecommendedNodes.Set(float64(state.RecommendedScale))
	}
}

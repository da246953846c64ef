package vision

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/store"
	"github.com/corralhq/corral/pkg/types"
)

// fakeWorker records calls and lets tests script swap completion
type fakeWorker struct {
	mu        sync.Mutex
	switches  []string
	generates []string
	cancels   []string

	generateErr error
	onSwitch    func(node Node, model string)
}

func (f *fakeWorker) SwitchModel(ctx context.Context, node Node, model string) error {
	f.mu.Lock()
	f.switches = append(f.switches, node.NodeID+":"+model)
	cb := f.onSwitch
	f.mu.Unlock()
	if cb != nil {
		cb(node, model)
	}
	return nil
}

func (f *fakeWorker) Generate(ctx context.Context, node Node, job *GenerationJob) (json.RawMessage, error) {
	f.mu.Lock()
	f.generates = append(f.generates, node.NodeID+":"+job.Model)
	err := f.generateErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return json.RawMessage(`{"image":"data"}`), nil
}

func (f *fakeWorker) CancelJob(ctx context.Context, node Node, jobID string) error {
	f.mu.Lock()
	f.cancels = append(f.cancels, node.NodeID+":"+jobID)
	f.mu.Unlock()
	return nil
}

func (f *fakeWorker) calls() (switches, generates []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.switches...), append([]string(nil), f.generates...)
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeWorker, store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { s.Close() })
	fw := &fakeWorker{}
	sched := NewScheduler(s, events.NewBus(s), fw)
	sched.swapTimeout = time.Second
	sched.swapPoll = 10 * time.Millisecond
	return sched, fw, s
}

func heartbeatNode(t *testing.T, sched *Scheduler, id, model string, gpuUtil float64) {
	t.Helper()
	require.NoError(t, sched.Heartbeat(context.Background(), HeartbeatRequest{
		NodeID:       id,
		Hostname:     id + ".local",
		IP:           "10.0.0.1",
		Port:         8188,
		CurrentModel: model,
		GPUUtil:      gpuUtil,
		Status:       types.NodeStatusOnline,
	}))
}

func waitForStatus(t *testing.T, sched *Scheduler, jobID string, want types.JobStatus) *GenerationJob {
	t.Helper()
	var job *GenerationJob
	require.Eventually(t, func() bool {
		var err error
		job, err = sched.GetJob(context.Background(), jobID)
		return err == nil && job.Status == want
	}, 3*time.Second, 10*time.Millisecond)
	return job
}

func TestSubmitValidation(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	ctx := context.Background()

	_, err := sched.Submit(ctx, GenerateRequest{Model: "sdxl"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = sched.Submit(ctx, GenerateRequest{Prompt: "a horse"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStickyRouting(t *testing.T) {
	sched, fw, _ := newTestScheduler(t)
	ctx := context.Background()

	heartbeatNode(t, sched, "n1", "model-a", 20)
	heartbeatNode(t, sched, "n2", "model-b", 20)

	job, err := sched.Submit(ctx, GenerateRequest{Prompt: "a horse", Model: "model-b"})
	require.NoError(t, err)

	dispatched, err := sched.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, dispatched)

	done := waitForStatus(t, sched, job.ID, types.JobCompleted)
	assert.Equal(t, "n2", done.NodeID)

	switches, generates := fw.calls()
	assert.Empty(t, switches, "sticky placement must not swap")
	assert.Equal(t, []string{"n2:model-b"}, generates)

	// The other model routes to the other node, also without a swap
	job2, err := sched.Submit(ctx, GenerateRequest{Prompt: "a dog", Model: "model-a"})
	require.NoError(t, err)
	_, err = sched.ProcessOne(ctx)
	require.NoError(t, err)
	done2 := waitForStatus(t, sched, job2.ID, types.JobCompleted)
	assert.Equal(t, "n1", done2.NodeID)
	switches, _ = fw.calls()
	assert.Empty(t, switches)
}

func TestLowestUtilWins(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	ctx := context.Background()

	heartbeatNode(t, sched, "n1", "model-a", 70)
	heartbeatNode(t, sched, "n2", "model-a", 15)

	job, err := sched.Submit(ctx, GenerateRequest{Prompt: "a horse", Model: "model-a"})
	require.NoError(t, err)
	_, err = sched.ProcessOne(ctx)
	require.NoError(t, err)

	done := waitForStatus(t, sched, job.ID, types.JobCompleted)
	assert.Equal(t, "n2", done.NodeID)
}

func TestForcedSwap(t *testing.T) {
	sched, fw, _ := newTestScheduler(t)
	ctx := context.Background()

	heartbeatNode(t, sched, "n1", "model-a", 10)

	// The worker completes the swap by reporting the new model
	fw.onSwitch = func(node Node, model string) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			heartbeatNode(t, sched, node.NodeID, model, 10)
		}()
	}

	job, err := sched.Submit(ctx, GenerateRequest{Prompt: "a horse", Model: "model-b"})
	require.NoError(t, err)
	dispatched, err := sched.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, dispatched)

	done := waitForStatus(t, sched, job.ID, types.JobCompleted)
	assert.Equal(t, "n1", done.NodeID)

	switches, generates := fw.calls()
	assert.Equal(t, []string{"n1:model-b"}, switches)
	// Generation only ever happens with the target model resident
	assert.Equal(t, []string{"n1:model-b"}, generates)
}

func TestSwapTimeout(t *testing.T) {
	sched, fw, _ := newTestScheduler(t)
	sched.swapTimeout = 100 * time.Millisecond
	ctx := context.Background()

	// Worker never confirms the swap
	heartbeatNode(t, sched, "n1", "model-a", 10)

	job, err := sched.Submit(ctx, GenerateRequest{Prompt: "a horse", Model: "model-b"})
	require.NoError(t, err)
	dispatched, err := sched.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, dispatched)

	got := waitForStatus(t, sched, job.ID, types.JobFailed)
	assert.Contains(t, got.Error, "timed out")

	nodes, err := sched.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, types.NodeStatusOffline, nodes[0].Status)

	_, generates := fw.calls()
	assert.Empty(t, generates)
}

func TestNoAvailableWorkerRequeues(t *testing.T) {
	sched, _, s := newTestScheduler(t)
	ctx := context.Background()

	job, err := sched.Submit(ctx, GenerateRequest{Prompt: "a horse", Model: "model-a"})
	require.NoError(t, err)

	dispatched, err := sched.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, dispatched)

	// Job went back to the head of the queue, still queued
	ids, err := s.LRange(ctx, "vision:queue", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ids)
	got, err := sched.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, got.Status)
}

func TestPriorityOrdering(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	ctx := context.Background()

	low, err := sched.Submit(ctx, GenerateRequest{Prompt: "p", Model: "m", Priority: types.PriorityLow})
	require.NoError(t, err)
	high, err := sched.Submit(ctx, GenerateRequest{Prompt: "p", Model: "m", Priority: types.PriorityHigh})
	require.NoError(t, err)

	first, err := sched.popNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, high.ID, first.ID)
	second, err := sched.popNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, low.ID, second.ID)
}

func TestBusyWorkerNotSelected(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	ctx := context.Background()

	heartbeatNode(t, sched, "n1", "model-a", 10)
	node, err := sched.getNode(ctx, "n1")
	require.NoError(t, err)
	node.Status = types.NodeStatusBusy
	node.CurrentJobID = "other-job"
	require.NoError(t, sched.putNode(ctx, node))

	job, err := sched.Submit(ctx, GenerateRequest{Prompt: "p", Model: "model-a"})
	require.NoError(t, err)
	dispatched, err := sched.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, dispatched)

	got, err := sched.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, got.Status)
}

func TestStaleNodeGoesOffline(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	ctx := context.Background()

	heartbeatNode(t, sched, "n1", "model-a", 10)
	node, err := sched.getNode(ctx, "n1")
	require.NoError(t, err)
	node.LastHeartbeat = time.Now().UTC().Add(-time.Minute)
	node.CurrentJobID = "stuck-job"
	require.NoError(t, sched.putNode(ctx, node))

	sched.markStaleOffline(ctx)

	got, err := sched.getNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOffline, got.Status)
	assert.Empty(t, got.CurrentJobID)
}

func TestCancelQueuedJob(t *testing.T) {
	sched, fw, s := newTestScheduler(t)
	ctx := context.Background()

	job, err := sched.Submit(ctx, GenerateRequest{Prompt: "p", Model: "m"})
	require.NoError(t, err)

	cancelled, err := sched.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, cancelled.Status)

	ids, err := s.LRange(ctx, "vision:queue", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, fw.cancels)

	// Idempotent on terminal jobs
	again, err := sched.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, again.Status)
}

func TestForceSwitch(t *testing.T) {
	sched, fw, _ := newTestScheduler(t)
	ctx := context.Background()

	heartbeatNode(t, sched, "n1", "model-a", 10)
	require.NoError(t, sched.ForceSwitch(ctx, "n1", "model-b"))

	switches, _ := fw.calls()
	assert.Equal(t, []string{"n1:model-b"}, switches)

	node, err := sched.getNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusSwitching, node.Status)

	assert.ErrorIs(t, sched.ForceSwitch(ctx, "n1", ""), ErrValidation)
	assert.ErrorIs(t, sched.ForceSwitch(ctx, "missing", "model-b"), ErrNodeNotFound)
}

func TestGetStatus(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	ctx := context.Background()

	heartbeatNode(t, sched, "n1", "model-a", 10)
	_, err := sched.Submit(ctx, GenerateRequest{Prompt: "p", Model: "m"})
	require.NoError(t, err)

	status, err := sched.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.QueueDepth)
	assert.Equal(t, 1, status.TotalNodes)
	assert.Equal(t, 1, status.AvailableNodes)
	assert.Equal(t, 0, status.BusyNodes)
}

// flakyStore fails hash reads on demand so tests can exercise the
// dispatcher's bookkeeping error paths.
type flakyStore struct {
	store.Store
	mu            sync.Mutex
	failNodeReads bool
}

func (f *flakyStore) setFailNodeReads(v bool) {
	f.mu.Lock()
	f.failNodeReads = v
	f.mu.Unlock()
}

func (f *flakyStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	fail := f.failNodeReads
	f.mu.Unlock()
	if fail {
		return nil, errors.New("store unavailable")
	}
	return f.Store.HGetAll(ctx, key)
}

func TestNodeReadFailureLeavesJobClaimable(t *testing.T) {
	mr := miniredis.RunT(t)
	base := store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { base.Close() })
	fs := &flakyStore{Store: base}
	sched := NewScheduler(fs, events.NewBus(base), &fakeWorker{})
	ctx := context.Background()

	job, err := sched.Submit(ctx, GenerateRequest{Prompt: "p", Model: "m"})
	require.NoError(t, err)

	fs.setFailNodeReads(true)
	dispatched, err := sched.ProcessOne(ctx)
	assert.Error(t, err)
	assert.False(t, dispatched)

	// The popped job went back to the head of the queue, still queued
	ids, err := base.LRange(ctx, "vision:queue", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ids)

	got, err := sched.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, got.Status)

	// Once the store recovers and a worker appears, dispatch proceeds
	fs.setFailNodeReads(false)
	heartbeatNode(t, sched, "n1", "m", 10)
	dispatched, err = sched.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, dispatched)
	waitForStatus(t, sched, job.ID, types.JobCompleted)
}

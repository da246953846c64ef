package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/command"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/doctor"
	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/queue"
	"github.com/corralhq/corral/pkg/registry"
	"github.com/corralhq/corral/pkg/scaler"
	"github.com/corralhq/corral/pkg/store"
	"github.com/corralhq/corral/pkg/types"
	"github.com/corralhq/corral/pkg/vision"
)

type fixture struct {
	server *Server
	store  store.Store
	bus    *events.Bus
	mr     *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	s := store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	bus := events.NewBus(s)
	reg := registry.New(s, bus, cfg.HeartbeatTTL())
	q := queue.New(s, bus)
	v := vision.NewScheduler(s, bus, vision.NewHTTPWorkerClient())
	sc := scaler.New(s, bus, reg, q, cfg.Scaler)
	doc := doctor.New(s, bus, reg, q,
		doctor.NewOllamaClient("http://127.0.0.1:1", "unused"),
		doctor.NewExecutor("http://127.0.0.1:1"), cfg.Doctor)

	srv := NewServer(Deps{
		Store:      s,
		Registry:   reg,
		Queue:      q,
		Vision:     v,
		Doctor:     doc,
		Scaler:     sc,
		Dispatcher: command.NewDispatcher(s),
	})
	return &fixture{server: srv, store: s, bus: bus, mr: mr}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])
}

func TestRegisterAndHeartbeat(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/nodes/register", types.Registration{
		NodeID:    "gpu-01",
		Hostname:  "rig-1",
		IP:        "10.0.0.7",
		Cluster:   "lab",
		AgentPort: 8420,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/nodes/gpu-01/heartbeat", types.Heartbeat{
		NodeID: "gpu-01",
		GPUs:   []types.GPUStat{{Index: 0, Name: "RTX 4090", UtilPct: 42}},
		System: types.SystemStats{CPUPct: 10, MemPct: 30, DiskPct: 50},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "received", decode(t, rec)["status"])

	rec = f.do(t, http.MethodGet, "/nodes/gpu-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "online", decode(t, rec)["status"])

	rec = f.do(t, http.MethodGet, "/nodes?cluster=lab", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])
}

func TestNodeNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/nodes/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHeartbeatRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/nodes/gpu-01/heartbeat",
		strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/queue/jobs", map[string]any{
		"job_type": "llm_inference",
		"priority": "high",
		"payload":  map[string]any{"prompt": "hello"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	jobID := body["job_id"].(string)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "high", body["queue"])

	rec = f.do(t, http.MethodPost, "/claim", map[string]any{"worker_id": "w1"})
	require.Equal(t, http.StatusOK, rec.Code)
	claimed := decode(t, rec)["job"].(map[string]any)
	assert.Equal(t, jobID, claimed["job_id"])

	rec = f.do(t, http.MethodPost, "/progress/"+jobID, map[string]any{
		"worker_id": "w1",
		"progress":  55.0,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 55.0, decode(t, rec)["progress"])

	rec = f.do(t, http.MethodPost, "/complete/"+jobID, map[string]any{
		"worker_id": "w1",
		"result":    map[string]any{"tokens": 128},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decode(t, rec)["status"])

	rec = f.do(t, http.MethodGet, "/queue/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decode(t, rec)["status"])
}

func TestClaimEmptyQueue(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/claim", map[string]any{"worker_id": "w1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode(t, rec)["job"])
}

func TestCompleteByWrongWorker(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/queue/jobs", map[string]any{
		"job_type": "render", "priority": "normal",
	})
	jobID := decode(t, rec)["job_id"].(string)

	f.do(t, http.MethodPost, "/claim", map[string]any{"worker_id": "w1"})

	rec = f.do(t, http.MethodPost, "/complete/"+jobID, map[string]any{"worker_id": "w2"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/queue/jobs", map[string]any{
		"job_type": "render", "priority": "low",
	})
	jobID := decode(t, rec)["job_id"].(string)

	rec = f.do(t, http.MethodDelete, "/queue/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode(t, rec)["status"])

	// A second cancel of an already-cancelled job is idempotent
	rec = f.do(t, http.MethodDelete, "/queue/jobs/"+jobID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBatchSubmitAndCancel(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/queue/jobs/batch", []map[string]any{
		{"job_type": "render", "priority": "normal"},
		{"job_type": "render", "priority": "low"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["count"])

	raw := body["job_ids"].([]any)
	ids := []string{raw[0].(string), raw[1].(string)}

	rec = f.do(t, http.MethodPost, "/queue/jobs/cancel-batch", map[string]any{
		"job_ids": append(ids, "ghost"),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, float64(2), body["cancelled"])
	assert.Len(t, body["failed"], 1)
}

func TestQueueStats(t *testing.T) {
	f := newFixture(t)

	f.do(t, http.MethodPost, "/queue/jobs", map[string]any{"job_type": "a", "priority": "high"})
	f.do(t, http.MethodPost, "/queue/jobs", map[string]any{"job_type": "b", "priority": "normal"})

	rec := f.do(t, http.MethodGet, "/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)["queue"].(map[string]any)
	depths := stats["depths"].(map[string]any)
	assert.Equal(t, float64(1), depths["high"])
	assert.Equal(t, float64(1), depths["normal"])
}

func TestVisionHeartbeatAndNodes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/vision/nodes/heartbeat", vision.HeartbeatRequest{
		NodeID:       "vis-01",
		Hostname:     "vision-rig",
		IP:           "10.0.0.9",
		Port:         7860,
		CurrentModel: "sdxl",
		GPUUtil:      12,
		Status:       types.NodeStatusOnline,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/vision/nodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/vision/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestVisionGenerateQueues(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/vision/generate", vision.GenerateRequest{
		Prompt:   "a corral at dawn",
		Model:    "sdxl",
		Priority: types.PriorityNormal,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "queued", body["status"])

	rec = f.do(t, http.MethodGet, "/vision/jobs/"+body["job_id"].(string), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestModelSwitchRequiresModelName(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/vision/models/switch/vis-01", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDoctorConfigRoundTrip(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/doctor/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	cfg := config.Default().Doctor
	cfg.AutoFixEnabled = false
	rec = f.do(t, http.MethodPut, "/api/doctor/config", cfg)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/doctor/config", nil)
	assert.Equal(t, false, decode(t, rec)["auto_fix_enabled"])
}

func TestScalerStateAndConfig(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/scaler/state", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	cfg := config.Default().Scaler
	cfg.MinNodes = 20
	cfg.MaxNodes = 2
	rec = f.do(t, http.MethodPut, "/api/scaler/config", cfg)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMaintenanceRetryDeadJob(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/queue/jobs", map[string]any{
		"job_type": "render", "priority": "normal", "max_retries": 1,
	})
	jobID := decode(t, rec)["job_id"].(string)

	f.do(t, http.MethodPost, "/claim", map[string]any{"worker_id": "w1"})
	rec = f.do(t, http.MethodPost, "/complete/"+jobID, map[string]any{
		"worker_id": "w1", "error": "oom",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "dead", decode(t, rec)["status"])

	rec = f.do(t, http.MethodPost, "/api/maintenance/retry-job", map[string]any{"job_id": jobID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "queued", decode(t, rec)["status"])
}

func TestMaintenanceRequiresNodeID(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/maintenance/disk/cleanup", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWSAlertsBridge(t *testing.T) {
	f := newFixture(t)

	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/alerts"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Ping before any event flows
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "pong")

	// Published alerts arrive as raw envelopes
	go func() {
		// Subscription setup races the publish; nudge until delivered
		for i := 0; i < 20; i++ {
			f.bus.Alert(context.Background(), "disk_full", map[string]any{"node_id": "gpu-01"})
			time.Sleep(50 * time.Millisecond)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)

	var envelope types.EventEnvelope
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, "disk_full", envelope.Type)
	assert.Equal(t, "gpu-01", envelope.Data["node_id"])
}

func TestStatusOverview(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("gpu-%02d", i)
		f.do(t, http.MethodPost, "/nodes/register", types.Registration{NodeID: id, Hostname: id, IP: "10.0.0.1"})
		f.do(t, http.MethodPost, "/nodes/"+id+"/heartbeat", types.Heartbeat{
			NodeID: id,
			System: types.SystemStats{CPUPct: 5},
		})
	}

	rec := f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	fleet := body["fleet"].(map[string]any)
	assert.Equal(t, float64(2), fleet["active_nodes"])
	assert.Contains(t, body, "queue")
}

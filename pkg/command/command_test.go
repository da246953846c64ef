package command

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/store"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { s.Close() })
	return NewDispatcher(s), s
}

// fakeAgent listens on a node's command channel and replies like a
// worker agent would
func fakeAgent(t *testing.T, s store.Store, nodeID string, respond func(cmd Command) Result) {
	t.Helper()
	ctx := context.Background()
	sub := s.Subscribe(ctx, "commands:"+nodeID)
	t.Cleanup(func() { sub.Close() })

	go func() {
		for msg := range sub.Messages() {
			var cmd Command
			if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
				continue
			}
			result := respond(cmd)
			result.CommandID = cmd.ID
			result.NodeID = nodeID
			payload, _ := json.Marshal(result)
			s.Publish(ctx, "command_results:"+cmd.ID, string(payload))
		}
	}()
	// Give the subscription a moment to attach
	time.Sleep(50 * time.Millisecond)
}

func TestSendRoundTrip(t *testing.T) {
	d, s := newTestDispatcher(t)

	fakeAgent(t, s, "gpu-01", func(cmd Command) Result {
		assert.Equal(t, TypeShell, cmd.Type)
		assert.Equal(t, "uptime", cmd.Params["command"])
		return Result{Success: true, Output: "up 3 days"}
	})

	result, err := d.Send(context.Background(), "gpu-01", TypeShell,
		map[string]any{"command": "uptime"}, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "up 3 days", result.Output)
	assert.Equal(t, "gpu-01", result.NodeID)
}

func TestSendTimeout(t *testing.T) {
	d, _ := newTestDispatcher(t)

	// No agent listening
	_, err := d.Send(context.Background(), "gpu-01", TypePing, nil, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPing(t *testing.T) {
	d, s := newTestDispatcher(t)

	fakeAgent(t, s, "gpu-01", func(cmd Command) Result {
		return Result{Success: true, Output: "pong"}
	})

	result, err := d.Ping(context.Background(), "gpu-01")
	require.NoError(t, err)
	assert.True(t, result.Success)
}

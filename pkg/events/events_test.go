package events

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
	"github.com/corralhq/corral/pkg/types"
)

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "metrics:gpu-01", MetricsChannel("gpu-01"))
	assert.Equal(t, "commands:gpu-01", CommandChannel("gpu-01"))
	assert.Equal(t, "command_results:abc", CommandResultChannel("abc"))
	assert.Equal(t, "logs:gpu-01", LogChannel("gpu-01"))
	assert.Equal(t, "llm-monitor:s1", LLMMonitorChannel("s1"))
}

func TestPublishEnvelope(t *testing.T) {
	mr := miniredis.RunT(t)
	s := store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer s.Close()

	ctx := context.Background()
	sub := s.Subscribe(ctx, ChannelFleet)
	defer sub.Close()
	time.Sleep(50 * time.Millisecond)

	bus := NewBus(s)
	bus.Publish(ctx, ChannelFleet, "node_registered", map[string]any{"node_id": "gpu-01"})

	select {
	case msg := <-sub.Messages():
		var env types.EventEnvelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		assert.Equal(t, "node_registered", env.Type)
		assert.Equal(t, "gpu-01", env.Data["node_id"])
		assert.WithinDuration(t, time.Now(), env.Timestamp, 5*time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

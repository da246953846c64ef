package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/store"
	"github.com/corralhq/corral/pkg/types"
)

// Well-known channels. Per-entity channels are built by the
// constructor functions below.
const (
	ChannelFleet        = "fleet:events"
	ChannelAlerts       = "alerts"
	ChannelDoctorEvents = "fleet:doctor:events"
)

// MetricsChannel carries per-node metric snapshots
func MetricsChannel(nodeID string) string {
	return "metrics:" + nodeID
}

// CommandChannel carries commands pushed to a node's agent
func CommandChannel(nodeID string) string {
	return "commands:" + nodeID
}

// CommandResultChannel carries the reply to a single command
func CommandResultChannel(cmdID string) string {
	return "command_results:" + cmdID
}

// LogChannel carries streamed agent logs for a node
func LogChannel(nodeID string) string {
	return "logs:" + nodeID
}

// LLMMonitorChannel carries doctor diagnosis traces for a session
func LLMMonitorChannel(sessionID string) string {
	return "llm-monitor:" + sessionID
}

// Bus publishes typed state-change events to store pub/sub channels.
// Delivery is best-effort: publish errors are logged and dropped, they
// never roll back the state change that produced the event.
type Bus struct {
	store  store.Store
	logger zerolog.Logger
}

// NewBus creates an event bus over the given store
func NewBus(s store.Store) *Bus {
	return &Bus{
		store:  s,
		logger: log.WithComponent("events"),
	}
}

// Publish marshals an envelope and publishes it to the channel
func (b *Bus) Publish(ctx context.Context, channel, eventType string, data map[string]any) {
	env := types.EventEnvelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	payload, err := json.Marshal(env)
	if err != nil {
		b.logger.Error().Err(err).Str("event_type", eventType).Msg("Failed to marshal event")
		return
	}

	if err := b.store.Publish(ctx, channel, string(payload)); err != nil {
		b.logger.Warn().Err(err).
			Str("channel", channel).
			Str("event_type", eventType).
			Msg("Failed to publish event")
	}
}

// Alert publishes to the alerts channel and mirrors to the fleet channel
func (b *Bus) Alert(ctx context.Context, eventType string, data map[string]any) {
	b.Publish(ctx, ChannelAlerts, eventType, data)
	b.Publish(ctx, ChannelFleet, eventType, data)
}

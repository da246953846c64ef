package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/store"
)

// ErrTimeout is returned when the agent does not reply within the
// deadline. The command may still execute on the node.
var ErrTimeout = errors.New("command: timed out waiting for result")

// Type enumerates the commands agents understand
type Type string

const (
	TypeShell      Type = "shell"
	TypeDockerRun  Type = "docker_run"
	TypeDockerStop Type = "docker_stop"
	TypeDockerLogs Type = "docker_logs"
	TypePing       Type = "ping"
)

// Command is the payload pushed on a node's command channel
type Command struct {
	ID     string         `json:"id"`
	Type   Type           `json:"type"`
	Params map[string]any `json:"params,omitempty"`
	SentAt time.Time      `json:"sent_at"`
}

// Result is the agent's reply
type Result struct {
	CommandID string          `json:"command_id"`
	NodeID    string          `json:"node_id"`
	Success   bool            `json:"success"`
	Output    string          `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Dispatcher pushes commands to worker agents over pub/sub and awaits
// their replies on per-command result channels. Subscribing before
// publishing closes the window where a fast agent could reply into the
// void.
type Dispatcher struct {
	store  store.Store
	logger zerolog.Logger
}

// NewDispatcher creates a command dispatcher
func NewDispatcher(s store.Store) *Dispatcher {
	return &Dispatcher{
		store:  s,
		logger: log.WithComponent("command"),
	}
}

// Send pushes a command to a node and waits up to timeout for the
// reply
func (d *Dispatcher) Send(ctx context.Context, nodeID string, cmdType Type, params map[string]any, timeout time.Duration) (*Result, error) {
	cmd := Command{
		ID:     uuid.NewString(),
		Type:   cmdType,
		Params: params,
		SentAt: time.Now().UTC(),
	}

	sub := d.store.Subscribe(ctx, events.CommandResultChannel(cmd.ID))
	defer sub.Close()

	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %v", err)
	}
	if err := d.store.Publish(ctx, events.CommandChannel(nodeID), string(payload)); err != nil {
		return nil, fmt.Errorf("failed to publish command to %s: %v", nodeID, err)
	}

	d.logger.Debug().
		Str("command_id", cmd.ID).
		Str("node_id", nodeID).
		Str("type", string(cmdType)).
		Msg("Command sent")

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			return nil, fmt.Errorf("result subscription closed for command %s", cmd.ID)
		}
		var result Result
		if err := json.Unmarshal([]byte(msg.Payload), &result); err != nil {
			return nil, fmt.Errorf("malformed result for command %s: %v", cmd.ID, err)
		}
		return &result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s on %s after %s", ErrTimeout, cmdType, nodeID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping checks agent responsiveness with a short deadline
func (d *Dispatcher) Ping(ctx context.Context, nodeID string) (*Result, error) {
	return d.Send(ctx, nodeID, TypePing, nil, 5*time.Second)
}

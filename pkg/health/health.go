package health

import (
	"context"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of a probe
type Result struct {
	Healthy   bool          `json:"healthy"`
	Message   string        `json:"message"`
	CheckedAt time.Time     `json:"checked_at"`
	Duration  time.Duration `json:"duration"`
}

// Checker probes one target. Implementations bound their own timeouts;
// callers cancel via context.
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

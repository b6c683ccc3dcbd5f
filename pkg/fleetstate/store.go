// Package fleetstate records the progress of update runs in Redis so other
// tools can follow a rollout, and serializes runs against the same fleet
// with a distributed lock.
package fleetstate

import (
	"context"
	"time"
)

// Node statuses.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusAborted = "aborted"
)

// RunState describes one update run.
type RunState struct {
	ID       string
	Fleet    string
	User     string
	Package  string
	Phase    string
	Status   string
	Error    string
	Started  time.Time
	Finished time.Time
}

// NodeState is the last known state of one node within a run.
type NodeState struct {
	Index   int
	Name    string
	Phase   string
	Step    string
	Status  string
	Percent int
	Error   string
	Updated time.Time
}

// Store persists run and node state.
type Store interface {
	PutRun(ctx context.Context, run RunState) error
	PutNode(ctx context.Context, runID string, node NodeState) error
	Run(ctx context.Context, runID string) (*RunState, error)
	Nodes(ctx context.Context, runID string) ([]NodeState, error)
	AcquireLock(ctx context.Context, fleet, holder string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, fleet, holder string) error
}

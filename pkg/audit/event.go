// Package audit provides audit logging of firmware updates and package
// operations.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Operations recorded in the audit log.
const (
	OpUpdateNode    = "update.node"
	OpUpdateRun     = "update.run"
	OpPackageCreate = "package.create"
	OpPackageUnpack = "package.unpack"
)

// Event represents one auditable action.
type Event struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Run       string        `json:"run,omitempty"`
	User      string        `json:"user"`
	Operation string        `json:"operation"`
	Node      string        `json:"node,omitempty"`
	Device    string        `json:"device,omitempty"`
	Package   string        `json:"package,omitempty"`
	Files     []string      `json:"files,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Filter defines criteria for querying audit events
type Filter struct {
	Run         string
	Node        string
	User        string
	Operation   string
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
}

// NewEvent creates a new audit event
func NewEvent(user, operation string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		User:      user,
		Operation: operation,
	}
}

// WithRun sets the run ID
func (e *Event) WithRun(run string) *Event {
	e.Run = run
	return e
}

// WithNode sets the node name and device type
func (e *Event) WithNode(node, device string) *Event {
	e.Node = node
	e.Device = device
	return e
}

// WithPackage sets the update package path
func (e *Event) WithPackage(path string) *Event {
	e.Package = path
	return e
}

// WithFiles sets the files written
func (e *Event) WithFiles(files []string) *Event {
	e.Files = files
	return e
}

// WithSuccess marks the event as successful
func (e *Event) WithSuccess() *Event {
	e.Success = true
	return e
}

// WithError marks the event as failed
func (e *Event) WithError(err error) *Event {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithResult marks the event successful if err is nil and failed otherwise
func (e *Event) WithResult(err error) *Event {
	if err == nil {
		return e.WithSuccess()
	}
	return e.WithError(err)
}

// WithDuration sets the operation duration
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}

// Package util provides logging, name helpers and the common error taxonomy.
package util

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every typed error in this module unwraps to exactly one of these,
// so callers can classify failures with errors.Is.
var (
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrPathConflict     = errors.New("path conflict")
	ErrNotFound         = errors.New("not found")
	ErrIO               = errors.New("i/o failure")
	ErrTimeout          = errors.New("timeout")
	ErrNoResponse       = errors.New("no response")
	ErrProtocolMismatch = errors.New("protocol mismatch")
	ErrBusy             = errors.New("busy")
	ErrAborted          = errors.New("aborted")
)

// IsCommunicationFailure reports whether err means a device did not answer.
func IsCommunicationFailure(err error) bool {
	return errors.Is(err, ErrNoResponse) || errors.Is(err, ErrTimeout)
}

// IsAbort reports whether err means the run was stopped on request.
func IsAbort(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ConfigError represents one or more problems with caller-supplied input.
type ConfigError struct {
	Errors []string
}

func (e *ConfigError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid configuration: " + e.Errors[0]
	}
	return fmt.Sprintf("invalid configuration:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ConfigError) Unwrap() error {
	return ErrConfigInvalid
}

// NewConfigError creates a configuration error from messages
func NewConfigError(messages ...string) *ConfigError {
	return &ConfigError{Errors: messages}
}

// NewConfigErrorf creates a configuration error from a formatted message
func NewConfigErrorf(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Errors: []string{fmt.Sprintf(format, args...)}}
}

// ValidationBuilder helps accumulate configuration errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddError adds an error message unconditionally
func (v *ValidationBuilder) AddError(message string) *ValidationBuilder {
	v.errors = append(v.errors, message)
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the configuration error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ConfigError{Errors: v.errors}
}

// PackageError is returned by the package codec. Kind is one of the sentinel
// errors above; Err is the underlying cause (may be nil).
type PackageError struct {
	Op   string // "create", "unpack"
	Path string // offending path ("" if not path related)
	Kind error
	Err  error
}

func (e *PackageError) Error() string {
	var b strings.Builder
	b.WriteString("package ")
	b.WriteString(e.Op)
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(e.Kind.Error())
	}
	return b.String()
}

func (e *PackageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewPackageError creates a package codec error
func NewPackageError(op, path string, kind, err error) *PackageError {
	return &PackageError{Op: op, Path: path, Kind: kind, Err: err}
}

// NodeError is a device-facing failure. It always names the node so callers
// can build a per-device failure report.
type NodeError struct {
	Op   string // sequence phase, e.g. "update system"
	Node int    // index in the topology
	Name string // node name
	Step string // sub-step that failed
	Err  error
}

func (e *NodeError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s: node %s (#%d): %s: %v", e.Op, e.Name, e.Node, e.Step, e.Err)
	}
	return fmt.Sprintf("%s: node %s (#%d): %v", e.Op, e.Name, e.Node, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// NewNodeError creates a device-facing error
func NewNodeError(op string, node int, name, step string, err error) *NodeError {
	return &NodeError{Op: op, Node: node, Name: name, Step: step, Err: err}
}

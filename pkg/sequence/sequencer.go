// Package sequence drives the four update phases across a fleet: activate
// the flashloaders, read device information, update the system and reset it.
// Nodes are handled one at a time; routing sessions through shared gateways
// are stateful, so there is no parallelism across nodes.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openSYDE/openSYDE-sub010/pkg/protocol"
	"github.com/openSYDE/openSYDE-sub010/pkg/session"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// State is the phase the sequencer is currently executing.
type State int

const (
	StateIdle State = iota
	StateActivatingFlashloader
	StateReadingDeviceInfo
	StateUpdatingSystem
	StateResettingSystem
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActivatingFlashloader:
		return "activating flashloader"
	case StateReadingDeviceInfo:
		return "reading device information"
	case StateUpdatingSystem:
		return "updating system"
	case StateResettingSystem:
		return "resetting system"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// defaultBlockSize is used when a device reports no maximum block length.
const defaultBlockSize = 256

// Summary counts the node outcomes of the last phase.
type Summary struct {
	Phase     Phase
	Succeeded []int
	Failed    []int
	Skipped   []int
}

// Sequencer runs the update phases over a session.
type Sequencer struct {
	base     *session.Base
	native   protocol.Native
	legacy   protocol.Legacy
	reporter Reporter
	log      *logrus.Entry

	minResetWait time.Duration
	blockSize    int
	user         string
	tool         string
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error

	state      State
	summary    Summary
	deviceInfo map[int]DeviceInformation
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithReporter sets the progress reporter.
func WithReporter(r Reporter) Option {
	return func(s *Sequencer) { s.reporter = r }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Sequencer) { s.log = l }
}

// WithResetWait sets the minimum time to wait after a reset before talking
// to a node again. Device definitions may ask for more.
func WithResetWait(d time.Duration) Option {
	return func(s *Sequencer) { s.minResetWait = d }
}

// WithBlockSize caps the transfer block length below the device maximum.
func WithBlockSize(n int) Option {
	return func(s *Sequencer) { s.blockSize = n }
}

// WithFingerprint sets the operator and tool written as fingerprint.
func WithFingerprint(user, tool string) Option {
	return func(s *Sequencer) {
		s.user = user
		s.tool = tool
	}
}

// WithClock replaces the time source and the wait function.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Sequencer) {
		s.now = now
		s.sleep = sleep
	}
}

// New creates a sequencer. The stack must provide a Legacy driver if the
// session has active legacy devices.
func New(base *session.Base, stack *protocol.Stack, opts ...Option) *Sequencer {
	s := &Sequencer{
		base:       base,
		native:     stack.Native,
		legacy:     stack.Legacy,
		reporter:   NopReporter{},
		log:        util.WithOperation("sequence"),
		now:        time.Now,
		sleep:      sleepContext,
		deviceInfo: map[int]DeviceInformation{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the phase currently executing.
func (s *Sequencer) State() State {
	return s.state
}

// Summary returns the node outcomes of the last phase.
func (s *Sequencer) Summary() Summary {
	return s.summary
}

// DeviceInfo returns the information read for node in the last
// read-information phase.
func (s *Sequencer) DeviceInfo(node int) (DeviceInformation, bool) {
	info, ok := s.deviceInfo[node]
	return info, ok
}

// enter switches to a phase state. Phases do not nest.
func (s *Sequencer) enter(st State, p Phase) error {
	if s.state != StateIdle {
		return fmt.Errorf("%s: sequencer is %s: %w", p, s.state, util.ErrBusy)
	}
	if s.native == nil && s.base.HasActiveNativeDevices() {
		return util.NewConfigErrorf("no native protocol driver for active native devices")
	}
	if s.legacy == nil && s.base.HasActiveLegacyDevices() {
		return util.NewConfigErrorf("no legacy protocol driver for active legacy devices")
	}
	s.state = st
	s.summary = Summary{Phase: p}
	return nil
}

func (s *Sequencer) leave() {
	s.state = StateIdle
}

// abortError marks a caller-requested stop; errors.Is(err, util.ErrAborted) holds.
func abortError(p Phase, cause error) error {
	if cause != nil && !errors.Is(cause, util.ErrAborted) {
		return fmt.Errorf("%s: %w (%v)", p, util.ErrAborted, cause)
	}
	return fmt.Errorf("%s: %w", p, util.ErrAborted)
}

// report forwards an event; false from the reporter turns into an abort error.
func (s *Sequencer) report(ev Event) error {
	if ev.Phase == 0 {
		ev.Phase = ev.Step.Phase()
	}
	entry := s.log.WithField("step", ev.Step.String())
	if ev.Node != nil {
		entry = entry.WithField("node", ev.Node.Name)
	}
	if ev.Err != nil {
		entry.WithError(ev.Err).Warn(ev.Phase.String())
	} else {
		entry.Debug(ev.Phase.String())
	}
	if !s.reporter.ReportProgress(ev) {
		return abortError(ev.Phase, nil)
	}
	return nil
}

// checkpoint converts a cancelled context into an abort error.
func (s *Sequencer) checkpoint(ctx context.Context, p Phase) error {
	if err := ctx.Err(); err != nil {
		return abortError(p, err)
	}
	return nil
}

// isAbort reports whether err came from an abort request rather than a failure.
func isAbort(err error) bool {
	return util.IsAbort(err)
}

// nodeRun carries the per-node values a phase threads through its steps.
type nodeRun struct {
	phase  Phase
	target protocol.Target
	id     *NodeIdentity
	native bool
}

func (s *Sequencer) newRun(p Phase, node int) (*nodeRun, error) {
	tgt, err := s.base.Target(node)
	if err != nil {
		return nil, err
	}
	return &nodeRun{
		phase:  p,
		target: tgt,
		id:     &NodeIdentity{Index: node, Name: tgt.Name, Address: tgt.Address},
		native: s.base.Topology().Nodes[node].IsNative(),
	}, nil
}

// event builds a node event.
func (r *nodeRun) event(step Step) Event {
	return Event{Phase: r.phase, Step: step, Node: r.id}
}

// fail reports a failed step and returns a node error. Communication
// failures mark the node as timed out so later phases skip it and the
// nodes behind it.
func (s *Sequencer) fail(r *nodeRun, step Step, err error) error {
	if isAbort(err) {
		return abortError(r.phase, err)
	}
	if util.IsCommunicationFailure(err) {
		s.base.MarkTimeout(r.target.Node)
	}
	ev := r.event(step)
	ev.Err = err
	if rerr := s.report(ev); rerr != nil {
		return rerr
	}
	return util.NewNodeError(r.phase.String(), r.target.Node, r.target.Name, step.String(), err)
}

// step reports a step start event.
func (s *Sequencer) step(r *nodeRun, step Step, detail string) error {
	ev := r.event(step)
	ev.Detail = detail
	return s.report(ev)
}

// startRouting opens the gateway chain for a routed target.
func (s *Sequencer) startRouting(ctx context.Context, r *nodeRun, start, failed Step) error {
	if !r.target.Routed() {
		return nil
	}
	if err := s.step(r, start, s.base.Resolver().Describe(r.target.Route)); err != nil {
		return err
	}
	if err := s.native.StartRouting(ctx, r.target); err != nil {
		return s.fail(r, failed, err)
	}
	return nil
}

// stopRouting closes the gateway chain; failures only get logged.
func (s *Sequencer) stopRouting(ctx context.Context, r *nodeRun) {
	if !r.target.Routed() {
		return
	}
	if err := s.native.StopRouting(ctx, r.target); err != nil {
		s.log.WithField("node", r.target.Name).WithError(err).Warn("stop routing failed")
	}
}

// resetWait is the wait after resetting node.
func (s *Sequencer) resetWait(node int) time.Duration {
	wait := s.minResetWait
	if def := s.base.Topology().Nodes[node].Device; def != nil && def.ResetWait() > wait {
		wait = def.ResetWait()
	}
	return wait
}

// nodesByDepth returns the active nodes ordered by route length, then index.
// Gateways come before the nodes behind them; deepestFirst reverses depth.
func (s *Sequencer) nodesByDepth(deepestFirst bool) []int {
	nodes := s.base.ActiveNodes()
	depth := func(n int) int {
		route, _ := s.base.Route(n)
		return len(route)
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		di, dj := depth(nodes[i]), depth(nodes[j])
		if di != dj {
			if deepestFirst {
				return di > dj
			}
			return di < dj
		}
		return nodes[i] < nodes[j]
	})
	return nodes
}

package fleetstate

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openSYDE/openSYDE-sub010/pkg/sequence"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// percentStep is the smallest progress change that is persisted.
const percentStep = 10

var (
	nodeStart = map[sequence.Step]bool{
		sequence.ActivateNodeStart: true, sequence.ReadInfoNodeStart: true,
		sequence.UpdateNodeStart: true, sequence.ResetNodeStart: true,
	}
	nodeDone = map[sequence.Step]bool{
		sequence.ActivateNodeFinished: true, sequence.ReadInfoNodeFinished: true,
		sequence.UpdateNodeFinished: true, sequence.ResetNodeFinished: true,
	}
	nodeSkipped = map[sequence.Step]bool{
		sequence.ActivateNodeSkipped: true, sequence.ReadInfoNodeSkipped: true,
		sequence.UpdateNodeUnreachable: true, sequence.ResetNodeSkipped: true,
	}
	phaseStart = map[sequence.Step]bool{
		sequence.ActivateStart: true, sequence.ReadInfoStart: true,
		sequence.UpdateStart: true, sequence.ResetStart: true,
	}
	phaseAborted = map[sequence.Step]bool{
		sequence.ActivateAborted: true, sequence.ReadInfoAborted: true,
		sequence.UpdateAborted: true, sequence.ResetAborted: true,
	}
)

// Reporter wraps a sequence.Reporter and persists run and node state as the
// run progresses. Store failures are logged and never abort the run.
type Reporter struct {
	Inner sequence.Reporter

	store Store
	ctx   context.Context
	run   RunState
	nodes map[int]*NodeState
	now   func() time.Time
	log   *logrus.Entry
}

// NewReporter creates a recording reporter for run. The run is written
// with status running immediately.
func NewReporter(ctx context.Context, inner sequence.Reporter, store Store, run RunState) *Reporter {
	r := &Reporter{
		Inner: inner,
		store: store,
		ctx:   ctx,
		run:   run,
		nodes: map[int]*NodeState{},
		now:   time.Now,
		log:   util.WithField("run", run.ID),
	}
	if r.run.Started.IsZero() {
		r.run.Started = r.now()
	}
	r.run.Status = StatusRunning
	r.saveRun()
	return r
}

// Finish records the end of the run. err is the overall run result.
func (r *Reporter) Finish(err error) {
	r.run.Finished = r.now()
	switch {
	case err == nil:
		r.run.Status = StatusOK
	case util.IsAbort(err):
		r.run.Status = StatusAborted
		r.run.Error = err.Error()
	default:
		r.run.Status = StatusFailed
		r.run.Error = err.Error()
	}
	r.saveRun()
}

func (r *Reporter) ReportProgress(ev sequence.Event) bool {
	switch {
	case phaseStart[ev.Step]:
		r.run.Phase = ev.Phase.String()
		r.saveRun()
	case phaseAborted[ev.Step]:
		r.run.Status = StatusAborted
		r.saveRun()
	case ev.Node != nil:
		r.recordNode(ev)
	}
	return r.Inner.ReportProgress(ev)
}

func (r *Reporter) ReportDeviceInfo(info sequence.DeviceInformation) bool {
	return r.Inner.ReportDeviceInfo(info)
}

func (r *Reporter) recordNode(ev sequence.Event) {
	ns, ok := r.nodes[ev.Node.Index]
	if !ok {
		ns = &NodeState{Index: ev.Node.Index, Name: ev.Node.Name, Status: StatusPending}
		r.nodes[ev.Node.Index] = ns
	}
	if ns.Phase != ev.Phase.String() {
		ns.Phase = ev.Phase.String()
		ns.Percent = 0
	}

	switch {
	case nodeStart[ev.Step]:
		ns.Status = StatusRunning
		ns.Error = ""
		ns.Percent = 0
	case nodeDone[ev.Step]:
		ns.Status = StatusOK
		ns.Percent = 100
	case nodeSkipped[ev.Step]:
		ns.Status = StatusSkipped
	case ev.Err != nil:
		ns.Status = StatusFailed
		ns.Error = ev.Err.Error()
	case ev.Step == sequence.UpdateTransferData || ev.Step == sequence.UpdateLegacyFlashProgress:
		if ev.Percent < 100 && ev.Percent-ns.Percent < percentStep {
			return
		}
		ns.Percent = ev.Percent
	}
	ns.Step = ev.Step.String()
	ns.Updated = r.now()
	if err := r.store.PutNode(r.ctx, r.run.ID, *ns); err != nil {
		r.log.WithError(err).Warn("saving node state")
	}
}

func (r *Reporter) saveRun() {
	if err := r.store.PutRun(r.ctx, r.run); err != nil {
		r.log.WithError(err).Warn("saving run state")
	}
}

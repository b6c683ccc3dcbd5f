package audit

import (
	"time"

	"github.com/openSYDE/openSYDE-sub010/pkg/sequence"
	"github.com/openSYDE/openSYDE-sub010/pkg/topology"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// Reporter wraps a sequence.Reporter and writes one audit event per node
// of the update phase: success when the node finished, failure when it
// failed or was unreachable.
type Reporter struct {
	Inner sequence.Reporter

	logger      Logger
	topo        *topology.Topology
	assignments map[int]sequence.DoFlash
	user        string
	run         string
	pkg         string
	started     map[int]time.Time
	now         func() time.Time
}

// NewReporter creates an auditing reporter for one update run.
func NewReporter(inner sequence.Reporter, logger Logger, topo *topology.Topology, assignments map[int]sequence.DoFlash, user, run string) *Reporter {
	return &Reporter{
		Inner:       inner,
		logger:      logger,
		topo:        topo,
		assignments: assignments,
		user:        user,
		run:         run,
		started:     map[int]time.Time{},
		now:         time.Now,
	}
}

// WithPackage records the update package the run was fed from.
func (r *Reporter) WithPackage(path string) *Reporter {
	r.pkg = path
	return r
}

func (r *Reporter) ReportProgress(ev sequence.Event) bool {
	if ev.Node != nil {
		switch ev.Step {
		case sequence.UpdateNodeStart:
			r.started[ev.Node.Index] = r.now()
		case sequence.UpdateNodeFinished:
			r.log(ev.Node, nil)
		case sequence.UpdateNodeError, sequence.UpdateNodeUnreachable:
			err := ev.Err
			if err == nil {
				err = util.ErrNoResponse
			}
			r.log(ev.Node, err)
		}
	}
	return r.Inner.ReportProgress(ev)
}

func (r *Reporter) ReportDeviceInfo(info sequence.DeviceInformation) bool {
	return r.Inner.ReportDeviceInfo(info)
}

func (r *Reporter) log(node *sequence.NodeIdentity, err error) {
	device := ""
	if node.Index >= 0 && node.Index < r.topo.NodeCount() {
		device = r.topo.Nodes[node.Index].DeviceType
	}
	df := r.assignments[node.Index]
	files := append(append([]string{}, df.Files...), df.ParamFiles...)
	if df.PEM != nil && df.PEM.File != "" {
		files = append(files, df.PEM.File)
	}

	ev := NewEvent(r.user, OpUpdateNode).
		WithRun(r.run).
		WithNode(node.Name, device).
		WithPackage(r.pkg).
		WithFiles(files).
		WithResult(err)
	if start, ok := r.started[node.Index]; ok {
		ev.WithDuration(r.now().Sub(start))
		delete(r.started, node.Index)
	}
	if lerr := r.logger.Log(ev); lerr != nil {
		util.WithNode(node.Name).WithError(lerr).Warn("writing audit event")
	}
}

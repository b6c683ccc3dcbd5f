package sequence

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// ResetSystem resets every active node, the nodes furthest from the access
// bus first so gateways stay up while the nodes behind them are reset.
// Failures are collected; the phase succeeds only if every active node
// accepted the reset. Nodes that stopped answering earlier are not
// contacted and count as failures.
func (s *Sequencer) ResetSystem(ctx context.Context) error {
	if err := s.enter(StateResettingSystem, PhaseReset); err != nil {
		return err
	}
	defer s.leave()

	err := s.reset(ctx)
	if isAbort(err) {
		_ = s.reporter.ReportProgress(Event{Phase: PhaseReset, Step: ResetAborted, Err: err})
		return err
	}
	if rerr := s.report(Event{Step: ResetFinished, Err: err}); rerr != nil {
		return rerr
	}
	return err
}

func (s *Sequencer) reset(ctx context.Context) error {
	if err := s.report(Event{Step: ResetStart}); err != nil {
		return err
	}

	var errs *multierror.Error
	for _, node := range s.nodesByDepth(true) {
		if err := s.checkpoint(ctx, PhaseReset); err != nil {
			return err
		}
		r, err := s.newRun(PhaseReset, node)
		if err != nil {
			return err
		}
		if !s.base.IsNodeReachable(node) {
			s.summary.Skipped = append(s.summary.Skipped, node)
			if err := s.step(r, ResetNodeSkipped, "not reachable"); err != nil {
				return err
			}
			errs = multierror.Append(errs, util.NewNodeError(PhaseReset.String(), node, r.target.Name,
				ResetNodeSkipped.String(), fmt.Errorf("node %s is not reachable: %w", r.target.Name, util.ErrNoResponse)))
			continue
		}
		if err := s.step(r, ResetNodeStart, ""); err != nil {
			return err
		}

		err = s.resetNode(ctx, r)
		if isAbort(err) {
			return err
		}
		if err != nil {
			s.summary.Failed = append(s.summary.Failed, node)
			errs = multierror.Append(errs, err)
			continue
		}
		s.summary.Succeeded = append(s.summary.Succeeded, node)
		if err := s.step(r, ResetNodeFinished, ""); err != nil {
			return err
		}
	}
	return errs.ErrorOrNil()
}

func (s *Sequencer) resetNode(ctx context.Context, r *nodeRun) error {
	if err := s.startRouting(ctx, r, ResetRouting, ResetRoutedNodeError); err != nil {
		return err
	}
	defer s.stopRouting(ctx, r)

	var err error
	if r.native {
		err = s.native.Reset(ctx, r.target)
	} else {
		err = s.legacy.Reset(ctx, r.target)
	}
	if err != nil {
		return s.fail(r, ResetNodeError, err)
	}
	return nil
}

package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// ActivateFlashloader brings every reachable active node into its
// flashloader. Local devices are switched with broadcasts, routed devices
// with directed requests through their gateway chain. Gateways are handled
// before the nodes behind them.
//
// With failFast the phase stops at the first node failure. Otherwise a
// failed node is marked as timed out and skipped by later phases; the phase
// succeeds if at least one node was activated.
func (s *Sequencer) ActivateFlashloader(ctx context.Context, failFast bool) error {
	if err := s.enter(StateActivatingFlashloader, PhaseActivate); err != nil {
		return err
	}
	defer s.leave()

	err := s.activate(ctx, failFast)
	if isAbort(err) {
		_ = s.reporter.ReportProgress(Event{Phase: PhaseActivate, Step: ActivateAborted, Err: err})
		return err
	}
	if err != nil {
		return err
	}
	return s.report(Event{Step: ActivateFinished})
}

func (s *Sequencer) activate(ctx context.Context, failFast bool) error {
	if err := s.report(Event{Step: ActivateStart}); err != nil {
		return err
	}
	if err := s.checkpoint(ctx, PhaseActivate); err != nil {
		return err
	}
	if err := s.broadcastActivation(ctx); err != nil {
		return err
	}

	var errs *multierror.Error
	for _, node := range s.nodesByDepth(false) {
		if err := s.checkpoint(ctx, PhaseActivate); err != nil {
			return err
		}
		r, err := s.newRun(PhaseActivate, node)
		if err != nil {
			return err
		}
		if !s.base.IsNodeReachable(node) {
			s.summary.Skipped = append(s.summary.Skipped, node)
			if err := s.step(r, ActivateNodeSkipped, "not reachable"); err != nil {
				return err
			}
			continue
		}
		if err := s.step(r, ActivateNodeStart, ""); err != nil {
			return err
		}

		err = s.activateNode(ctx, r)
		if isAbort(err) {
			return err
		}
		if err != nil {
			s.summary.Failed = append(s.summary.Failed, node)
			if rerr := s.step(r, ActivateNodeError, err.Error()); rerr != nil {
				return rerr
			}
			if failFast {
				return err
			}
			s.base.MarkTimeout(node)
			errs = multierror.Append(errs, err)
			continue
		}
		s.summary.Succeeded = append(s.summary.Succeeded, node)
		if err := s.step(r, ActivateNodeFinished, ""); err != nil {
			return err
		}
	}

	if len(s.summary.Succeeded) == 0 {
		if errs != nil {
			return fmt.Errorf("no node entered its flashloader: %w", errs.ErrorOrNil())
		}
		return fmt.Errorf("no node entered its flashloader: %w", util.ErrNoResponse)
	}
	if errs != nil {
		s.log.WithError(errs).Warnf("%d nodes failed to activate", errs.Len())
	}
	return nil
}

// broadcastActivation switches all local devices at once and waits for
// them to come back up in their flashloader.
func (s *Sequencer) broadcastActivation(ctx context.Context) error {
	wait := s.broadcastResetWait()

	if s.base.HasActiveNativeDevices() {
		if err := s.broadcast(ctx, ActivateBroadcastRequestProgramming, ActivateBroadcastRequestProgrammingError, s.native.BroadcastRequestProgramming); err != nil {
			return err
		}
		if err := s.broadcast(ctx, ActivateBroadcastECUReset, ActivateBroadcastECUResetError, s.native.BroadcastECUReset); err != nil {
			return err
		}
	}
	if s.base.HasActiveLegacyDevicesOnLocalBus() {
		flash := func(ctx context.Context) error { return s.legacy.BroadcastFlash(ctx, wait) }
		if err := s.broadcast(ctx, ActivateLegacyBroadcastFlash, ActivateLegacyBroadcastFlashError, flash); err != nil {
			return err
		}
	}

	if err := s.report(Event{Step: ActivateResetWait, Detail: wait.String()}); err != nil {
		return err
	}
	if err := s.sleep(ctx, wait); err != nil {
		return abortError(PhaseActivate, err)
	}

	if s.base.HasActiveNativeDevices() {
		return s.broadcast(ctx, ActivateBroadcastEnterPreProgramming, ActivateBroadcastEnterPreProgrammingError, s.native.BroadcastEnterPreProgramming)
	}
	return nil
}

func (s *Sequencer) broadcast(ctx context.Context, start, failed Step, send func(context.Context) error) error {
	if err := s.report(Event{Step: start}); err != nil {
		return err
	}
	if err := send(ctx); err != nil {
		if isAbort(err) {
			return abortError(PhaseActivate, err)
		}
		if rerr := s.report(Event{Step: failed, Err: err}); rerr != nil {
			return rerr
		}
		return fmt.Errorf("%s: %w", failed, err)
	}
	return nil
}

// broadcastResetWait is the longest reset wait of the active local devices.
func (s *Sequencer) broadcastResetWait() (wait time.Duration) {
	wait = s.minResetWait
	for _, node := range s.base.ActiveNodes() {
		if s.base.IsLocal(node) {
			if w := s.resetWait(node); w > wait {
				wait = w
			}
		}
	}
	return wait
}

// activateNode brings a single node into its flashloader. Local native
// devices were already switched by the broadcast; they only need the
// pre-programming session.
func (s *Sequencer) activateNode(ctx context.Context, r *nodeRun) error {
	if err := s.startRouting(ctx, r, ActivateRouting, ActivateRoutingError); err != nil {
		return err
	}
	defer s.stopRouting(ctx, r)

	if !r.native {
		if err := s.step(r, ActivateLegacyWakeup, ""); err != nil {
			return err
		}
		if err := s.legacy.Wakeup(ctx, r.target); err != nil {
			return s.fail(r, ActivateLegacyWakeupError, err)
		}
		return nil
	}

	if r.target.Routed() {
		if err := s.step(r, ActivateRequestProgramming, ""); err != nil {
			return err
		}
		if err := s.native.RequestProgramming(ctx, r.target); err != nil {
			return s.fail(r, ActivateRequestProgrammingError, err)
		}
		if err := s.step(r, ActivateECUReset, ""); err != nil {
			return err
		}
		if err := s.native.ECUReset(ctx, r.target); err != nil {
			return s.fail(r, ActivateECUResetError, err)
		}
		wait := s.resetWait(r.target.Node)
		if err := s.step(r, ActivateNodeResetWait, wait.String()); err != nil {
			return err
		}
		if err := s.sleep(ctx, wait); err != nil {
			return abortError(PhaseActivate, err)
		}
	}

	if err := s.step(r, ActivateSetSession, ""); err != nil {
		return err
	}
	if err := s.native.EnterPreProgrammingSession(ctx, r.target); err != nil {
		return s.fail(r, ActivateSetSessionError, err)
	}
	return nil
}

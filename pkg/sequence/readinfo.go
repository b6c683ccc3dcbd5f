package sequence

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/openSYDE/openSYDE-sub010/pkg/protocol"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// ReadDeviceInformation reads identity and memory layout from every
// reachable node and hands each snapshot to the reporter. Node failures
// follow the same failFast policy as ActivateFlashloader.
func (s *Sequencer) ReadDeviceInformation(ctx context.Context, failFast bool) error {
	if err := s.enter(StateReadingDeviceInfo, PhaseReadInfo); err != nil {
		return err
	}
	defer s.leave()

	err := s.readInfo(ctx, failFast)
	if isAbort(err) {
		_ = s.reporter.ReportProgress(Event{Phase: PhaseReadInfo, Step: ReadInfoAborted, Err: err})
		return err
	}
	if err != nil {
		return err
	}
	return s.report(Event{Step: ReadInfoFinished})
}

func (s *Sequencer) readInfo(ctx context.Context, failFast bool) error {
	if err := s.report(Event{Step: ReadInfoStart}); err != nil {
		return err
	}
	s.deviceInfo = map[int]DeviceInformation{}

	var errs *multierror.Error
	for _, node := range s.nodesByDepth(false) {
		if err := s.checkpoint(ctx, PhaseReadInfo); err != nil {
			return err
		}
		r, err := s.newRun(PhaseReadInfo, node)
		if err != nil {
			return err
		}
		if !s.base.IsNodeReachable(node) {
			s.summary.Skipped = append(s.summary.Skipped, node)
			if err := s.step(r, ReadInfoNodeSkipped, "not reachable"); err != nil {
				return err
			}
			continue
		}
		if err := s.step(r, ReadInfoNodeStart, ""); err != nil {
			return err
		}

		info, err := s.readNode(ctx, r)
		if isAbort(err) {
			return err
		}
		if err != nil {
			s.summary.Failed = append(s.summary.Failed, node)
			if rerr := s.step(r, ReadInfoNodeError, err.Error()); rerr != nil {
				return rerr
			}
			if failFast {
				return err
			}
			s.base.MarkTimeout(node)
			errs = multierror.Append(errs, err)
			continue
		}

		s.deviceInfo[node] = info
		if !s.reporter.ReportDeviceInfo(info) {
			return abortError(PhaseReadInfo, nil)
		}
		if err := s.step(r, ReadInfoReported, ""); err != nil {
			return err
		}
		s.summary.Succeeded = append(s.summary.Succeeded, node)
		if err := s.step(r, ReadInfoNodeFinished, ""); err != nil {
			return err
		}
	}

	if len(s.summary.Succeeded) == 0 {
		if errs != nil {
			return fmt.Errorf("no device information read: %w", errs.ErrorOrNil())
		}
		return fmt.Errorf("no device information read: %w", util.ErrNoResponse)
	}
	if errs != nil {
		s.log.WithError(errs).Warnf("%d nodes failed to report device information", errs.Len())
	}
	return nil
}

func (s *Sequencer) readNode(ctx context.Context, r *nodeRun) (DeviceInformation, error) {
	info := DeviceInformation{Node: *r.id}

	if err := s.startRouting(ctx, r, ReadInfoRouting, ReadInfoRoutingError); err != nil {
		return info, err
	}
	defer s.stopRouting(ctx, r)

	if !r.native {
		if err := s.step(r, ReadInfoLegacyWakeup, ""); err != nil {
			return info, err
		}
		if err := s.legacy.Wakeup(ctx, r.target); err != nil {
			return info, s.fail(r, ReadInfoLegacyWakeupError, err)
		}
		if err := s.step(r, ReadInfoLegacyInfo, ""); err != nil {
			return info, err
		}
		li, err := s.legacy.ReadInfo(ctx, r.target)
		if err != nil {
			return info, s.fail(r, ReadInfoLegacyInfoError, err)
		}
		info.Legacy = &li
		return info, nil
	}

	ni := &protocol.NativeInfo{}
	if err := s.step(r, ReadInfoSetSession, ""); err != nil {
		return info, err
	}
	if err := s.native.EnterPreProgrammingSession(ctx, r.target); err != nil {
		return info, s.fail(r, ReadInfoSetSessionError, err)
	}

	if err := s.step(r, ReadInfoDeviceName, ""); err != nil {
		return info, err
	}
	name, err := s.native.ReadDeviceName(ctx, r.target)
	if err != nil {
		return info, s.fail(r, ReadInfoDeviceNameError, err)
	}
	ni.DeviceName = name

	if err := s.step(r, ReadInfoFlashBlocks, ""); err != nil {
		return info, err
	}
	blocks, err := s.native.ReadFlashBlocks(ctx, r.target)
	if err != nil {
		return info, s.fail(r, ReadInfoFlashBlocksError, err)
	}
	ni.FlashBlocks = blocks

	if err := s.step(r, ReadInfoFlashloaderInfo, ""); err != nil {
		return info, err
	}
	fl, err := s.native.ReadFlashloaderInfo(ctx, r.target)
	if err != nil {
		return info, s.fail(r, ReadInfoFlashloaderInfoError, err)
	}
	ni.Flashloader = fl

	// Nodes that route Ethernet to Ethernet traffic for others must say so.
	if s.base.Resolver().RequiresEthernetToEthernetRouting(r.target.Node) && !fl.EthernetToEthernetRouting {
		err := fmt.Errorf("node %s forwards Ethernet to Ethernet traffic but its flashloader does not support it: %w",
			r.target.Name, util.ErrProtocolMismatch)
		return info, s.fail(r, ReadInfoRoutingFeatureError, err)
	}

	info.Native = ni
	return info, nil
}

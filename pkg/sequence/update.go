package sequence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/openSYDE/openSYDE-sub010/pkg/hexfile"
	"github.com/openSYDE/openSYDE-sub010/pkg/protocol"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// UpdateSystem writes the assignments to the nodes in the given order.
// Native firmware images must identify a device name the node accepts
// before anything is written. The first node failure ends the phase; the
// caller is expected to run ResetSystem afterwards.
func (s *Sequencer) UpdateSystem(ctx context.Context, assignments map[int]DoFlash, order []int) error {
	if err := s.enter(StateUpdatingSystem, PhaseUpdate); err != nil {
		return err
	}
	defer s.leave()

	if err := ValidateOrder(s.base, assignments, order); err != nil {
		return err
	}

	err := s.update(ctx, assignments, order)
	if isAbort(err) {
		_ = s.reporter.ReportProgress(Event{Phase: PhaseUpdate, Step: UpdateAborted, Err: err})
		return err
	}
	if err != nil {
		return err
	}
	return s.report(Event{Step: UpdateFinished})
}

func (s *Sequencer) update(ctx context.Context, assignments map[int]DoFlash, order []int) error {
	if err := s.report(Event{Step: UpdateStart}); err != nil {
		return err
	}
	for _, node := range order {
		if err := s.checkpoint(ctx, PhaseUpdate); err != nil {
			return err
		}
		df := assignments[node]
		if df.Empty() {
			s.summary.Skipped = append(s.summary.Skipped, node)
			s.log.WithField("node", s.base.Topology().Nodes[node].Name).Debug("nothing to write")
			continue
		}
		r, err := s.newRun(PhaseUpdate, node)
		if err != nil {
			return err
		}
		if !s.base.IsNodeReachable(node) {
			s.summary.Failed = append(s.summary.Failed, node)
			return s.fail(r, UpdateNodeUnreachable, fmt.Errorf("node %s did not respond earlier in this run: %w", r.target.Name, util.ErrNoResponse))
		}
		if err := s.step(r, UpdateNodeStart, ""); err != nil {
			return err
		}

		if r.native {
			err = s.updateNative(ctx, r, df)
		} else {
			err = s.updateLegacy(ctx, r, df)
		}
		if isAbort(err) {
			return err
		}
		if err != nil {
			s.summary.Failed = append(s.summary.Failed, node)
			if rerr := s.step(r, UpdateNodeError, err.Error()); rerr != nil {
				return rerr
			}
			return err
		}
		s.summary.Succeeded = append(s.summary.Succeeded, node)
		if err := s.step(r, UpdateNodeFinished, ""); err != nil {
			return err
		}
	}
	return nil
}

// fileError classifies a local file failure.
func fileError(path string, err error) error {
	kind := util.ErrIO
	if errors.Is(err, fs.ErrNotExist) {
		kind = util.ErrNotFound
	}
	return util.NewPackageError("read", path, kind, err)
}

func (s *Sequencer) updateNative(ctx context.Context, r *nodeRun, df DoFlash) error {
	if err := s.startRouting(ctx, r, UpdateRouting, UpdateRoutingError); err != nil {
		return err
	}
	defer s.stopRouting(ctx, r)

	if err := s.step(r, UpdateSetSession, ""); err != nil {
		return err
	}
	if err := s.native.EnterProgrammingSession(ctx, r.target); err != nil {
		return s.fail(r, UpdateSetSessionError, err)
	}

	// All images are checked before the first byte goes out.
	images := make(map[string]*hexfile.Image)
	for _, f := range df.Files {
		if !hexfile.IsHexFile(f) {
			continue
		}
		img, err := hexfile.Load(f)
		if err != nil {
			return s.fail(r, UpdateHexOpenError, fileError(f, err))
		}
		images[f] = img
	}
	if len(images) > 0 {
		if err := s.checkDeviceName(ctx, r, df, images); err != nil {
			return err
		}
	}

	for _, f := range df.Files {
		if err := s.checkpoint(ctx, PhaseUpdate); err != nil {
			return err
		}
		if err := s.step(r, UpdateFileStart, f); err != nil {
			return err
		}
		var err error
		if img, ok := images[f]; ok {
			err = s.writeImage(ctx, r, img)
		} else {
			err = s.writeFile(ctx, r, f)
		}
		if err != nil {
			return err
		}
		if err := s.step(r, UpdateFileFinished, f); err != nil {
			return err
		}
	}

	for _, f := range df.ParamFiles {
		if err := s.writeNVM(ctx, r, f); err != nil {
			return err
		}
	}

	if df.PEM != nil && df.PEM.File != "" {
		if err := s.writePEM(ctx, r, df.PEM); err != nil {
			return err
		}
	}

	if len(df.Files) > 0 {
		return s.writeFingerprint(ctx, r)
	}
	return nil
}

func (s *Sequencer) checkDeviceName(ctx context.Context, r *nodeRun, df DoFlash, images map[string]*hexfile.Image) error {
	if err := s.step(r, UpdateDeviceNameCheck, ""); err != nil {
		return err
	}
	device, err := s.native.ReadDeviceName(ctx, r.target)
	if err != nil {
		return s.fail(r, UpdateDeviceNameCommError, err)
	}
	def := s.base.Topology().Nodes[r.target.Node].Device

	for _, f := range df.Files {
		img, ok := images[f]
		if !ok {
			continue
		}
		name, err := img.DeviceName()
		if err != nil {
			return s.fail(r, UpdateHexSignatureError, fmt.Errorf("%s: %v: %w", f, err, util.ErrProtocolMismatch))
		}
		if !nameAccepted(device, name, df.OtherAcceptedNames) && !(def.AcceptsName(device) && def.AcceptsName(name)) {
			return s.fail(r, UpdateDeviceNameMatchError,
				fmt.Errorf("%s is built for %q, device reports %q: %w", filepath.Base(f), name, device, util.ErrProtocolMismatch))
		}
	}
	return nil
}

func nameAccepted(device, image string, others []string) bool {
	if device == image {
		return true
	}
	for _, o := range others {
		if o == device {
			return true
		}
	}
	return false
}

// blockLength picks the transfer chunk size for a device maximum.
func (s *Sequencer) blockLength(limit int) int {
	n := limit
	if n <= 0 {
		n = defaultBlockSize
	}
	if s.blockSize > 0 && s.blockSize < n {
		n = s.blockSize
	}
	return n
}

// transfer streams data in blocks. Every block is an abort checkpoint.
func (s *Sequencer) transfer(ctx context.Context, r *nodeRun, data []byte, maxBlock, done, total int) error {
	block := s.blockLength(maxBlock)
	seq := uint8(1)
	for off := 0; off < len(data); off += block {
		if err := s.checkpoint(ctx, PhaseUpdate); err != nil {
			return err
		}
		end := off + block
		if end > len(data) {
			end = len(data)
		}
		if err := s.native.TransferData(ctx, r.target, seq, data[off:end]); err != nil {
			return s.fail(r, UpdateTransferDataError, err)
		}
		seq++
		ev := r.event(UpdateTransferData)
		ev.Percent = 100
		if total > 0 {
			ev.Percent = (done + end) * 100 / total
		}
		if err := s.report(ev); err != nil {
			return err
		}
	}
	if err := s.step(r, UpdateTransferExit, ""); err != nil {
		return err
	}
	if err := s.native.RequestTransferExit(ctx, r.target); err != nil {
		return s.fail(r, UpdateTransferExitError, err)
	}
	return nil
}

func (s *Sequencer) writeImage(ctx context.Context, r *nodeRun, img *hexfile.Image) error {
	total := img.Size()
	done := 0
	for _, a := range img.Areas {
		ev := r.event(UpdateRequestDownload)
		ev.Detail = fmt.Sprintf("0x%08X, %d bytes", a.Address, len(a.Data))
		if err := s.report(ev); err != nil {
			return err
		}
		maxBlock, err := s.native.RequestDownload(ctx, r.target, a.Address, uint32(len(a.Data)))
		if err != nil {
			return s.fail(r, UpdateRequestDownloadError, err)
		}
		if err := s.transfer(ctx, r, a.Data, maxBlock, done, total); err != nil {
			return err
		}
		done += len(a.Data)
	}
	return nil
}

func (s *Sequencer) writeFile(ctx context.Context, r *nodeRun, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return s.fail(r, UpdateFileOpenError, fileError(path, err))
	}
	name := filepath.Base(path)
	if err := s.step(r, UpdateFileTransfer, name); err != nil {
		return err
	}
	maxBlock, err := s.native.RequestFileTransfer(ctx, r.target, name, uint32(len(data)))
	if err != nil {
		return s.fail(r, UpdateFileTransferError, err)
	}
	if len(data) == 0 {
		if err := s.native.RequestTransferExit(ctx, r.target); err != nil {
			return s.fail(r, UpdateTransferExitError, err)
		}
		return nil
	}
	return s.transfer(ctx, r, data, maxBlock, 0, len(data))
}

func (s *Sequencer) writeNVM(ctx context.Context, r *nodeRun, path string) error {
	if err := s.checkpoint(ctx, PhaseUpdate); err != nil {
		return err
	}
	if err := s.step(r, UpdateNVMStart, path); err != nil {
		return err
	}
	img, err := hexfile.Load(path)
	if err != nil {
		return s.fail(r, UpdateNVMOpenError, fileError(path, err))
	}
	for _, a := range img.Areas {
		if err := s.native.WriteNVM(ctx, r.target, a.Address, a.Data); err != nil {
			return s.fail(r, UpdateNVMWriteError, err)
		}
	}
	return s.step(r, UpdateNVMFinished, path)
}

func (s *Sequencer) writePEM(ctx context.Context, r *nodeRun, pem *PEMConfig) error {
	if err := s.checkpoint(ctx, PhaseUpdate); err != nil {
		return err
	}
	if err := s.step(r, UpdatePEMStart, pem.File); err != nil {
		return err
	}
	key, err := os.ReadFile(pem.File)
	if err != nil {
		return s.fail(r, UpdatePEMOpenError, fileError(pem.File, err))
	}
	if err := s.native.WriteSecurityKey(ctx, r.target, key); err != nil {
		return s.fail(r, UpdatePEMWriteError, err)
	}
	if pem.SendSecurity {
		if err := s.native.WriteSecurityActivation(ctx, r.target, pem.SecurityEnabled); err != nil {
			return s.fail(r, UpdateSecurityActivationError, err)
		}
	}
	if pem.SendDebugger {
		if err := s.native.WriteDebuggerActivation(ctx, r.target, pem.DebuggerEnabled); err != nil {
			return s.fail(r, UpdateDebuggerActivationError, err)
		}
	}
	return s.step(r, UpdatePEMFinished, pem.File)
}

func (s *Sequencer) writeFingerprint(ctx context.Context, r *nodeRun) error {
	if err := s.step(r, UpdateFingerprint, ""); err != nil {
		return err
	}
	fp := protocol.Fingerprint{Time: s.now(), User: s.user, Tool: s.tool}
	err := s.native.WriteFingerprint(ctx, r.target, fp)
	if errors.Is(err, protocol.ErrUnsupported) {
		ev := r.event(UpdateFingerprintUnsupported)
		ev.Detail = err.Error()
		return s.report(ev)
	}
	if err != nil {
		return s.fail(r, UpdateFingerprintError, err)
	}
	return nil
}

func (s *Sequencer) updateLegacy(ctx context.Context, r *nodeRun, df DoFlash) error {
	if err := s.startRouting(ctx, r, UpdateRouting, UpdateRoutingError); err != nil {
		return err
	}
	defer s.stopRouting(ctx, r)

	images := make([]*hexfile.Image, 0, len(df.Files))
	for _, f := range df.Files {
		img, err := hexfile.Load(f)
		if err != nil {
			return s.fail(r, UpdateHexOpenError, fileError(f, err))
		}
		images = append(images, img)
	}

	if err := s.step(r, UpdateLegacyWakeup, ""); err != nil {
		return err
	}
	if err := s.legacy.Wakeup(ctx, r.target); err != nil {
		return s.fail(r, UpdateLegacyWakeupError, err)
	}

	for i, img := range images {
		if err := s.checkpoint(ctx, PhaseUpdate); err != nil {
			return err
		}
		if err := s.step(r, UpdateLegacyFlash, df.Files[i]); err != nil {
			return err
		}
		var abort error
		progress := func(percent int, msg string) bool {
			ev := r.event(UpdateLegacyFlashProgress)
			ev.Percent = percent
			ev.Detail = msg
			abort = s.report(ev)
			return abort == nil
		}
		if err := s.legacy.Flash(ctx, r.target, img, progress); err != nil {
			if abort != nil {
				return abort
			}
			return s.fail(r, UpdateLegacyFlashError, err)
		}
	}
	return nil
}

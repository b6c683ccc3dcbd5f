package sim

import (
	"context"
	"fmt"

	"github.com/openSYDE/openSYDE-sub010/pkg/protocol"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

type native struct{ f *Fleet }

var _ protocol.Native = (*native)(nil)

func (n *native) BroadcastRequestProgramming(ctx context.Context) error {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	devs, err := n.f.broadcast(ctx, "BroadcastRequestProgramming", false)
	for _, d := range devs {
		d.programmingRequested = true
	}
	return err
}

func (n *native) BroadcastECUReset(ctx context.Context) error {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	devs, err := n.f.broadcast(ctx, "BroadcastECUReset", false)
	for _, d := range devs {
		d.reset()
	}
	return err
}

func (n *native) BroadcastEnterPreProgramming(ctx context.Context) error {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	devs, err := n.f.broadcast(ctx, "BroadcastEnterPreProgramming", false)
	for _, d := range devs {
		if d.InFlashloader {
			d.session = sessionPreProgramming
		}
	}
	return err
}

func (n *native) StartRouting(ctx context.Context, t protocol.Target) error {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	n.f.calls = append(n.f.calls, Call{Op: "StartRouting", Node: t.Node})
	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := n.f.failures[failKey{t.Node, "StartRouting"}]; ok {
		return fmt.Errorf("StartRouting %s: %w", t.Name, err)
	}
	for _, h := range t.Route {
		gw := n.f.devices[h.Node]
		name := n.f.topo.Nodes[h.Node].Name
		if gw.Offline {
			return fmt.Errorf("StartRouting %s: gateway %s silent: %w", t.Name, name, util.ErrNoResponse)
		}
		if !gw.InFlashloader {
			return mismatch("StartRouting", t.Name, "gateway "+name+" not in flashloader")
		}
	}
	n.f.routed[t.Node] = true
	// The gateway relays the legacy flash request onto the target bus.
	if d := n.f.devices[t.Node]; d.Legacy && !d.Offline {
		d.InFlashloader = true
	}
	return nil
}

func (n *native) StopRouting(ctx context.Context, t protocol.Target) error {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	n.f.calls = append(n.f.calls, Call{Op: "StopRouting", Node: t.Node})
	if err := ctx.Err(); err != nil {
		return err
	}
	delete(n.f.routed, t.Node)
	return nil
}

func (n *native) RequestProgramming(ctx context.Context, t protocol.Target) error {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	d, err := n.f.begin(ctx, "RequestProgramming", t)
	if err != nil {
		return err
	}
	d.programmingRequested = true
	return nil
}

func (n *native) ECUReset(ctx context.Context, t protocol.Target) error {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	d, err := n.f.begin(ctx, "ECUReset", t)
	if err != nil {
		return err
	}
	d.reset()
	return nil
}

func (n *native) EnterPreProgrammingSession(ctx context.Context, t protocol.Target) error {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	d, err := n.f.begin(ctx, "EnterPreProgrammingSession", t)
	if err != nil {
		return err
	}
	if !d.InFlashloader {
		return mismatch("EnterPreProgrammingSession", t.Name, "not in flashloader")
	}
	d.session = sessionPreProgramming
	return nil
}

func (n *native) EnterProgrammingSession(ctx context.Context, t protocol.Target) error {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	d, err := n.f.begin(ctx, "EnterProgrammingSession", t)
	if err != nil {
		return err
	}
	if !d.InFlashloader {
		return mismatch("EnterProgrammingSession", t.Name, "not in flashloader")
	}
	d.session = sessionProgramming
	return nil
}

func (n *native) ReadDeviceName(ctx context.Context, t protocol.Target) (string, error) {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	d, err := n.f.begin(ctx, "ReadDeviceName", t)
	if err != nil {
		return "", err
	}
	if !d.InFlashloader {
		return "", mismatch("ReadDeviceName", t.Name, "not in flashloader")
	}
	return d.Name, nil
}

func (n *native) ReadFlashBlocks(ctx context.Context, t protocol.Target) ([]protocol.FlashBlock, error) {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	d, err := n.f.begin(ctx, "ReadFlashBlocks", t)
	if err != nil {
		return nil, err
	}
	return append([]protocol.FlashBlock(nil), d.Blocks...), nil
}

func (n *native) ReadFlashloaderInfo(ctx context.Context, t protocol.Target) (protocol.FlashloaderInfo, error) {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	d, err := n.f.begin(ctx, "ReadFlashloaderInfo", t)
	if err != nil {
		return protocol.FlashloaderInfo{}, err
	}
	return d.Flashloader, nil
}

func (n *native) programming(ctx context.Context, op string, t protocol.Target) (*Device, error) {
	d, err := n.f.begin(ctx, op, t)
	if err != nil {
		return nil, err
	}
	if d.session != sessionProgramming {
		return nil, mismatch(op, t.Name, "not in programming session")
	}
	return d, nil
}

func (n *native) RequestDownload(ctx context.Context, t protocol.Target, address uint32, size uint32) (int, error) {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	d, err := n.programming(ctx, "RequestDownload", t)
	if err != nil {
		return 0, err
	}
	d.transfer = &transfer{address: address, size: size, seq: 1}
	return d.Flashloader.MaxBlockLength, nil
}

func (n *native) RequestFileTransfer(ctx context.Context, t protocol.Target, name string, size uint32) (int, error) {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	d, err := n.programming(ctx, "RequestFileTransfer", t)
	if err != nil {
		return 0, err
	}
	if !d.Flashloader.FileBased {
		return 0, fmt.Errorf("RequestFileTransfer %s: %w", t.Name, protocol.ErrUnsupported)
	}
	d.transfer = &transfer{file: name, size: size, seq: 1}
	return d.Flashloader.MaxBlockLength, nil
}

func (n *native) TransferData(ctx context.Context, t protocol.Target, seq uint8, data []byte) error {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	d, err := n.programming(ctx, "TransferData", t)
	if err != nil {
		return err
	}
	tr := d.transfer
	if tr == nil {
		return mismatch("TransferData", t.Name, "no transfer requested")
	}
	if seq != tr.seq {
		return mismatch("TransferData", t.Name, fmt.Sprintf("sequence %d, expected %d", seq, tr.seq))
	}
	if len(data) > d.Flashloader.MaxBlockLength {
		return mismatch("TransferData", t.Name, "block too long")
	}
	tr.data = append(tr.data, data...)
	tr.seq++
	return nil
}

func (n *native) RequestTransferExit(ctx context.Context, t protocol.Target) error {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	d, err := n.programming(ctx, "RequestTransferExit", t)
	if err != nil {
		return err
	}
	tr := d.transfer
	if tr == nil {
		return mismatch("RequestTransferExit", t.Name, "no transfer requested")
	}
	d.transfer = nil
	if uint32(len(tr.data)) != tr.size {
		return mismatch("RequestTransferExit", t.Name, fmt.Sprintf("received %d of %d bytes", len(tr.data), tr.size))
	}
	if tr.file != "" {
		d.Files[tr.file] = tr.data
	} else {
		d.Memory[tr.address] = tr.data
	}
	return nil
}

func (n *native) WriteNVM(ctx context.Context, t protocol.Target, address uint32, data []byte) error {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	d, err := n.programming(ctx, "WriteNVM", t)
	if err != nil {
		return err
	}
	d.NVM[address] = append([]byte(nil), data...)
	return nil
}

func (n *native) security(ctx context.Context, op string, t protocol.Target) (*Device, error) {
	d, err := n.programming(ctx, op, t)
	if err != nil {
		return nil, err
	}
	if !d.Flashloader.Security {
		return nil, fmt.Errorf("%s %s: %w", op, t.Name, protocol.ErrUnsupported)
	}
	return d, nil
}

func (n *native) WriteSecurityKey(ctx context.Context, t protocol.Target, pem []byte) error {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	d, err := n.security(ctx, "WriteSecurityKey", t)
	if err != nil {
		return err
	}
	d.SecurityKey = append([]byte(nil), pem...)
	return nil
}

func (n *native) WriteSecurityActivation(ctx context.Context, t protocol.Target, enabled bool) error {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	d, err := n.security(ctx, "WriteSecurityActivation", t)
	if err != nil {
		return err
	}
	d.SecurityEnabled = enabled
	return nil
}

func (n *native) WriteDebuggerActivation(ctx context.Context, t protocol.Target, enabled bool) error {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	d, err := n.security(ctx, "WriteDebuggerActivation", t)
	if err != nil {
		return err
	}
	d.DebuggerEnabled = enabled
	return nil
}

func (n *native) WriteFingerprint(ctx context.Context, t protocol.Target, fp protocol.Fingerprint) error {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	d, err := n.programming(ctx, "WriteFingerprint", t)
	if err != nil {
		return err
	}
	if !d.Flashloader.Fingerprint {
		return fmt.Errorf("WriteFingerprint %s: %w", t.Name, protocol.ErrUnsupported)
	}
	d.Fingerprint = &fp
	return nil
}

func (n *native) Reset(ctx context.Context, t protocol.Target) error {
	n.f.mu.Lock()
	defer n.f.mu.Unlock()
	d, err := n.f.begin(ctx, "Reset", t)
	if err != nil {
		return err
	}
	d.programmingRequested = false
	d.reset()
	return nil
}

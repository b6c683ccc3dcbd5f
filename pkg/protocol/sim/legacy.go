package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/openSYDE/openSYDE-sub010/pkg/hexfile"
	"github.com/openSYDE/openSYDE-sub010/pkg/protocol"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

type legacy struct{ f *Fleet }

var _ protocol.Legacy = (*legacy)(nil)

func (l *legacy) BroadcastFlash(ctx context.Context, _ time.Duration) error {
	l.f.mu.Lock()
	defer l.f.mu.Unlock()
	devs, err := l.f.broadcast(ctx, "Legacy.BroadcastFlash", true)
	for _, d := range devs {
		d.InFlashloader = true
	}
	return err
}

func (l *legacy) BroadcastReset(ctx context.Context) error {
	l.f.mu.Lock()
	defer l.f.mu.Unlock()
	devs, err := l.f.broadcast(ctx, "Legacy.BroadcastReset", true)
	for _, d := range devs {
		d.programmingRequested = false
		d.reset()
	}
	return err
}

func (l *legacy) Wakeup(ctx context.Context, t protocol.Target) error {
	l.f.mu.Lock()
	defer l.f.mu.Unlock()
	d, err := l.f.begin(ctx, "Legacy.Wakeup", t)
	if err != nil {
		return err
	}
	if !d.InFlashloader {
		return fmt.Errorf("Legacy.Wakeup %s: %w", t.Name, util.ErrNoResponse)
	}
	d.Awake = true
	return nil
}

func (l *legacy) awake(ctx context.Context, op string, t protocol.Target) (*Device, error) {
	d, err := l.f.begin(ctx, op, t)
	if err != nil {
		return nil, err
	}
	if !d.Awake {
		return nil, mismatch(op, t.Name, "device not woken up")
	}
	return d, nil
}

func (l *legacy) ReadInfo(ctx context.Context, t protocol.Target) (protocol.LegacyInfo, error) {
	l.f.mu.Lock()
	defer l.f.mu.Unlock()
	d, err := l.awake(ctx, "Legacy.ReadInfo", t)
	if err != nil {
		return protocol.LegacyInfo{}, err
	}
	info := d.LegacyInfo
	info.ChecksumAreas = append([]protocol.ChecksumArea(nil), d.LegacyInfo.ChecksumAreas...)
	return info, nil
}

// Flash reports progress in quarter steps and stores the image areas.
func (l *legacy) Flash(ctx context.Context, t protocol.Target, img *hexfile.Image, progress protocol.ProgressFunc) error {
	l.f.mu.Lock()
	defer l.f.mu.Unlock()
	d, err := l.awake(ctx, "Legacy.Flash", t)
	if err != nil {
		return err
	}
	for pct := 0; pct <= 100; pct += 25 {
		if progress != nil && !progress(pct, fmt.Sprintf("writing %d bytes", img.Size())) {
			return fmt.Errorf("Legacy.Flash %s: %w", t.Name, util.ErrAborted)
		}
	}
	for _, a := range img.Areas {
		d.Memory[a.Address] = append([]byte(nil), a.Data...)
	}
	return nil
}

func (l *legacy) Reset(ctx context.Context, t protocol.Target) error {
	l.f.mu.Lock()
	defer l.f.mu.Unlock()
	d, err := l.f.begin(ctx, "Legacy.Reset", t)
	if err != nil {
		return err
	}
	d.programmingRequested = false
	d.reset()
	return nil
}

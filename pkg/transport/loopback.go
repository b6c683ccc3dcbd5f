package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

const loopbackDepth = 64

// LoopbackCAN is an in-memory CAN dispatcher: sent frames are received back.
// It backs the simulator driver, which needs no real bus.
type LoopbackCAN struct {
	mu     sync.Mutex
	frames chan Frame
}

var _ CANDispatcher = (*LoopbackCAN)(nil)

func (l *LoopbackCAN) Open(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frames == nil {
		l.frames = make(chan Frame, loopbackDepth)
	}
	return nil
}

func (l *LoopbackCAN) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = nil
	return nil
}

func (l *LoopbackCAN) queue() (chan Frame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frames == nil {
		return nil, fmt.Errorf("loopback: %w: not open", util.ErrIO)
	}
	return l.frames, nil
}

func (l *LoopbackCAN) Send(ctx context.Context, f Frame) error {
	q, err := l.queue()
	if err != nil {
		return err
	}
	select {
	case q <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *LoopbackCAN) Receive(ctx context.Context) (Frame, error) {
	q, err := l.queue()
	if err != nil {
		return Frame{}, err
	}
	select {
	case f := <-q:
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// LoopbackIP is the datagram counterpart of LoopbackCAN.
type LoopbackIP struct {
	mu    sync.Mutex
	grams chan []byte
}

var _ IPDispatcher = (*LoopbackIP)(nil)

func (l *LoopbackIP) Open(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.grams == nil {
		l.grams = make(chan []byte, loopbackDepth)
	}
	return nil
}

func (l *LoopbackIP) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.grams = nil
	return nil
}

func (l *LoopbackIP) queue() (chan []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.grams == nil {
		return nil, fmt.Errorf("loopback: %w: not open", util.ErrIO)
	}
	return l.grams, nil
}

func (l *LoopbackIP) Send(ctx context.Context, payload []byte) error {
	q, err := l.queue()
	if err != nil {
		return err
	}
	select {
	case q <- append([]byte(nil), payload...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *LoopbackIP) Receive(ctx context.Context) ([]byte, error) {
	q, err := l.queue()
	if err != nil {
		return nil, err
	}
	select {
	case p := <-q:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NewLoopbackSet returns a Set of loopback dispatchers.
func NewLoopbackSet() Set {
	return Set{CAN: &LoopbackCAN{}, IP: &LoopbackIP{}}
}

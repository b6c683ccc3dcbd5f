package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openSYDE/openSYDE-sub010/pkg/topology"
)

type stubCAN struct{ closeErr error }

func (s *stubCAN) Open(context.Context) error                { return nil }
func (s *stubCAN) Close() error                              { return s.closeErr }
func (s *stubCAN) Send(context.Context, Frame) error         { return nil }
func (s *stubCAN) Receive(context.Context) (Frame, error)    { return Frame{}, nil }

type stubIP struct{ closeErr error }

func (s *stubIP) Open(context.Context) error                 { return nil }
func (s *stubIP) Close() error                               { return s.closeErr }
func (s *stubIP) Send(context.Context, []byte) error         { return nil }
func (s *stubIP) Receive(context.Context) ([]byte, error)    { return nil, nil }

func TestSetFor(t *testing.T) {
	can := &stubCAN{}
	s := Set{CAN: can}
	assert.Equal(t, Dispatcher(can), s.For(topology.BusCAN))
	assert.Nil(t, s.For(topology.BusEthernet))
	assert.Nil(t, Set{}.For(topology.BusCAN))
}

func TestSetClose(t *testing.T) {
	assert.NoError(t, Set{}.Close())
	assert.NoError(t, Set{CAN: &stubCAN{}, IP: &stubIP{}}.Close())

	errCAN := errors.New("can stuck")
	errIP := errors.New("ip stuck")
	err := Set{CAN: &stubCAN{closeErr: errCAN}, IP: &stubIP{closeErr: errIP}}.Close()
	assert.ErrorIs(t, err, errCAN)
	assert.ErrorIs(t, err, errIP)
}

func TestFrameString(t *testing.T) {
	assert.Equal(t, "123 [2] 01 02", Frame{ID: 0x123, Data: []byte{1, 2}}.String())
	assert.Equal(t, "18DA00F1 [0] ", Frame{ID: 0x18DA00F1, Extended: true}.String())
}

func TestLoopback(t *testing.T) {
	ctx := context.Background()
	s := NewLoopbackSet()

	err := s.CAN.Send(ctx, Frame{ID: 1})
	assert.Error(t, err, "send before open")

	assert.NoError(t, s.CAN.Open(ctx))
	assert.NoError(t, s.IP.Open(ctx))

	assert.NoError(t, s.CAN.Send(ctx, Frame{ID: 0x7E0, Data: []byte{0x3E, 0x00}}))
	f, err := s.CAN.Receive(ctx)
	assert.NoError(t, err)
	assert.Equal(t, uint32(0x7E0), f.ID)

	payload := []byte{1, 2, 3}
	assert.NoError(t, s.IP.Send(ctx, payload))
	payload[0] = 9
	got, err := s.IP.Receive(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.CAN.Receive(cancelled)
	assert.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, s.Close())
}

// Package transport defines the frame-level dispatchers the protocol drivers
// talk through. Dispatchers block until a frame is sent or received.
package transport

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/openSYDE/openSYDE-sub010/pkg/topology"
)

// Frame is one CAN frame.
type Frame struct {
	ID       uint32
	Extended bool
	Data     []byte
}

func (f Frame) String() string {
	if f.Extended {
		return fmt.Sprintf("%08X [%d] % X", f.ID, len(f.Data), f.Data)
	}
	return fmt.Sprintf("%03X [%d] % X", f.ID, len(f.Data), f.Data)
}

// Dispatcher is the lifecycle shared by all dispatchers.
type Dispatcher interface {
	Open(ctx context.Context) error
	Close() error
}

// CANDispatcher sends and receives CAN frames.
type CANDispatcher interface {
	Dispatcher
	Send(ctx context.Context, f Frame) error
	Receive(ctx context.Context) (Frame, error)
}

// IPDispatcher exchanges datagrams with an Ethernet access point.
type IPDispatcher interface {
	Dispatcher
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
}

// Set is the pair of dispatchers available to a session. Either may be nil.
type Set struct {
	CAN CANDispatcher
	IP  IPDispatcher
}

// For returns the dispatcher serving a bus type, or nil.
func (s Set) For(t topology.BusType) Dispatcher {
	switch t {
	case topology.BusCAN:
		if s.CAN != nil {
			return s.CAN
		}
	case topology.BusEthernet:
		if s.IP != nil {
			return s.IP
		}
	}
	return nil
}

// Close closes every dispatcher in the set and returns all errors.
func (s Set) Close() error {
	var result *multierror.Error
	if s.CAN != nil {
		if err := s.CAN.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing CAN dispatcher: %w", err))
		}
	}
	if s.IP != nil {
		if err := s.IP.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing IP dispatcher: %w", err))
		}
	}
	return result.ErrorOrNil()
}

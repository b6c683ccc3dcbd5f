package protocol

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openSYDE/openSYDE-sub010/pkg/topology"
	"github.com/openSYDE/openSYDE-sub010/pkg/transport"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// Config is passed to a driver factory.
type Config struct {
	Topology   *topology.Topology
	AccessBus  int
	Transports transport.Set
}

// Stack is an opened driver. Legacy may be nil for drivers without legacy
// support.
type Stack struct {
	Native Native
	Legacy Legacy
}

// Factory opens a driver stack.
type Factory func(ctx context.Context, cfg Config) (*Stack, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Factory{}
)

// Register makes a driver available by name. It panics if name is taken.
func Register(name string, f Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[name]; dup {
		panic("protocol: Register called twice for driver " + name)
	}
	drivers[name] = f
}

// Open opens the named driver.
func Open(ctx context.Context, name string, cfg Config) (*Stack, error) {
	driversMu.RLock()
	f, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, util.NewConfigErrorf("unknown protocol driver %q (available: %v)", name, Drivers())
	}
	s, err := f(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening driver %s: %w", name, err)
	}
	return s, nil
}

// Drivers returns the registered driver names, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

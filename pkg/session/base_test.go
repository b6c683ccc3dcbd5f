package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openSYDE/openSYDE-sub010/internal/testutil"
	"github.com/openSYDE/openSYDE-sub010/pkg/protocol"
	"github.com/openSYDE/openSYDE-sub010/pkg/topology"
	"github.com/openSYDE/openSYDE-sub010/pkg/transport"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

type failingCAN struct{ transport.LoopbackCAN }

func (*failingCAN) Open(context.Context) error { return errors.New("adapter unplugged") }

func initChain(t *testing.T, active []bool) *Base {
	t.Helper()
	topo := testutil.Chain()
	if active == nil {
		active = testutil.AllActive(topo.NodeCount())
	}
	b, err := Init(context.Background(), topo, 0, active, transport.NewLoopbackSet())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestInitErrors(t *testing.T) {
	chain := testutil.Chain()
	legacyOff := testutil.NewTopology().
		CAN("CAN1").CAN("CAN2").
		Native("ECU", testutil.ECUDevice, 0).
		Legacy("IO", 1).
		Build()

	tests := []struct {
		name      string
		topo      *topology.Topology
		accessBus int
		active    []bool
		ts        transport.Set
		wantErr   string
	}{
		{"length mismatch", chain, 0, []bool{true}, transport.NewLoopbackSet(), "active node list has 1 entries"},
		{"bus out of range", chain, 7, testutil.AllActive(5), transport.NewLoopbackSet(), "access bus index 7 out of range"},
		{"negative bus", chain, -1, testutil.AllActive(5), transport.NewLoopbackSet(), "out of range"},
		{"missing transport", chain, 0, testutil.AllActive(5), transport.Set{IP: &transport.LoopbackIP{}}, "no can transport"},
		{"transport open failure", chain, 0, testutil.AllActive(5), transport.Set{CAN: &failingCAN{}}, "adapter unplugged"},
		{"nothing active", chain, 0, make([]bool, 5), transport.NewLoopbackSet(), "no active devices"},
		{"legacy off local bus", legacyOff, 0, testutil.AllActive(2), transport.NewLoopbackSet(), "legacy node IO is not on access bus"},
		{"native without route", chain, 0, []bool{false, true, true, true, true}, transport.NewLoopbackSet(), "no route"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Init(context.Background(), tt.topo, tt.accessBus, tt.active, tt.ts)
			require.Error(t, err)
			assert.ErrorIs(t, err, util.ErrConfigInvalid)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCapabilityQueries(t *testing.T) {
	topo := testutil.NewTopology().
		CAN("CAN1").CAN("CAN2").
		Native("GW", testutil.GatewayDevice, 0, 1).
		Legacy("IO_LOCAL", 0).
		Legacy("IO_REMOTE", 1).
		Build()

	tests := []struct {
		name                           string
		active                         []bool
		native, legacy, legacyLocalBus bool
	}{
		{"all", []bool{true, true, true}, true, true, true},
		{"native only", []bool{true, false, false}, true, false, false},
		{"legacy local only", []bool{false, true, false}, false, true, true},
		{"remote legacy via gateway", []bool{true, false, true}, true, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Init(context.Background(), topo, 0, tt.active, transport.NewLoopbackSet())
			require.NoError(t, err)
			defer b.Close()
			assert.Equal(t, tt.native, b.HasActiveNativeDevices())
			assert.Equal(t, tt.legacy, b.HasActiveLegacyDevices())
			assert.Equal(t, tt.legacyLocalBus, b.HasActiveLegacyDevicesOnLocalBus())
		})
	}
}

func TestReachability(t *testing.T) {
	b := initChain(t, nil)

	for n := 0; n < 5; n++ {
		assert.True(t, b.IsNodeReachable(n), "node %d", n)
	}

	// GW2 times out: ECU3 behind it becomes unreachable, everything else stays.
	b.MarkTimeout(1)
	assert.False(t, b.IsNodeReachable(1))
	assert.False(t, b.IsNodeReachable(4))
	assert.True(t, b.IsNodeReachable(3))
	assert.True(t, b.IsNodeReachable(0))
	assert.True(t, b.TimedOut(1))
	assert.False(t, b.TimedOut(4))

	// GW1 times out: the whole CAN2/CAN3 side goes dark.
	b.MarkTimeout(0)
	assert.False(t, b.IsNodeReachable(3))
	assert.True(t, b.IsNodeReachable(2))

	// Out of range never panics.
	b.MarkTimeout(99)
	assert.False(t, b.IsNodeReachable(99))
	assert.False(t, b.IsNodeReachable(-1))
}

func TestReachabilityAfterTimeoutForEveryNode(t *testing.T) {
	for n := 0; n < 5; n++ {
		b := initChain(t, nil)
		b.MarkTimeout(n)
		for other := 0; other < 5; other++ {
			route, err := b.Route(other)
			require.NoError(t, err)
			if other == n || route.Contains(n) {
				assert.False(t, b.IsNodeReachable(other), "timeout %d, node %d", n, other)
			} else {
				assert.True(t, b.IsNodeReachable(other), "timeout %d, node %d", n, other)
			}
		}
	}
}

func TestInactiveNodes(t *testing.T) {
	b := initChain(t, []bool{true, true, false, true, false})

	assert.Equal(t, []int{0, 1, 3}, b.ActiveNodes())
	assert.False(t, b.IsNodeReachable(2))
	assert.False(t, b.IsActive(4))

	_, err := b.Route(2)
	assert.ErrorIs(t, err, util.ErrConfigInvalid)
	_, err = b.Target(4)
	assert.ErrorIs(t, err, util.ErrConfigInvalid)
}

func TestTarget(t *testing.T) {
	b := initChain(t, nil)

	tgt, err := b.Target(4)
	require.NoError(t, err)
	assert.Equal(t, 4, tgt.Node)
	assert.Equal(t, "ECU3", tgt.Name)
	assert.Equal(t, protocol.Address{Bus: 3, Node: 5}, tgt.Address)
	assert.Equal(t, topology.BusCAN, tgt.BusType)
	require.Len(t, tgt.Route, 2)
	assert.True(t, tgt.Routed())

	local, err := b.Target(2)
	require.NoError(t, err)
	assert.False(t, local.Routed())
	assert.True(t, b.IsLocal(2))
	assert.False(t, b.IsLocal(4))

	// Returned routes are copies.
	tgt.Route[0].Node = 42
	again, _ := b.Route(4)
	assert.Equal(t, 0, again[0].Node)
}

func TestAccessors(t *testing.T) {
	b := initChain(t, nil)
	assert.Equal(t, 0, b.AccessBus())
	assert.Equal(t, 5, b.NodeCount())
	assert.NotNil(t, b.Resolver())
	assert.Equal(t, "GW1", b.Topology().Nodes[0].Name)
}

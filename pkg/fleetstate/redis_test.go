//go:build integration

package fleetstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openSYDE/openSYDE-sub010/internal/testutil"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

func newIntegrationStore(t *testing.T, expiry time.Duration) *RedisStore {
	t.Helper()
	testutil.SkipIfNoRedis(t)
	testutil.FlushDB(t)
	s := NewRedisStore(testutil.RedisAddr(), testutil.RedisDB, expiry)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Connect(testutil.Context(t)))
	return s
}

func TestRedisStoreRunRoundTrip(t *testing.T) {
	s := newIntegrationStore(t, 0)
	ctx := testutil.Context(t)
	started := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutRun(ctx, RunState{ID: "r1", Fleet: "line-4", User: "alice", Status: StatusRunning, Started: started}))

	run, err := s.Run(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "line-4", run.Fleet)
	assert.Equal(t, StatusRunning, run.Status)
	assert.True(t, started.Equal(run.Started))
	assert.True(t, run.Finished.IsZero())

	_, err = s.Run(ctx, "missing")
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestRedisStoreNodesOrdered(t *testing.T) {
	s := newIntegrationStore(t, time.Hour)
	ctx := testutil.Context(t)

	for _, n := range []NodeState{
		{Index: 10, Name: "ECU10", Status: StatusOK, Percent: 100},
		{Index: 2, Name: "ECU1", Status: StatusFailed, Error: "no response"},
		{Index: 0, Name: "GW1", Status: StatusRunning, Percent: 30},
	} {
		require.NoError(t, s.PutNode(ctx, "r1", n))
	}
	require.NoError(t, s.PutNode(ctx, "r2", NodeState{Index: 1, Name: "other run"}))

	nodes, err := s.Nodes(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, []string{"GW1", "ECU1", "ECU10"}, []string{nodes[0].Name, nodes[1].Name, nodes[2].Name})
	assert.Equal(t, 30, nodes[0].Percent)
	assert.Equal(t, "no response", nodes[1].Error)
	assert.Greater(t, testutil.TTL(t, nodeKey("r1", 0)), time.Duration(0))
}

func TestRedisStoreLock(t *testing.T) {
	s := newIntegrationStore(t, 0)
	ctx := testutil.Context(t)

	require.NoError(t, s.AcquireLock(ctx, "line-4", "alice@host", time.Minute))
	require.NoError(t, s.AcquireLock(ctx, "line-4", "alice@host", time.Minute), "re-acquire by holder")

	err := s.AcquireLock(ctx, "line-4", "bob@host", time.Minute)
	assert.ErrorIs(t, err, util.ErrBusy)
	assert.Contains(t, err.Error(), "alice@host")

	holder, acquired, err := s.LockHolder(ctx, "line-4")
	require.NoError(t, err)
	assert.Equal(t, "alice@host", holder)
	assert.False(t, acquired.IsZero())

	assert.Error(t, s.ReleaseLock(ctx, "line-4", "bob@host"))
	require.NoError(t, s.ReleaseLock(ctx, "line-4", "alice@host"))
	require.NoError(t, s.ReleaseLock(ctx, "line-4", "alice@host"), "releasing a free lock")
	require.NoError(t, s.AcquireLock(ctx, "line-4", "bob@host", time.Minute))
}

package fleetstate

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// Key layout:
//
//	SYDEFLASH_RUN|<run>           hash of RunState
//	SYDEFLASH_NODE|<run>|<index>  hash of NodeState
//	SYDEFLASH_LOCK|<fleet>        hash {holder, acquired, ttl} with expiry
const (
	runTable  = "SYDEFLASH_RUN"
	nodeTable = "SYDEFLASH_NODE"
	lockTable = "SYDEFLASH_LOCK"
)

// RedisStore keeps fleet state in a Redis database.
type RedisStore struct {
	client *redis.Client
	expiry time.Duration
}

// NewRedisStore creates a store on the given Redis database. Run and node
// keys expire after expiry; 0 keeps them forever.
func NewRedisStore(addr string, db int, expiry time.Duration) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		expiry: expiry,
	}
}

// Connect tests the connection.
func (s *RedisStore) Connect(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func runKey(run string) string {
	return runTable + "|" + run
}

func nodeKey(run string, index int) string {
	return fmt.Sprintf("%s|%s|%d", nodeTable, run, index)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func (s *RedisStore) put(ctx context.Context, key string, fields map[string]interface{}) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if s.expiry > 0 {
		pipe.Expire(ctx, key, s.expiry)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// PutRun writes the run state.
func (s *RedisStore) PutRun(ctx context.Context, run RunState) error {
	err := s.put(ctx, runKey(run.ID), map[string]interface{}{
		"fleet":    run.Fleet,
		"user":     run.User,
		"package":  run.Package,
		"phase":    run.Phase,
		"status":   run.Status,
		"error":    run.Error,
		"started":  formatTime(run.Started),
		"finished": formatTime(run.Finished),
	})
	if err != nil {
		return fmt.Errorf("writing run %s: %w", run.ID, err)
	}
	return nil
}

// PutNode writes the state of one node of a run.
func (s *RedisStore) PutNode(ctx context.Context, runID string, node NodeState) error {
	err := s.put(ctx, nodeKey(runID, node.Index), map[string]interface{}{
		"name":    node.Name,
		"phase":   node.Phase,
		"step":    node.Step,
		"status":  node.Status,
		"percent": node.Percent,
		"error":   node.Error,
		"updated": formatTime(node.Updated),
	})
	if err != nil {
		return fmt.Errorf("writing node %s of run %s: %w", node.Name, runID, err)
	}
	return nil
}

// Run reads a run state. A missing run is util.ErrNotFound.
func (s *RedisStore) Run(ctx context.Context, runID string) (*RunState, error) {
	vals, err := s.client.HGetAll(ctx, runKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", runID, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, util.ErrNotFound)
	}
	return &RunState{
		ID:       runID,
		Fleet:    vals["fleet"],
		User:     vals["user"],
		Package:  vals["package"],
		Phase:    vals["phase"],
		Status:   vals["status"],
		Error:    vals["error"],
		Started:  parseTime(vals["started"]),
		Finished: parseTime(vals["finished"]),
	}, nil
}

// Nodes reads all node states of a run ordered by node index.
func (s *RedisStore) Nodes(ctx context.Context, runID string) ([]NodeState, error) {
	keys, err := scanKeys(ctx, s.client, fmt.Sprintf("%s|%s|*", nodeTable, runID), 100)
	if err != nil {
		return nil, fmt.Errorf("listing nodes of run %s: %w", runID, err)
	}
	prefix := len(nodeTable) + len(runID) + 2
	var nodes []NodeState
	for _, key := range keys {
		index, err := strconv.Atoi(key[prefix:])
		if err != nil {
			continue
		}
		vals, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", key, err)
		}
		percent, _ := strconv.Atoi(vals["percent"])
		nodes = append(nodes, NodeState{
			Index:   index,
			Name:    vals["name"],
			Phase:   vals["phase"],
			Step:    vals["step"],
			Status:  vals["status"],
			Percent: percent,
			Error:   vals["error"],
			Updated: parseTime(vals["updated"]),
		})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Index < nodes[j].Index })
	return nodes, nil
}

// scanKeys collects keys matching pattern with cursor-based SCAN.
func scanKeys(ctx context.Context, client *redis.Client, pattern string, countHint int64) ([]string, error) {
	var cursor uint64
	var keys []string
	for {
		batch, next, err := client.Scan(ctx, cursor, pattern, countHint).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// acquireLockScript atomically takes the lock. Returns 1 on success, 0 if
// another holder has it.
var acquireLockScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 1 then
	if redis.call("HGET", key, "holder") == ARGV[1] then
		redis.call("EXPIRE", key, tonumber(ARGV[3]))
		return 1
	end
	return 0
end
redis.call("HSET", key, "holder", ARGV[1], "acquired", ARGV[2], "ttl", ARGV[3])
redis.call("EXPIRE", key, tonumber(ARGV[3]))
return 1
`)

// releaseLockScript releases the lock if ARGV[1] holds it. Returns 1 on
// success, 0 on holder mismatch and -1 if there is no lock.
var releaseLockScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
	return -1
end
if redis.call("HGET", key, "holder") ~= ARGV[1] then
	return 0
end
redis.call("DEL", key)
return 1
`)

// AcquireLock takes the update lock of a fleet. Taking a lock already held
// by holder extends it. A lock held by someone else is util.ErrBusy.
func (s *RedisStore) AcquireLock(ctx context.Context, fleet, holder string, ttl time.Duration) error {
	secs := max(int(ttl.Seconds()), 1)
	result, err := acquireLockScript.Run(ctx, s.client, []string{lockTable + "|" + fleet},
		holder, formatTime(time.Now()), strconv.Itoa(secs)).Int()
	if err != nil {
		return fmt.Errorf("acquiring lock for %s: %w", fleet, err)
	}
	if result == 0 {
		owner, _, _ := s.LockHolder(ctx, fleet)
		return fmt.Errorf("fleet %s is being updated by %s: %w", fleet, owner, util.ErrBusy)
	}
	return nil
}

// ReleaseLock releases the update lock of a fleet.
func (s *RedisStore) ReleaseLock(ctx context.Context, fleet, holder string) error {
	result, err := releaseLockScript.Run(ctx, s.client, []string{lockTable + "|" + fleet}, holder).Int()
	if err != nil {
		return fmt.Errorf("releasing lock for %s: %w", fleet, err)
	}
	if result == 0 {
		return fmt.Errorf("lock holder mismatch for %s", fleet)
	}
	return nil
}

// LockHolder returns the current holder of the fleet lock and when it was
// taken. It returns ("", zero, nil) if nobody holds it.
func (s *RedisStore) LockHolder(ctx context.Context, fleet string) (string, time.Time, error) {
	vals, err := s.client.HGetAll(ctx, lockTable+"|"+fleet).Result()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("getting lock holder for %s: %w", fleet, err)
	}
	if len(vals) == 0 {
		return "", time.Time{}, nil
	}
	return vals["holder"], parseTime(vals["acquired"]), nil
}

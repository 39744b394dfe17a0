package raft_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/varunsly/raftfs/internal/consensus"
	"github.com/varunsly/raftfs/internal/consensus/raft"
	"github.com/varunsly/raftfs/internal/transport"
	"github.com/varunsly/raftfs/pkg/metrics"
)

// clusterNode bundles a Node with the mutex it shares with its (fake)
// composing server and the operations applied to it, so tests can assert
// on replication without a real file-map layer.
type clusterNode struct {
	node *raft.Node
	mu   *sync.Mutex // the lock shared with (a stand-in for) this node's composing server

	appliedMu sync.Mutex
	applied   []consensus.Operation
}

func (c *clusterNode) onApply(entry consensus.LogEntry) {
	c.appliedMu.Lock()
	defer c.appliedMu.Unlock()
	c.applied = append(c.applied, entry.Operation)
}

func (c *clusterNode) appliedOps() []consensus.Operation {
	c.appliedMu.Lock()
	defer c.appliedMu.Unlock()
	out := make([]consensus.Operation, len(c.applied))
	copy(out, c.applied)
	return out
}

// proposeLocally exercises the path a leader's own client-handling code
// takes: hold the shared lock, append the entry, apply it to local state
// in the same critical section, then release.
func (c *clusterNode) proposeLocally(op consensus.Operation) consensus.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.node.AppendEntryLocked(op)
	c.onApply(entry)
	return entry
}

func newCluster(t *testing.T, n int, heartbeat, electionMin, electionMax time.Duration) (map[consensus.NodeID]*clusterNode, transport.Transport) {
	t.Helper()

	ids := make([]consensus.NodeID, n)
	for i := range ids {
		ids[i] = consensus.NodeID(string(rune('a' + i)))
	}

	logger := zaptest.NewLogger(t)
	bus := transport.NewBus(logger)
	mtr := metrics.NewMetrics()

	nodes := make(map[consensus.NodeID]*clusterNode, n)
	for _, id := range ids {
		cfg := consensus.Config{
			ReplicaID:            id,
			Replicas:             ids,
			HeartbeatPeriod:      heartbeat,
			ElectionTimeoutMin:   electionMin,
			ElectionTimeoutMax:   electionMax,
			ClientRequestTimeout: time.Second,
			LeaseSweepPeriod:     time.Second,
		}
		cn := &clusterNode{mu: &sync.Mutex{}}
		cn.node = raft.NewNode(cfg, bus, logger, mtr, cn.mu, cn.onApply)
		nodes[id] = cn
	}
	return nodes, bus
}

func startAll(nodes map[consensus.NodeID]*clusterNode) {
	for _, cn := range nodes {
		cn.node.Start()
	}
}

func stopAll(nodes map[consensus.NodeID]*clusterNode) {
	for _, cn := range nodes {
		cn.node.Stop()
	}
}

func awaitCondition(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func leaderOf(nodes map[consensus.NodeID]*clusterNode) (consensus.NodeID, bool) {
	for id, cn := range nodes {
		if cn.node.Role() == consensus.Leader {
			return id, true
		}
	}
	return "", false
}

func countLeaders(nodes map[consensus.NodeID]*clusterNode) int {
	count := 0
	for _, cn := range nodes {
		if cn.node.Role() == consensus.Leader {
			count++
		}
	}
	return count
}

func TestSingleNodeCluster_BecomesLeaderImmediately(t *testing.T) {
	nodes, _ := newCluster(t, 1, 50*time.Millisecond, 150*time.Millisecond, 300*time.Millisecond)
	startAll(nodes)
	defer stopAll(nodes)

	var only *clusterNode
	for _, cn := range nodes {
		only = cn
	}

	require.True(t, awaitCondition(t, time.Second, func() bool {
		return only.node.Role() == consensus.Leader
	}))
	assert.Equal(t, only.node.ID(), only.node.LeaderID())
}

func TestThreeNodeCluster_ElectsExactlyOneLeader(t *testing.T) {
	nodes, _ := newCluster(t, 3, 50*time.Millisecond, 150*time.Millisecond, 300*time.Millisecond)
	startAll(nodes)
	defer stopAll(nodes)

	require.True(t, awaitCondition(t, 3*time.Second, func() bool {
		_, ok := leaderOf(nodes)
		return ok
	}))

	// Give the cluster a little longer to settle any split votes, then
	// confirm convergence on a single leader all followers agree with.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, countLeaders(nodes))

	leaderID, ok := leaderOf(nodes)
	require.True(t, ok)
	leaderTerm := nodes[leaderID].node.Term()

	for id, cn := range nodes {
		if id == leaderID {
			continue
		}
		assert.Equal(t, leaderID, cn.node.LeaderID())
		assert.Equal(t, leaderTerm, cn.node.Term())
	}
}

func TestThreeNodeCluster_SurvivesLeaderFailover(t *testing.T) {
	nodes, _ := newCluster(t, 3, 50*time.Millisecond, 150*time.Millisecond, 300*time.Millisecond)
	startAll(nodes)
	defer stopAll(nodes)

	require.True(t, awaitCondition(t, 3*time.Second, func() bool {
		_, ok := leaderOf(nodes)
		return ok
	}))

	firstLeader, _ := leaderOf(nodes)
	firstTerm := nodes[firstLeader].node.Term()
	nodes[firstLeader].node.Stop()

	require.True(t, awaitCondition(t, 3*time.Second, func() bool {
		id, ok := leaderOf(nodes)
		return ok && id != firstLeader
	}))

	newLeader, ok := leaderOf(nodes)
	require.True(t, ok)
	assert.NotEqual(t, firstLeader, newLeader)
	assert.Greater(t, uint64(nodes[newLeader].node.Term()), uint64(firstTerm))
}

func TestLeader_AppendEntryReplicatesToFollowers(t *testing.T) {
	nodes, _ := newCluster(t, 3, 50*time.Millisecond, 150*time.Millisecond, 300*time.Millisecond)
	startAll(nodes)
	defer stopAll(nodes)

	require.True(t, awaitCondition(t, 3*time.Second, func() bool {
		_, ok := leaderOf(nodes)
		return ok
	}))

	leaderID, _ := leaderOf(nodes)
	op := consensus.Operation{Kind: consensus.OpCreateFile, Filename: "a.txt"}
	nodes[leaderID].proposeLocally(op)

	require.True(t, awaitCondition(t, 2*time.Second, func() bool {
		for id, cn := range nodes {
			if id == leaderID {
				continue
			}
			found := false
			for _, applied := range cn.appliedOps() {
				if applied == op {
					found = true
				}
			}
			if !found {
				return false
			}
		}
		return true
	}))

	for _, cn := range nodes {
		ops := cn.appliedOps()
		require.Len(t, ops, 1)
		assert.Equal(t, op, ops[0])
	}
}

func TestLeader_CommitIndexAdvancesAfterMajorityAck(t *testing.T) {
	nodes, _ := newCluster(t, 3, 50*time.Millisecond, 150*time.Millisecond, 300*time.Millisecond)
	startAll(nodes)
	defer stopAll(nodes)

	require.True(t, awaitCondition(t, 3*time.Second, func() bool {
		_, ok := leaderOf(nodes)
		return ok
	}))

	leaderID, _ := leaderOf(nodes)
	op := consensus.Operation{Kind: consensus.OpWriteFile, Filename: "b.txt", Content: "hi"}
	nodes[leaderID].proposeLocally(op)

	require.True(t, awaitCondition(t, 2*time.Second, func() bool {
		return nodes[leaderID].node.CommitIndex() >= 1
	}))
}

package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/varunsly/raftfs/internal/client"
	"github.com/varunsly/raftfs/internal/consensus"
	"github.com/varunsly/raftfs/internal/server"
	"github.com/varunsly/raftfs/internal/store"
	"github.com/varunsly/raftfs/internal/transport"
	"github.com/varunsly/raftfs/pkg/metrics"
)

func singleNodeServer(t *testing.T) (*server.FileServer, transport.Transport) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	bus := transport.NewBus(logger)
	cfg := consensus.Config{
		ReplicaID:            "solo",
		Replicas:             []consensus.NodeID{"solo"},
		HeartbeatPeriod:      50 * time.Millisecond,
		ElectionTimeoutMin:   150 * time.Millisecond,
		ElectionTimeoutMax:   300 * time.Millisecond,
		ClientRequestTimeout: time.Second,
		LeaseSweepPeriod:     100 * time.Millisecond,
	}
	fs := server.New(cfg, bus, store.NewMemorySink(logger), logger, metrics.NewMetrics())
	fs.Start()
	t.Cleanup(fs.Stop)

	require.Eventually(t, func() bool { return fs.Node().Role() == consensus.Leader }, time.Second, 10*time.Millisecond)
	return fs, bus
}

func threeNodeCluster(t *testing.T) (map[consensus.NodeID]*server.FileServer, transport.Transport) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	bus := transport.NewBus(logger)
	mtr := metrics.NewMetrics()
	ids := []consensus.NodeID{"r1", "r2", "r3"}

	servers := make(map[consensus.NodeID]*server.FileServer, 3)
	for _, id := range ids {
		cfg := consensus.Config{
			ReplicaID:            id,
			Replicas:             ids,
			HeartbeatPeriod:      50 * time.Millisecond,
			ElectionTimeoutMin:   150 * time.Millisecond,
			ElectionTimeoutMax:   300 * time.Millisecond,
			ClientRequestTimeout: time.Second,
			LeaseSweepPeriod:     100 * time.Millisecond,
		}
		fs := server.New(cfg, bus, store.NewMemorySink(logger), logger, mtr)
		fs.Start()
		servers[id] = fs
	}
	t.Cleanup(func() {
		for _, fs := range servers {
			fs.Stop()
		}
	})

	require.Eventually(t, func() bool {
		for _, fs := range servers {
			if fs.Node().Role() == consensus.Leader {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	return servers, bus
}

func TestCreateFile_SecondCreateOnSameNameFails(t *testing.T) {
	_, bus := singleNodeServer(t)
	c := client.New("c1", "solo", bus, time.Second, zaptest.NewLogger(t))
	ctx := context.Background()

	ok, err := c.CreateFile(ctx, "a.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.CreateFile(ctx, "a.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteFile_OnMissingFileReturnsFalse(t *testing.T) {
	_, bus := singleNodeServer(t)
	c := client.New("c1", "solo", bus, time.Second, zaptest.NewLogger(t))

	ok, err := c.WriteFile(context.Background(), "missing.txt", "hi")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteFile_OnMissingFileReturnsFalse(t *testing.T) {
	_, bus := singleNodeServer(t)
	c := client.New("c1", "solo", bus, time.Second, zaptest.NewLogger(t))

	ok, err := c.DeleteFile(context.Background(), "missing.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteFile_ThenReadReturnsLatestContent(t *testing.T) {
	_, bus := singleNodeServer(t)
	c := client.New("c1", "solo", bus, time.Second, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := c.CreateFile(ctx, "a.txt")
	require.NoError(t, err)

	ok, err := c.WriteFile(ctx, "a.txt", "hello")
	require.NoError(t, err)
	require.True(t, ok)

	content, err := c.ReadFile(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", content)
}

func TestDeleteFile_ThenReadReturnsEmptyContent(t *testing.T) {
	_, bus := singleNodeServer(t)
	c := client.New("c1", "solo", bus, time.Second, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := c.CreateFile(ctx, "a.txt")
	require.NoError(t, err)
	ok, err := c.DeleteFile(ctx, "a.txt")
	require.NoError(t, err)
	require.True(t, ok)

	content, err := c.ReadFile(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "", content)
}

func TestLease_GrantDenyExpireRegrant(t *testing.T) {
	_, bus := singleNodeServer(t)
	c := client.New("c1", "solo", bus, time.Second, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := c.CreateFile(ctx, "locked.txt")
	require.NoError(t, err)

	granted, err := c.RequestLease(ctx, "locked.txt", "lessee-a", 150*time.Millisecond)
	require.NoError(t, err)
	require.True(t, granted)

	granted, err = c.RequestLease(ctx, "locked.txt", "lessee-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, granted)

	time.Sleep(300 * time.Millisecond)

	granted, err = c.RequestLease(ctx, "locked.txt", "lessee-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, granted)

	released, err := c.ReleaseLease(ctx, "locked.txt", "lessee-a")
	require.NoError(t, err)
	assert.False(t, released, "lessee-a no longer holds the lease and cannot release it")

	released, err = c.ReleaseLease(ctx, "locked.txt", "lessee-b")
	require.NoError(t, err)
	assert.True(t, released)
}

func TestNonLeaderForwardsMutationsToLeader(t *testing.T) {
	servers, bus := threeNodeCluster(t)

	var leaderID, followerID consensus.NodeID
	for id, fs := range servers {
		if fs.Node().Role() == consensus.Leader {
			leaderID = id
		} else if followerID == "" {
			followerID = id
		}
	}
	require.NotEmpty(t, leaderID)
	require.NotEmpty(t, followerID)

	c := client.New("c1", followerID, bus, 2*time.Second, zaptest.NewLogger(t))
	ok, err := c.CreateFile(context.Background(), "forwarded.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReadFile_ServedByAnyReplicaAfterReplication(t *testing.T) {
	servers, bus := threeNodeCluster(t)

	var leaderID string
	for id, fs := range servers {
		if fs.Node().Role() == consensus.Leader {
			leaderID = string(id)
		}
	}
	require.NotEmpty(t, leaderID)

	leaderClient := client.New("c1", consensus.NodeID(leaderID), bus, 2*time.Second, zaptest.NewLogger(t))
	ctx := context.Background()
	_, err := leaderClient.CreateFile(ctx, "replicated.txt")
	require.NoError(t, err)
	ok, err := leaderClient.WriteFile(ctx, "replicated.txt", "from leader")
	require.NoError(t, err)
	require.True(t, ok)

	for id := range servers {
		if string(id) == leaderID {
			continue
		}
		require.Eventually(t, func() bool {
			followerClient := client.New("probe", id, bus, 2*time.Second, zaptest.NewLogger(t))
			content, err := followerClient.ReadFile(ctx, "replicated.txt")
			return err == nil && content == "from leader"
		}, 3*time.Second, 50*time.Millisecond)
	}
}

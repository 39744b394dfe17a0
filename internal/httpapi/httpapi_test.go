package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/varunsly/raftfs/internal/client"
	"github.com/varunsly/raftfs/internal/consensus"
	"github.com/varunsly/raftfs/internal/httpapi"
	"github.com/varunsly/raftfs/internal/server"
	"github.com/varunsly/raftfs/internal/store"
	"github.com/varunsly/raftfs/internal/transport"
	"github.com/varunsly/raftfs/pkg/metrics"
)

func startDebugServer(t *testing.T, addr string) (*server.FileServer, transport.Transport) {
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
	require.Eventually(t, func() bool { return fs.Node().Role() == consensus.Leader }, time.Second, 10*time.Millisecond)

	httpSrv := httpapi.New(addr, fs, logger)
	go httpSrv.Serve()
	t.Cleanup(func() {
		httpSrv.Shutdown()
		fs.Stop()
	})

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	return fs, bus
}

func TestHealthz_ReturnsOK(t *testing.T) {
	startDebugServer(t, "127.0.0.1:18081")

	resp, err := http.Get("http://127.0.0.1:18081/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetrics_ServesPrometheusExposition(t *testing.T) {
	startDebugServer(t, "127.0.0.1:18082")

	resp, err := http.Get("http://127.0.0.1:18082/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatus_ReportsLeaderRoleAndTerm(t *testing.T) {
	startDebugServer(t, "127.0.0.1:18083")

	resp, err := http.Get("http://127.0.0.1:18083/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "solo", body["replica_id"])
	assert.Equal(t, "leader", body["role"])
}

func TestFilesByName_MissingFileReturns404(t *testing.T) {
	startDebugServer(t, "127.0.0.1:18084")

	resp, err := http.Get("http://127.0.0.1:18084/files/nope.txt")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFilesByName_ExistingFileReturnsContent(t *testing.T) {
	_, bus := startDebugServer(t, "127.0.0.1:18085")

	c := client.New("c1", "solo", bus, time.Second, zaptest.NewLogger(t))
	ctx := context.Background()
	_, err := c.CreateFile(ctx, "seen.txt")
	require.NoError(t, err)
	ok, err := c.WriteFile(ctx, "seen.txt", "visible")
	require.NoError(t, err)
	require.True(t, ok)

	resp, err := http.Get("http://127.0.0.1:18085/files/seen.txt")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "seen.txt", body["filename"])
	assert.Equal(t, "visible", body["content"])
}

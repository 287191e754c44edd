package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"clusterd/allocation"
	"clusterd/cluster"
	"clusterd/election"
	"clusterd/gateway"
	"clusterd/master"
)

type testServer struct {
	svc     *master.Service
	gate    *gateway.Gate
	handler http.Handler
}

func newTestServer(t *testing.T, settings gateway.Settings) *testServer {
	t.Helper()
	store := newMemStore("A")
	store.setLease(election.Lease{Holder: "A", RevisionVersionNumber: uuid.New(), Duration: time.Hour})

	registry := prometheus.NewRegistry()
	alloc := allocation.NewAllocator(nil)
	local := loopbackNode("A")
	svc := master.New(master.Config{LocalNode: local, Publisher: store, Metrics: master.NewMetrics(registry)}, cluster.Initial("test", local))
	gate := gateway.NewGate(settings, store, svc, alloc, nil)
	t.Cleanup(gate.Close)
	svc.AddListener(gate)
	runService(t, svc)

	s := &server{
		svc:          svc,
		gate:         gate,
		alloc:        alloc,
		registry:     registry,
		logger:       zap.NewNop(),
		makeUUID:     uuid.New,
		indexTimeout: 5 * time.Second,
	}
	return &testServer{svc: svc, gate: gate, handler: s.routes()}
}

// recoveredMaster makes the local node master and waits for the gate to
// lift the not recovered block.
func (ts *testServer) recoveredMaster(t *testing.T) {
	t.Helper()
	ts.svc.BecomeMaster(nil)
	require.Eventually(t, func() bool { return ts.gate.Phase() == gateway.PhaseRecovered }, 5*time.Second, 10*time.Millisecond)
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_IndexRequestsNeedMaster(t *testing.T) {
	ts := newTestServer(t, gateway.DefaultSettings())

	rec := ts.do(t, http.MethodPut, "/indices/logs", `{"shards": 1}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "is not master")
}

func TestServer_IndexRequestsBlockedUntilRecovered(t *testing.T) {
	settings := gateway.DefaultSettings()
	settings.RecoverAfterDataNodes = 3
	ts := newTestServer(t, settings)
	ts.svc.BecomeMaster(nil)
	require.Eventually(t, ts.svc.IsMaster, 5*time.Second, 10*time.Millisecond)

	rec := ts.do(t, http.MethodPut, "/indices/logs", `{"shards": 1}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "state not recovered")
}

func TestServer_IndexLifecycle(t *testing.T) {
	ts := newTestServer(t, gateway.DefaultSettings())
	ts.recoveredMaster(t)

	rec := ts.do(t, http.MethodPut, "/indices/logs", `{"shards": 2, "replicas": 1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ack acknowledgedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.True(t, ack.Acknowledged)
	assert.Equal(t, ts.svc.State().Version(), ack.Version)

	index, ok := ts.svc.State().Metadata().Index("logs")
	require.True(t, ok)
	assert.Equal(t, 2, index.Shards)
	assert.NotEmpty(t, ts.svc.State().RoutingTable().IndexShards("logs"))

	rec = ts.do(t, http.MethodPut, "/indices/logs", `{"shards": 2}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/indices/logs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, ts.svc.State().RoutingTable().IndexShards("logs"))

	rec = ts.do(t, http.MethodDelete, "/indices/logs", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CreateIndexDefaultsToOneShard(t *testing.T) {
	ts := newTestServer(t, gateway.DefaultSettings())
	ts.recoveredMaster(t)

	rec := ts.do(t, http.MethodPut, "/indices/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	index, ok := ts.svc.State().Metadata().Index("metrics")
	require.True(t, ok)
	assert.Equal(t, 1, index.Shards)
}

func TestServer_CreateIndexRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t, gateway.DefaultSettings())
	ts.recoveredMaster(t)

	for _, body := range []string{`{"shards": 0}`, `{"shards": 1, "replicas": -1}`, `not json`} {
		rec := ts.do(t, http.MethodPut, "/indices/logs", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	_, ok := ts.svc.State().Metadata().Index("logs")
	assert.False(t, ok)
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t, gateway.DefaultSettings())

	rec := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "test", health.ClusterName)
	assert.Equal(t, "A", health.NodeID)
	assert.False(t, health.LocalNodeMaster)
	assert.Equal(t, "not_recovered", health.Recovery)
	assert.Len(t, health.Blocks, 1)

	ts.recoveredMaster(t)
	rec = ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	health = HealthResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.True(t, health.LocalNodeMaster)
	assert.Equal(t, "A", health.MasterNode)
	assert.Equal(t, 1, health.Nodes)
	assert.Equal(t, "recovered", health.Recovery)
	assert.Empty(t, health.Blocks)
}

func TestServer_StateAndPendingTasks(t *testing.T) {
	ts := newTestServer(t, gateway.DefaultSettings())
	ts.recoveredMaster(t)

	rec := ts.do(t, http.MethodGet, "/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state cluster.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.True(t, state.SameContent(ts.svc.State()))

	rec = ts.do(t, http.MethodGet, "/pending_tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tasks": []}`, rec.Body.String())
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t, gateway.DefaultSettings())
	ts.recoveredMaster(t)

	rec := ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "clusterd_master_publications_total")
	assert.Contains(t, rec.Body.String(), "clusterd_cluster_state_version")
}

func TestStatusForError(t *testing.T) {
	blocked := cluster.EmptyBlocks().WithGlobalBlock(cluster.StateNotRecoveredBlock).GlobalBlockedError(cluster.LevelWrite)
	tests := []struct {
		err  error
		want int
	}{
		{blocked, http.StatusServiceUnavailable},
		{errIndexExists, http.StatusConflict},
		{errIndexNotFound, http.StatusNotFound},
		{errInvalidIndex, http.StatusBadRequest},
		{master.ErrTimeout, http.StatusGatewayTimeout},
		{master.ErrNoLongerMaster, http.StatusServiceUnavailable},
		{master.ErrCommitFailed, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForError(tt.err), tt.err.Error())
	}
}

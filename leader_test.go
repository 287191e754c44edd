package main

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"clusterd/allocation"
	"clusterd/cluster"
	"clusterd/election"
	"clusterd/gateway"
	"clusterd/master"
	"clusterd/membership"
)

func loopbackNode(id string) cluster.Node {
	return cluster.Node{ID: id, Name: id, Address: "127.0.0.1:9300", Roles: []cluster.Role{cluster.RoleMaster, cluster.RoleData}}
}

func testConfig(id string) config {
	conf := defaultConfig()
	conf.ClusterName = "test"
	conf.NodeID = id
	conf.NodeName = id
	conf.NodeAddress = "127.0.0.1:9300"
	conf.WakeupPort = 1
	return conf
}

func runService(t *testing.T, svc *master.Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func newTestLeader(t *testing.T, store *memStore, conf config) *leader {
	t.Helper()
	elector, err := election.New(conf.NodeID, 10*time.Second, nil)
	require.NoError(t, err)
	wakeup := NewWakeupManager(conf.WakeupPort, conf.ClusterName, conf.NodeID, zap.NewNop())
	alloc := allocation.NewAllocator(nil)

	svc := master.New(master.Config{
		LocalNode: conf.local(),
		Publisher: &leasePublisher{store: store, elector: elector, wakeup: wakeup},
	}, cluster.Initial(conf.ClusterName, conf.local()))

	return &leader{
		conf:     conf,
		store:    store,
		svc:      svc,
		elector:  elector,
		joiner:   membership.NewJoiner(alloc, nil),
		remover:  membership.NewRemover(alloc, nil),
		logger:   zap.NewNop(),
		inflight: map[string]bool{},
	}
}

func writeHeartbeatFor(t *testing.T, store *memStore, id string) {
	t.Helper()
	require.NoError(t, store.WriteNodeHeartbeat(context.Background(), NodeHeartbeat{Node: loopbackNode(id), Sequence: uuid.New()}))
}

func publishedHas(store *memStore, id string) bool {
	state := store.publishedState()
	return state != nil && state.Nodes().Exists(id)
}

func TestLeader_BecomesMasterAndPublishes(t *testing.T) {
	store := newMemStore("A")
	l := newTestLeader(t, store, testConfig("A"))
	runService(t, l.svc)

	l.tick(context.Background())
	assert.True(t, l.svc.IsMaster())
	assert.Eventually(t, func() bool {
		state := store.publishedState()
		return state != nil && state.Nodes().MasterID() == "A"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLeader_JoinsAndRemovesNodes(t *testing.T) {
	store := newMemStore("A")
	l := newTestLeader(t, store, testConfig("A"))
	runService(t, l.svc)
	ctx := context.Background()

	assert.Eventually(t, func() bool {
		writeHeartbeatFor(t, store, "B")
		l.tick(ctx)
		return publishedHas(store, "B")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, store.RemoveNodeHeartbeat(ctx, "B"))
	assert.Eventually(t, func() bool {
		l.tick(ctx)
		return !publishedHas(store, "B")
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, publishedHas(store, "A"))
}

func TestLeader_ExpiredNodeIsRemovedAndHeartbeatDeleted(t *testing.T) {
	store := newMemStore("A")
	conf := testConfig("A")
	conf.NodeTimeout = 50 * time.Millisecond
	l := newTestLeader(t, store, conf)
	runService(t, l.svc)
	ctx := context.Background()

	assert.Eventually(t, func() bool {
		writeHeartbeatFor(t, store, "B")
		l.tick(ctx)
		return publishedHas(store, "B")
	}, 5*time.Second, 10*time.Millisecond)

	// B stops heartbeating.
	assert.Eventually(t, func() bool {
		l.tick(ctx)
		return !publishedHas(store, "B") && !store.hasHeartbeat("B")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLeader_StepsDownWhenLeaseTaken(t *testing.T) {
	store := newMemStore("A")
	l := newTestLeader(t, store, testConfig("A"))
	runService(t, l.svc)

	l.tick(context.Background())
	require.True(t, l.svc.IsMaster())

	store.setLease(election.Lease{Holder: "C", RevisionVersionNumber: uuid.New(), Duration: 10 * time.Second})
	l.tick(context.Background())
	assert.False(t, l.svc.IsMaster())
}

func TestLeader_AdoptsPublishedStateAndRecovers(t *testing.T) {
	store := newMemStore("A")
	conf := testConfig("A")
	l := newTestLeader(t, store, conf)

	persisted := cluster.Initial("test", loopbackNode("old")).Builder().
		Metadata(cluster.EmptyMetadata().
			WithClusterUUID("cluster-uuid").
			WithIndex(cluster.IndexMetadata{Name: "logs", UUID: "logs-uuid", Shards: 2})).
		Version(12).
		Build()
	require.NoError(t, store.WriteMetadata(context.Background(), persisted))
	require.NoError(t, store.ResetPublishedState(context.Background(), resetState("test", persisted, uuid.New)))

	gate := gateway.NewGate(gateway.DefaultSettings(), store, l.svc, allocation.NewAllocator(nil), nil)
	t.Cleanup(gate.Close)
	l.svc.AddListener(gate)
	runService(t, l.svc)

	l.tick(context.Background())
	assert.Eventually(t, func() bool { return gate.Phase() == gateway.PhaseRecovered }, 5*time.Second, 10*time.Millisecond)

	state := store.publishedState()
	require.NotNil(t, state)
	assert.Greater(t, state.Version(), int64(13))
	assert.False(t, state.Blocks().HasGlobalBlock(cluster.StateNotRecoveredBlock.ID))
	assert.Equal(t, "cluster-uuid", state.Metadata().ClusterUUID())
	assert.Len(t, state.RoutingTable().IndexShards("logs"), 2)
	assert.Empty(t, state.RoutingTable().Unassigned())
}

func TestLeasePublisher_RequiresValidLease(t *testing.T) {
	store := newMemStore("A")
	elector, err := election.New("A", 10*time.Second, nil)
	require.NoError(t, err)
	p := &leasePublisher{store: store, elector: elector, wakeup: NewWakeupManager(1, "test", "A", zap.NewNop())}

	state := cluster.Initial("test", loopbackNode("A"))
	err = p.Publish(context.Background(), state, state.Builder().Version(1).Build())
	assert.ErrorIs(t, err, master.ErrNotMaster)
	assert.Nil(t, store.publishedState())
}

func TestApplyPublishedState(t *testing.T) {
	store := newMemStore("B")
	svc := master.New(master.Config{LocalNode: loopbackNode("A"), Publisher: store}, cluster.Initial("test", loopbackNode("A")))

	require.NoError(t, applyPublishedState(context.Background(), store, svc, zap.NewNop()))
	assert.Equal(t, int64(0), svc.State().Version(), "nothing published yet")

	published := testState("B", "A").Builder().Version(5).Build()
	require.NoError(t, store.ResetPublishedState(context.Background(), published))
	require.NoError(t, applyPublishedState(context.Background(), store, svc, zap.NewNop()))
	assert.Same(t, published, svc.State())
}

func TestResetCluster(t *testing.T) {
	store := newMemStore("A")
	conf := testConfig("A")
	require.NoError(t, store.ResetPublishedState(context.Background(), testState("A", "B").Builder().Version(7).Build()))

	require.NoError(t, resetCluster(context.Background(), store, conf, zap.NewNop()))
	state := store.publishedState()
	assert.Equal(t, int64(8), state.Version())
	assert.Equal(t, 0, state.Nodes().Len())
	assert.True(t, state.Blocks().HasGlobalBlock(cluster.StateNotRecoveredBlock.ID))
}

package membership

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterd/allocation"
	"clusterd/cluster"
	"clusterd/master"
)

func node(id string) cluster.Node {
	return cluster.Node{ID: id, Name: id, Address: id + ":9300", Roles: []cluster.Role{cluster.RoleMaster, cluster.RoleData}}
}

func stateWithNodes(ids ...string) *cluster.State {
	nb := cluster.NewNodesBuilder()
	for _, id := range ids {
		nb.Add(node(id))
	}
	return cluster.Initial("test", node(ids[0])).Builder().Nodes(nb.Build()).Build()
}

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, prev, next *cluster.State) error {
	return nil
}

func runningService(t *testing.T, local string, initial *cluster.State, submit func(svc *master.Service)) *master.Service {
	t.Helper()
	svc := master.New(master.Config{LocalNode: node(local), Publisher: nopPublisher{}}, initial)
	svc.BecomeMaster(nil)
	submit(svc)

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
	return svc
}

func await(t *testing.T, ch <-chan master.Result) master.Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task result")
		return master.Result{}
	}
}

func TestRemover_RemovesNodesInOneBatch(t *testing.T) {
	remover := NewRemover(allocation.NewAllocator(nil), nil)
	var removed atomic.Int32
	var chA, chB <-chan master.Result

	svc := runningService(t, "C", stateWithNodes("A", "B", "C"), func(svc *master.Service) {
		chA = remover.Submit(svc, node("A"), "disconnected", func() { removed.Add(1) })
		chB = remover.Submit(svc, node("B"), "disconnected", func() { removed.Add(1) })
	})

	ra, rb := await(t, chA), await(t, chB)
	require.Equal(t, master.OutcomeSuccess, ra.Outcome)
	require.Equal(t, master.OutcomeSuccess, rb.Outcome)
	assert.Same(t, ra.State, rb.State, "both removals are applied by one batch")

	nodes := svc.State().Nodes()
	assert.Equal(t, 1, nodes.Len())
	assert.True(t, nodes.Exists("C"))
	assert.Eventually(t, func() bool { return removed.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestRemover_AbsentNodeIsNoOp(t *testing.T) {
	remover := NewRemover(allocation.NewAllocator(nil), nil)
	state := stateWithNodes("A", "B")

	res, err := remover.Execute(state, []master.Task{{Source: "node-left", Payload: RemovalTask{Node: node("Z"), Reason: "gone"}}})
	require.NoError(t, err)
	assert.Same(t, state, res.State)
	assert.Empty(t, res.Failures)
}

func TestRemover_SecondRemovalSucceedsWithoutChange(t *testing.T) {
	remover := NewRemover(allocation.NewAllocator(nil), nil)
	var removed atomic.Int32

	svc := runningService(t, "B", stateWithNodes("A", "B"), func(*master.Service) {})
	first := await(t, remover.Submit(svc, node("A"), "disconnected", func() { removed.Add(1) }))
	second := await(t, remover.Submit(svc, node("A"), "disconnected", func() { removed.Add(1) }))

	require.Equal(t, master.OutcomeSuccess, first.Outcome)
	require.Equal(t, master.OutcomeSuccess, second.Outcome)
	assert.Same(t, second.Previous, second.State)
	assert.Same(t, first.State, second.State)
	assert.Eventually(t, func() bool { return removed.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestRemover_DisassociatesPersistentTasksAndPromotesReplicas(t *testing.T) {
	remover := NewRemover(allocation.NewAllocator(nil), nil)
	base := stateWithNodes("A", "B")
	state := base.Builder().
		Metadata(base.Metadata().
			WithIndex(cluster.IndexMetadata{Name: "logs", Shards: 1, Replicas: 1}).
			WithPersistentTask(cluster.PersistentTask{ID: "t1", Name: "rollup", AssignedNode: "A"})).
		RoutingTable(cluster.NewRoutingTable([]cluster.ShardRouting{
			{Index: "logs", Shard: 0, Primary: true, NodeID: "A", State: cluster.ShardStarted},
			{Index: "logs", Shard: 0, NodeID: "B", State: cluster.ShardStarted},
		})).
		Build()

	res, err := remover.Execute(state, []master.Task{{Source: "node-left", Payload: RemovalTask{Node: node("A"), Reason: "disconnected"}}})
	require.NoError(t, err)

	next := res.State
	assert.False(t, next.Nodes().Exists("A"))
	task, ok := next.Metadata().PersistentTask("t1")
	require.True(t, ok)
	assert.Equal(t, "", task.AssignedNode)

	shards := next.RoutingTable().IndexShards("logs")
	require.Len(t, shards, 2)
	assert.True(t, shards[0].Primary)
	assert.Equal(t, "B", shards[0].NodeID)
	assert.False(t, shards[1].Assigned(), "no other data node can hold the replica")
}

func TestRemover_BadPayloadFailsOnlyThatTask(t *testing.T) {
	remover := NewRemover(allocation.NewAllocator(nil), nil)
	state := stateWithNodes("A", "B")

	res, err := remover.Execute(state, []master.Task{
		{Source: "node-left", Payload: "A"},
		{Source: "node-left", Payload: RemovalTask{Node: node("A")}},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Failures, 0)
	assert.NotContains(t, res.Failures, 1)
	assert.False(t, res.State.Nodes().Exists("A"))
}

func TestRemover_NotMasterDoesNotCallback(t *testing.T) {
	remover := NewRemover(allocation.NewAllocator(nil), nil)
	svc := master.New(master.Config{LocalNode: node("A"), Publisher: nopPublisher{}}, stateWithNodes("A", "B"))

	var removed atomic.Int32
	res := await(t, remover.Submit(svc, node("B"), "disconnected", func() { removed.Add(1) }))
	assert.Equal(t, master.OutcomeNoLongerMaster, res.Outcome)
	assert.Equal(t, int32(0), removed.Load())
}

func TestJoiner_AddsAndReroutes(t *testing.T) {
	joiner := NewJoiner(allocation.NewAllocator(nil), nil)
	base := stateWithNodes("A")
	state := base.Builder().
		Metadata(base.Metadata().
			WithIndex(cluster.IndexMetadata{Name: "logs", Shards: 1, Replicas: 1}).
			WithPersistentTask(cluster.PersistentTask{ID: "t1"})).
		Build()

	res, err := joiner.Execute(state, []master.Task{{Source: "node-join", Payload: JoinTask{Node: node("B")}}})
	require.NoError(t, err)

	next := res.State
	assert.True(t, next.Nodes().Exists("B"))
	assert.Empty(t, next.RoutingTable().Unassigned())
	task, _ := next.Metadata().PersistentTask("t1")
	assert.NotEmpty(t, task.AssignedNode)
}

func TestJoiner_KnownNodeIsNoOp(t *testing.T) {
	joiner := NewJoiner(allocation.NewAllocator(nil), nil)
	state := stateWithNodes("A", "B")

	res, err := joiner.Execute(state, []master.Task{{Source: "node-join", Payload: JoinTask{Node: node("B")}}})
	require.NoError(t, err)
	assert.Same(t, state, res.State)

	moved := node("B")
	moved.Address = "10.0.0.2:9300"
	res, err = joiner.Execute(state, []master.Task{{Source: "node-join", Payload: JoinTask{Node: moved}}})
	require.NoError(t, err)
	got, _ := res.State.Nodes().Get("B")
	assert.Equal(t, "10.0.0.2:9300", got.Address)
}

func TestRemover_OnlyMembersAreRemoved(t *testing.T) {
	remover := NewRemover(allocation.NewAllocator(nil), nil)
	var removed atomic.Int32
	var chA, chB <-chan master.Result

	svc := runningService(t, "C", stateWithNodes("A", "C", "D"), func(svc *master.Service) {
		chA = remover.Submit(svc, node("A"), "disconnected", func() { removed.Add(1) })
		chB = remover.Submit(svc, node("B"), "disconnected", func() { removed.Add(1) })
	})

	assert.Equal(t, master.OutcomeSuccess, await(t, chA).Outcome)
	assert.Equal(t, master.OutcomeSuccess, await(t, chB).Outcome)

	nodes := svc.State().Nodes()
	assert.False(t, nodes.Exists("A"))
	assert.True(t, nodes.Exists("C"))
	assert.True(t, nodes.Exists("D"))
	assert.Eventually(t, func() bool { return removed.Load() == 2 }, time.Second, 5*time.Millisecond)
}

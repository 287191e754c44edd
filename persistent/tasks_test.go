package persistent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"clusterd/cluster"
)

func testState(nodeIDs []string, tasks ...cluster.PersistentTask) *cluster.State {
	nb := cluster.NewNodesBuilder()
	for _, id := range nodeIDs {
		nb.Add(cluster.Node{ID: id, Name: id, Roles: []cluster.Role{cluster.RoleData}})
	}
	metadata := cluster.EmptyMetadata()
	for _, task := range tasks {
		metadata = metadata.WithPersistentTask(task)
	}
	return cluster.Initial("test", cluster.Node{ID: nodeIDs[0]}).Builder().Nodes(nb.Build()).Metadata(metadata).Build()
}

func TestDisassociateDeadNodes(t *testing.T) {
	state := testState([]string{"B"},
		cluster.PersistentTask{ID: "t1", Name: "rollup", AssignedNode: "A"},
		cluster.PersistentTask{ID: "t2", Name: "ml", AssignedNode: "B"},
	)

	next := DisassociateDeadNodes(state)
	t1, _ := next.Metadata().PersistentTask("t1")
	t2, _ := next.Metadata().PersistentTask("t2")
	assert.Equal(t, "", t1.AssignedNode)
	assert.Equal(t, "B", t2.AssignedNode)
}

func TestDisassociateDeadNodes_Unchanged(t *testing.T) {
	state := testState([]string{"A"}, cluster.PersistentTask{ID: "t1", AssignedNode: "A"})
	assert.Same(t, state, DisassociateDeadNodes(state))
}

func TestAssignUnassigned(t *testing.T) {
	state := testState([]string{"A", "B"},
		cluster.PersistentTask{ID: "t1", AssignedNode: "A"},
		cluster.PersistentTask{ID: "t2"},
		cluster.PersistentTask{ID: "t3"},
	)

	next := AssignUnassigned(state)
	t2, _ := next.Metadata().PersistentTask("t2")
	t3, _ := next.Metadata().PersistentTask("t3")
	assert.Equal(t, "B", t2.AssignedNode)
	assert.Equal(t, "A", t3.AssignedNode)

	assert.Same(t, next, AssignUnassigned(next))
}

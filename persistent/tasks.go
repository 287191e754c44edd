// Package persistent manages the node assignment of persistent tasks kept in
// the cluster metadata.
package persistent

import (
	"clusterd/cluster"
)

// DisassociateDeadNodes unassigns every persistent task whose node is no
// longer in the cluster. The input state is returned when nothing changes.
func DisassociateDeadNodes(state *cluster.State) *cluster.State {
	nodes := state.Nodes()
	metadata := state.Metadata()
	for _, task := range metadata.PersistentTasks() {
		if task.AssignedNode == "" || nodes.Exists(task.AssignedNode) {
			continue
		}
		task.AssignedNode = ""
		metadata = metadata.WithPersistentTask(task)
	}
	if metadata == state.Metadata() {
		return state
	}
	return state.Builder().Metadata(metadata).Build()
}

// AssignUnassigned places every unassigned task on the data node running the
// fewest tasks. The input state is returned when nothing changes.
func AssignUnassigned(state *cluster.State) *cluster.State {
	dataNodes := state.Nodes().DataNodes()
	if len(dataNodes) == 0 {
		return state
	}

	metadata := state.Metadata()
	load := map[string]int{}
	for _, task := range metadata.PersistentTasks() {
		if task.AssignedNode != "" {
			load[task.AssignedNode]++
		}
	}

	for _, task := range metadata.PersistentTasks() {
		if task.AssignedNode != "" {
			continue
		}
		target := dataNodes[0].ID
		for _, node := range dataNodes[1:] {
			if load[node.ID] < load[target] {
				target = node.ID
			}
		}
		task.AssignedNode = target
		load[target]++
		metadata = metadata.WithPersistentTask(task)
	}
	if metadata == state.Metadata() {
		return state
	}
	return state.Builder().Metadata(metadata).Build()
}

package main

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"clusterd/cluster"
)

// observedHeartbeat is a heartbeat sequence together with when the master
// first saw it. seen keeps time.Now's monotonic reading, so node clocks
// never matter.
type observedHeartbeat struct {
	sequence uuid.UUID
	seen     time.Time
}

type nodeRemoval struct {
	node   cluster.Node
	reason string
}

type membershipChanges struct {
	observed map[string]observedHeartbeat
	joins    []cluster.Node
	removals []nodeRemoval
}

const (
	reasonHeartbeatExpired = "node heartbeat expired"
	reasonNodeLeft         = "node left"
)

// computeMembershipChanges compares the heartbeats in the store with the
// nodes of state. A node joins once its sequence has been seen to change,
// and is removed when its sequence has not changed for longer than timeout
// or its heartbeat is gone. The local node is never touched.
func computeMembershipChanges(
	prev map[string]observedHeartbeat,
	heartbeats []NodeHeartbeat,
	state *cluster.State,
	localNodeID string,
	timeout time.Duration,
	now time.Time,
) membershipChanges {
	nodes := state.Nodes()
	changes := membershipChanges{observed: make(map[string]observedHeartbeat, len(heartbeats))}

	live := make(map[string]bool, len(heartbeats))
	for _, hb := range heartbeats {
		id := hb.Node.ID
		live[id] = true

		o := observedHeartbeat{sequence: hb.Sequence, seen: now}
		last, seenBefore := prev[id]
		if seenBefore && last.sequence == hb.Sequence {
			o.seen = last.seen
		}
		changes.observed[id] = o

		if id == localNodeID {
			continue
		}

		if now.Sub(o.seen) > timeout {
			if node, ok := nodes.Get(id); ok {
				changes.removals = append(changes.removals, nodeRemoval{node: node, reason: reasonHeartbeatExpired})
			}
			continue
		}

		existing, member := nodes.Get(id)
		if member && existing.Equal(hb.Node) {
			continue
		}
		// A heartbeat left behind by a dead node must not make it join.
		if !member && (!seenBefore || last.sequence == hb.Sequence) {
			continue
		}
		changes.joins = append(changes.joins, hb.Node)
	}

	for _, node := range nodes.All() {
		if node.ID != localNodeID && !live[node.ID] {
			changes.removals = append(changes.removals, nodeRemoval{node: node, reason: reasonNodeLeft})
		}
	}

	slices.SortFunc(changes.joins, func(a, b cluster.Node) int { return strings.Compare(a.ID, b.ID) })
	slices.SortFunc(changes.removals, func(a, b nodeRemoval) int { return strings.Compare(a.node.ID, b.node.ID) })
	return changes
}

// hasUnassignedPersistentTasks reports whether a persistent task is waiting
// for a node and at least one data node could take it.
func hasUnassignedPersistentTasks(state *cluster.State) bool {
	if len(state.Nodes().DataNodes()) == 0 {
		return false
	}
	for _, task := range state.Metadata().PersistentTasks() {
		if task.AssignedNode == "" {
			return true
		}
	}
	return false
}

// resetState is the state the reset command publishes: the next version of
// current with no nodes, no master, empty metadata and routing, and the
// not-recovered block.
func resetState(clusterName string, current *cluster.State, makeUUID func() uuid.UUID) *cluster.State {
	var version int64
	if current != nil {
		version = current.Version()
	}
	return cluster.Initial(clusterName, cluster.Node{}).Builder().
		Nodes(cluster.EmptyNodes()).
		Version(version + 1).
		StateUUID(makeUUID()).
		Build()
}

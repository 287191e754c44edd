// Package allocation decides which data node holds each shard copy.
package allocation

import (
	"go.uber.org/zap"

	"clusterd/cluster"
)

// Service computes routing changes. Both methods return the input state
// pointer when the routing does not change.
type Service interface {
	// Reroute brings the routing table in line with the metadata and assigns
	// unassigned copies.
	Reroute(state *cluster.State, reason string) *cluster.State

	// DisassociateDeadNodes unassigns copies held by nodes that are no
	// longer part of the cluster, promoting a started replica wherever a
	// primary was lost, and optionally reroutes.
	DisassociateDeadNodes(state *cluster.State, reroute bool, reason string) *cluster.State
}

// Allocator balances copies by count: each unassigned copy goes to the data
// node holding the fewest copies that does not already hold a copy of the
// same shard. Replicas are only assigned once their primary is.
type Allocator struct {
	logger *zap.Logger
}

func NewAllocator(logger *zap.Logger) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{logger: logger}
}

type shardKey struct {
	index string
	shard int
}

func keyOf(s cluster.ShardRouting) shardKey {
	return shardKey{index: s.Index, shard: s.Shard}
}

func (a *Allocator) Reroute(state *cluster.State, reason string) *cluster.State {
	shards := reconcileWithMetadata(state.Metadata(), state.RoutingTable().Shards())
	shards = assignUnassigned(state.Nodes(), shards)
	return a.withRouting(state, shards, reason)
}

func (a *Allocator) DisassociateDeadNodes(state *cluster.State, reroute bool, reason string) *cluster.State {
	nodes := state.Nodes()
	shards := state.RoutingTable().Shards()

	lostPrimaries := map[shardKey]bool{}
	for i, s := range shards {
		if !s.Assigned() || nodes.Exists(s.NodeID) {
			continue
		}
		if s.Primary {
			lostPrimaries[keyOf(s)] = true
		}
		shards[i] = s.Unassign()
	}

	for key := range lostPrimaries {
		promoted := false
		for i, s := range shards {
			if !promoted && !s.Primary && s.State == cluster.ShardStarted && keyOf(s) == key {
				shards[i].Primary = true
				promoted = true
				a.logger.Debug("promoted replica to primary",
					zap.String("index", s.Index),
					zap.Int("shard", s.Shard),
					zap.String("node", s.NodeID))
			}
		}
		if !promoted {
			continue
		}
		// The lost primary's slot becomes an unassigned replica.
		for i, s := range shards {
			if s.Primary && !s.Assigned() && keyOf(s) == key {
				shards[i].Primary = false
				break
			}
		}
	}

	state = a.withRouting(state, shards, reason)
	if reroute {
		return a.Reroute(state, reason)
	}
	return state
}

func (a *Allocator) withRouting(state *cluster.State, shards []cluster.ShardRouting, reason string) *cluster.State {
	routing := cluster.NewRoutingTable(shards)
	if routing.Equal(state.RoutingTable()) {
		return state
	}
	a.logger.Debug("routing table changed",
		zap.String("reason", reason),
		zap.Int("shards", routing.Len()),
		zap.Int("unassigned", len(routing.Unassigned())))
	return state.Builder().RoutingTable(routing).Build()
}

// reconcileWithMetadata drops copies of indices that no longer exist and adds
// unassigned copies until every shard has one primary and the configured
// number of replicas.
func reconcileWithMetadata(metadata *cluster.Metadata, shards []cluster.ShardRouting) []cluster.ShardRouting {
	type copies struct {
		primary  bool
		replicas int
	}
	existing := map[shardKey]*copies{}
	var kept []cluster.ShardRouting
	for _, s := range shards {
		index, ok := metadata.Index(s.Index)
		if !ok || s.Shard >= index.Shards {
			continue
		}
		c := existing[keyOf(s)]
		if c == nil {
			c = &copies{}
			existing[keyOf(s)] = c
		}
		switch {
		case s.Primary && !c.primary:
			c.primary = true
		case !s.Primary && c.replicas < index.Replicas:
			c.replicas++
		default:
			continue
		}
		kept = append(kept, s)
	}

	for _, index := range metadata.Indices() {
		for shard := range index.Shards {
			c := existing[shardKey{index: index.Name, shard: shard}]
			if c == nil {
				c = &copies{}
			}
			if !c.primary {
				kept = append(kept, cluster.ShardRouting{Index: index.Name, Shard: shard, Primary: true, State: cluster.ShardUnassigned})
			}
			for range index.Replicas - c.replicas {
				kept = append(kept, cluster.ShardRouting{Index: index.Name, Shard: shard, State: cluster.ShardUnassigned})
			}
		}
	}
	return kept
}

func assignUnassigned(nodes *cluster.Nodes, shards []cluster.ShardRouting) []cluster.ShardRouting {
	dataNodes := nodes.DataNodes()
	if len(dataNodes) == 0 {
		return shards
	}

	// Primaries sort before replicas of the same shard, so one ordered pass
	// assigns a primary before considering its replicas.
	shards = cluster.NewRoutingTable(shards).Shards()

	load := map[string]int{}
	holders := map[shardKey]map[string]bool{}
	primaryAssigned := map[shardKey]bool{}
	for _, s := range shards {
		if !s.Assigned() {
			continue
		}
		load[s.NodeID]++
		if holders[keyOf(s)] == nil {
			holders[keyOf(s)] = map[string]bool{}
		}
		holders[keyOf(s)][s.NodeID] = true
		if s.Primary {
			primaryAssigned[keyOf(s)] = true
		}
	}

	for i, s := range shards {
		if s.Assigned() {
			continue
		}
		key := keyOf(s)
		if !s.Primary && !primaryAssigned[key] {
			continue
		}

		target := ""
		for _, node := range dataNodes {
			if holders[key][node.ID] {
				continue
			}
			if target == "" || load[node.ID] < load[target] {
				target = node.ID
			}
		}
		if target == "" {
			continue
		}

		shards[i].NodeID = target
		shards[i].State = cluster.ShardStarted
		load[target]++
		if holders[key] == nil {
			holders[key] = map[string]bool{}
		}
		holders[key][target] = true
		if s.Primary {
			primaryAssigned[key] = true
		}
	}
	return shards
}

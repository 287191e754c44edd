package cluster

import (
	"cmp"
	"slices"
	"strings"
)

type ShardState string

const (
	ShardUnassigned ShardState = "UNASSIGNED"
	ShardStarted    ShardState = "STARTED"
)

// ShardRouting is one copy of a shard. NodeID is "" while unassigned.
type ShardRouting struct {
	Index   string     `json:"index"`
	Shard   int        `json:"shard"`
	Primary bool       `json:"primary"`
	NodeID  string     `json:"node_id,omitempty"`
	State   ShardState `json:"state"`
}

func (s ShardRouting) Assigned() bool {
	return s.NodeID != ""
}

// Unassign returns the copy detached from its node.
func (s ShardRouting) Unassign() ShardRouting {
	s.NodeID = ""
	s.State = ShardUnassigned
	return s
}

func compareShards(a, b ShardRouting) int {
	if c := strings.Compare(a.Index, b.Index); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Shard, b.Shard); c != 0 {
		return c
	}
	// Primaries first.
	if a.Primary != b.Primary {
		if a.Primary {
			return -1
		}
		return 1
	}
	return strings.Compare(a.NodeID, b.NodeID)
}

// RoutingTable is the immutable list of shard copies, ordered by index,
// shard and primary-first.
type RoutingTable struct {
	shards []ShardRouting
}

func EmptyRoutingTable() *RoutingTable {
	return &RoutingTable{}
}

// NewRoutingTable copies and orders the given shards.
func NewRoutingTable(shards []ShardRouting) *RoutingTable {
	sorted := slices.Clone(shards)
	slices.SortStableFunc(sorted, compareShards)
	return &RoutingTable{shards: sorted}
}

// Shards returns a copy of every shard copy.
func (r *RoutingTable) Shards() []ShardRouting {
	return slices.Clone(r.shards)
}

func (r *RoutingTable) Len() int {
	return len(r.shards)
}

// IndexShards returns the copies belonging to the index.
func (r *RoutingTable) IndexShards(index string) []ShardRouting {
	var shards []ShardRouting
	for _, shard := range r.shards {
		if shard.Index == index {
			shards = append(shards, shard)
		}
	}
	return shards
}

// NodeShards returns the copies assigned to the node.
func (r *RoutingTable) NodeShards(nodeID string) []ShardRouting {
	var shards []ShardRouting
	for _, shard := range r.shards {
		if shard.NodeID == nodeID {
			shards = append(shards, shard)
		}
	}
	return shards
}

func (r *RoutingTable) Unassigned() []ShardRouting {
	var shards []ShardRouting
	for _, shard := range r.shards {
		if !shard.Assigned() {
			shards = append(shards, shard)
		}
	}
	return shards
}

func (r *RoutingTable) Equal(o *RoutingTable) bool {
	if r == o {
		return true
	}
	return slices.Equal(r.shards, o.shards)
}

// Package cluster holds the immutable cluster state snapshot and its parts:
// the membership table, metadata, blocks and routing.
package cluster

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// State is an immutable, versioned snapshot of the cluster. Once a version
// has been published its content never changes; new states are produced
// with a Builder and share unchanged parts with their predecessor.
type State struct {
	clusterName string
	version     int64
	stateUUID   uuid.UUID

	nodes    *Nodes
	metadata *Metadata
	blocks   *Blocks
	routing  *RoutingTable
}

// Initial returns the state a node boots with: only the local node, no
// master, and the not-recovered block.
func Initial(clusterName string, local Node) *State {
	return &State{
		clusterName: clusterName,
		stateUUID:   uuid.New(),
		nodes:       NewNodesBuilder().Add(local).Build(),
		metadata:    EmptyMetadata(),
		blocks:      EmptyBlocks().WithGlobalBlock(StateNotRecoveredBlock),
		routing:     EmptyRoutingTable(),
	}
}

func (s *State) ClusterName() string { return s.clusterName }
func (s *State) Version() int64 { return s.version }
func (s *State) StateUUID() uuid.UUID { return s.stateUUID }
func (s *State) Nodes() *Nodes { return s.nodes }
func (s *State) Metadata() *Metadata { return s.metadata }
func (s *State) Blocks() *Blocks { return s.blocks }
func (s *State) RoutingTable() *RoutingTable { return s.routing }

// SameContent reports whether both states hold the same cluster name,
// nodes, metadata, blocks and routing. Version and state UUID are ignored.
func (s *State) SameContent(o *State) bool {
	if s == o {
		return true
	}
	if s == nil || o == nil {
		return false
	}
	return s.clusterName == o.clusterName &&
		s.nodes.Equal(o.nodes) &&
		s.metadata.Equal(o.metadata) &&
		s.blocks.Equal(o.blocks) &&
		s.routing.Equal(o.routing)
}

func (s *State) String() string {
	return fmt.Sprintf("cluster [%s] version [%d] uuid [%s] master [%s] nodes [%d] indices [%d]",
		s.clusterName, s.version, s.stateUUID, s.nodes.MasterID(), s.nodes.Len(), len(s.metadata.indices))
}

// Builder starts a new state layered on top of s.
func (s *State) Builder() *Builder {
	return &Builder{next: *s}
}

// Builder produces a new State. Parts not set are shared with the state the
// builder was created from.
type Builder struct {
	next State
}

func (b *Builder) Nodes(nodes *Nodes) *Builder {
	b.next.nodes = nodes
	return b
}

func (b *Builder) Metadata(metadata *Metadata) *Builder {
	b.next.metadata = metadata
	return b
}

func (b *Builder) Blocks(blocks *Blocks) *Builder {
	b.next.blocks = blocks
	return b
}

func (b *Builder) RoutingTable(routing *RoutingTable) *Builder {
	b.next.routing = routing
	return b
}

func (b *Builder) Version(version int64) *Builder {
	b.next.version = version
	return b
}

func (b *Builder) StateUUID(stateUUID uuid.UUID) *Builder {
	b.next.stateUUID = stateUUID
	return b
}

func (b *Builder) Build() *State {
	next := b.next
	return &next
}

type stateJSON struct {
	ClusterName     string           `json:"cluster_name"`
	Version         int64            `json:"version"`
	StateUUID       uuid.UUID        `json:"state_uuid"`
	MasterNode      string           `json:"master_node,omitempty"`
	Nodes           []Node           `json:"nodes"`
	ClusterUUID     string           `json:"cluster_uuid,omitempty"`
	Indices         []IndexMetadata  `json:"indices"`
	PersistentTasks []PersistentTask `json:"persistent_tasks,omitempty"`
	Blocks          []Block          `json:"blocks,omitempty"`
	Routing         []ShardRouting   `json:"routing,omitempty"`
}

func (s *State) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateJSON{
		ClusterName:     s.clusterName,
		Version:         s.version,
		StateUUID:       s.stateUUID,
		MasterNode:      s.nodes.MasterID(),
		Nodes:           s.nodes.All(),
		ClusterUUID:     s.metadata.ClusterUUID(),
		Indices:         s.metadata.Indices(),
		PersistentTasks: s.metadata.PersistentTasks(),
		Blocks:          s.blocks.Global(),
		Routing:         s.routing.Shards(),
	})
}

func (s *State) UnmarshalJSON(data []byte) error {
	var raw stateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to unmarshal cluster state: %w", err)
	}

	nodes := NewNodesBuilder()
	for _, node := range raw.Nodes {
		nodes.Add(node)
	}
	nodes.MasterID(raw.MasterNode)

	metadata := EmptyMetadata().WithClusterUUID(raw.ClusterUUID)
	for _, index := range raw.Indices {
		metadata = metadata.WithIndex(index)
	}
	for _, task := range raw.PersistentTasks {
		metadata = metadata.WithPersistentTask(task)
	}

	blocks := EmptyBlocks()
	for _, block := range raw.Blocks {
		blocks = blocks.WithGlobalBlock(block)
	}

	*s = State{
		clusterName: raw.ClusterName,
		version:     raw.Version,
		stateUUID:   raw.StateUUID,
		nodes:       nodes.Build(),
		metadata:    metadata,
		blocks:      blocks,
		routing:     NewRoutingTable(raw.Routing),
	}
	return nil
}

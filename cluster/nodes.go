package cluster

import (
	"fmt"
	"slices"
	"strings"
)

type Role string

const (
	RoleMaster Role = "master"
	RoleData   Role = "data"
)

// Node describes one member of the cluster.
type Node struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Roles   []Role `json:"roles"`
}

func (n Node) HasRole(role Role) bool {
	return slices.Contains(n.Roles, role)
}

func (n Node) IsData() bool {
	return n.HasRole(RoleData)
}

func (n Node) IsMasterEligible() bool {
	return n.HasRole(RoleMaster)
}

func (n Node) Equal(o Node) bool {
	return n.ID == o.ID && n.Name == o.Name && n.Address == o.Address && slices.Equal(n.Roles, o.Roles)
}

func (n Node) String() string {
	return fmt.Sprintf("{%s}{%s}{%s}", n.Name, n.ID, n.Address)
}

// Nodes is the immutable membership table of a state, plus the id of the
// elected master ("" when there is none).
type Nodes struct {
	nodes    map[string]Node
	masterID string
}

func EmptyNodes() *Nodes {
	return &Nodes{nodes: map[string]Node{}}
}

func (n *Nodes) Get(id string) (Node, bool) {
	node, ok := n.nodes[id]
	return node, ok
}

func (n *Nodes) Exists(id string) bool {
	_, ok := n.nodes[id]
	return ok
}

func (n *Nodes) Len() int {
	return len(n.nodes)
}

func (n *Nodes) MasterID() string {
	return n.masterID
}

func (n *Nodes) Master() (Node, bool) {
	if n.masterID == "" {
		return Node{}, false
	}
	return n.Get(n.masterID)
}

// All returns every node ordered by id.
func (n *Nodes) All() []Node {
	nodes := make([]Node, 0, len(n.nodes))
	for _, node := range n.nodes {
		nodes = append(nodes, node)
	}
	slices.SortFunc(nodes, func(a, b Node) int { return strings.Compare(a.ID, b.ID) })
	return nodes
}

// DataNodes returns the data-carrying nodes ordered by id.
func (n *Nodes) DataNodes() []Node {
	var nodes []Node
	for _, node := range n.All() {
		if node.IsData() {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

func (n *Nodes) Equal(o *Nodes) bool {
	if n == o {
		return true
	}
	if n.masterID != o.masterID || len(n.nodes) != len(o.nodes) {
		return false
	}
	for id, node := range n.nodes {
		other, ok := o.nodes[id]
		if !ok || !node.Equal(other) {
			return false
		}
	}
	return true
}

// NodesDelta lists membership differences between two tables.
type NodesDelta struct {
	Added   []Node
	Removed []Node
}

func (d NodesDelta) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0
}

// Delta reports the nodes added and removed relative to prev.
func (n *Nodes) Delta(prev *Nodes) NodesDelta {
	var delta NodesDelta
	for _, node := range n.All() {
		if !prev.Exists(node.ID) {
			delta.Added = append(delta.Added, node)
		}
	}
	for _, node := range prev.All() {
		if !n.Exists(node.ID) {
			delta.Removed = append(delta.Removed, node)
		}
	}
	return delta
}

func (n *Nodes) Builder() *NodesBuilder {
	nodes := make(map[string]Node, len(n.nodes))
	for id, node := range n.nodes {
		nodes[id] = node
	}
	return &NodesBuilder{nodes: nodes, masterID: n.masterID}
}

// NodesBuilder produces a new Nodes table. A builder must not be reused after
// Build.
type NodesBuilder struct {
	nodes    map[string]Node
	masterID string
}

func NewNodesBuilder() *NodesBuilder {
	return EmptyNodes().Builder()
}

// Add inserts or replaces the node.
func (b *NodesBuilder) Add(node Node) *NodesBuilder {
	node.Roles = slices.Clone(node.Roles)
	b.nodes[node.ID] = node
	return b
}

// Remove deletes the node. Removing the master clears the master id.
func (b *NodesBuilder) Remove(id string) *NodesBuilder {
	delete(b.nodes, id)
	if b.masterID == id {
		b.masterID = ""
	}
	return b
}

func (b *NodesBuilder) MasterID(id string) *NodesBuilder {
	b.masterID = id
	return b
}

func (b *NodesBuilder) Build() *Nodes {
	masterID := b.masterID
	if _, ok := b.nodes[masterID]; !ok {
		masterID = ""
	}
	return &Nodes{nodes: b.nodes, masterID: masterID}
}

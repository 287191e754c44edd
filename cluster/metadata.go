package cluster

import (
	"slices"
	"strings"
)

// IndexMetadata describes one index.
type IndexMetadata struct {
	Name     string `json:"name"`
	UUID     string `json:"uuid"`
	Shards   int    `json:"shards"`
	Replicas int    `json:"replicas"`
}

// PersistentTask is a cluster-wide task pinned to at most one node.
// AssignedNode is "" while the task is unassigned.
type PersistentTask struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	AssignedNode string `json:"assigned_node,omitempty"`
}

// Metadata is the durable part of a cluster state: what the gateway
// persists and recovers. Values are immutable; With* methods return copies.
type Metadata struct {
	clusterUUID string
	indices     map[string]IndexMetadata
	tasks       map[string]PersistentTask
}

func EmptyMetadata() *Metadata {
	return &Metadata{
		indices: map[string]IndexMetadata{},
		tasks:   map[string]PersistentTask{},
	}
}

func (m *Metadata) ClusterUUID() string {
	return m.clusterUUID
}

func (m *Metadata) Index(name string) (IndexMetadata, bool) {
	index, ok := m.indices[name]
	return index, ok
}

// Indices returns every index ordered by name.
func (m *Metadata) Indices() []IndexMetadata {
	indices := make([]IndexMetadata, 0, len(m.indices))
	for _, index := range m.indices {
		indices = append(indices, index)
	}
	slices.SortFunc(indices, func(a, b IndexMetadata) int { return strings.Compare(a.Name, b.Name) })
	return indices
}

func (m *Metadata) PersistentTask(id string) (PersistentTask, bool) {
	task, ok := m.tasks[id]
	return task, ok
}

// PersistentTasks returns every persistent task ordered by id.
func (m *Metadata) PersistentTasks() []PersistentTask {
	tasks := make([]PersistentTask, 0, len(m.tasks))
	for _, task := range m.tasks {
		tasks = append(tasks, task)
	}
	slices.SortFunc(tasks, func(a, b PersistentTask) int { return strings.Compare(a.ID, b.ID) })
	return tasks
}

func (m *Metadata) clone() *Metadata {
	c := &Metadata{
		clusterUUID: m.clusterUUID,
		indices:     make(map[string]IndexMetadata, len(m.indices)),
		tasks:       make(map[string]PersistentTask, len(m.tasks)),
	}
	for name, index := range m.indices {
		c.indices[name] = index
	}
	for id, task := range m.tasks {
		c.tasks[id] = task
	}
	return c
}

func (m *Metadata) WithClusterUUID(clusterUUID string) *Metadata {
	if m.clusterUUID == clusterUUID {
		return m
	}
	c := m.clone()
	c.clusterUUID = clusterUUID
	return c
}

func (m *Metadata) WithIndex(index IndexMetadata) *Metadata {
	if existing, ok := m.indices[index.Name]; ok && existing == index {
		return m
	}
	c := m.clone()
	c.indices[index.Name] = index
	return c
}

func (m *Metadata) WithoutIndex(name string) *Metadata {
	if _, ok := m.indices[name]; !ok {
		return m
	}
	c := m.clone()
	delete(c.indices, name)
	return c
}

func (m *Metadata) WithPersistentTask(task PersistentTask) *Metadata {
	if existing, ok := m.tasks[task.ID]; ok && existing == task {
		return m
	}
	c := m.clone()
	c.tasks[task.ID] = task
	return c
}

func (m *Metadata) WithoutPersistentTask(id string) *Metadata {
	if _, ok := m.tasks[id]; !ok {
		return m
	}
	c := m.clone()
	delete(c.tasks, id)
	return c
}

func (m *Metadata) Equal(o *Metadata) bool {
	if m == o {
		return true
	}
	if m.clusterUUID != o.clusterUUID || len(m.indices) != len(o.indices) || len(m.tasks) != len(o.tasks) {
		return false
	}
	for name, index := range m.indices {
		if other, ok := o.indices[name]; !ok || other != index {
			return false
		}
	}
	for id, task := range m.tasks {
		if other, ok := o.tasks[id]; !ok || other != task {
			return false
		}
	}
	return true
}

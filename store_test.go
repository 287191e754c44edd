package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"clusterd/cluster"
	"clusterd/election"
	"clusterd/master"
)

// memStore is a StateStore held in memory, with the same lease and version
// checks the real backends make on Publish.
type memStore struct {
	nodeID string

	mu         sync.Mutex
	lease      *election.Lease
	published  *cluster.State
	metadata   *cluster.State
	heartbeats map[string]NodeHeartbeat
}

var _ StateStore = (*memStore)(nil)

func newMemStore(nodeID string) *memStore {
	return &memStore{nodeID: nodeID, heartbeats: map[string]NodeHeartbeat{}}
}

func (m *memStore) FetchLease(ctx context.Context) (*election.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lease == nil {
		return nil, nil
	}
	lease := *m.lease
	return &lease, nil
}

func (m *memStore) CompareAndSwapLease(ctx context.Context, prevRVN *uuid.UUID, next election.Lease) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case prevRVN == nil && m.lease != nil:
		return false, nil
	case prevRVN != nil && (m.lease == nil || m.lease.RevisionVersionNumber != *prevRVN):
		return false, nil
	}
	m.lease = &next
	return true, nil
}

func (m *memStore) setLease(lease election.Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lease = &lease
}

func (m *memStore) Publish(ctx context.Context, prev, next *cluster.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lease == nil || m.lease.Holder != m.nodeID {
		return fmt.Errorf("%w: lease not held", master.ErrNotMaster)
	}
	var version int64
	if m.published != nil {
		version = m.published.Version()
	}
	if version != prev.Version() {
		return fmt.Errorf("%w: published version is %d", master.ErrNotMaster, version)
	}
	m.published = next
	return nil
}

func (m *memStore) FetchPublishedState(ctx context.Context) (*cluster.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published, nil
}

func (m *memStore) ResetPublishedState(ctx context.Context, state *cluster.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = state
	return nil
}

func (m *memStore) WriteMetadata(ctx context.Context, state *cluster.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata = state
	return nil
}

func (m *memStore) Recover(ctx context.Context) (*cluster.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metadata, nil
}

func (m *memStore) WriteNodeHeartbeat(ctx context.Context, heartbeat NodeHeartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats[heartbeat.Node.ID] = heartbeat
	return nil
}

func (m *memStore) RemoveNodeHeartbeat(ctx context.Context, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.heartbeats, nodeID)
	return nil
}

func (m *memStore) FetchNodeHeartbeats(ctx context.Context) ([]NodeHeartbeat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	heartbeats := make([]NodeHeartbeat, 0, len(m.heartbeats))
	for _, hb := range m.heartbeats {
		heartbeats = append(heartbeats, hb)
	}
	slices.SortFunc(heartbeats, func(a, b NodeHeartbeat) int { return strings.Compare(a.Node.ID, b.Node.ID) })
	return heartbeats, nil
}

func (m *memStore) publishedState() *cluster.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published
}

func (m *memStore) hasHeartbeat(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.heartbeats[nodeID]
	return ok
}

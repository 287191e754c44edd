package main

import (
	"context"
	"time"

	"github.com/google/uuid"

	"clusterd/cluster"
	"clusterd/election"
	"clusterd/gateway"
	"clusterd/master"
)

// StateStore is the shared store every node talks to. It holds the master
// lease, the published cluster state, the persisted metadata read back by
// recovery, and one heartbeat per live node.
//
// Publish only succeeds while the local node holds the lease and the
// published version still equals prev's; otherwise it returns an error
// wrapping master.ErrNotMaster.
type StateStore interface {
	election.Backend
	master.Publisher
	gateway.Source
	gateway.MetadataStore

	// FetchPublishedState returns nil when no state was ever published.
	FetchPublishedState(ctx context.Context) (*cluster.State, error)
	// ResetPublishedState unconditionally replaces the published state.
	ResetPublishedState(ctx context.Context, state *cluster.State) error

	WriteNodeHeartbeat(ctx context.Context, heartbeat NodeHeartbeat) error
	RemoveNodeHeartbeat(ctx context.Context, nodeID string) error
	FetchNodeHeartbeats(ctx context.Context) ([]NodeHeartbeat, error)
}

// NodeHeartbeat is rewritten by every node on each tick with a fresh
// Sequence. The master only compares sequences; NodeTime is informational.
type NodeHeartbeat struct {
	Node     cluster.Node `json:"node"`
	Sequence uuid.UUID    `json:"sequence"`
	NodeTime time.Time    `json:"node_time"`
}

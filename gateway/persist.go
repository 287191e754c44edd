package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"clusterd/cluster"
	"clusterd/master"
)

// MetadataStore durably stores the recoverable part of a committed state.
type MetadataStore interface {
	WriteMetadata(ctx context.Context, state *cluster.State) error
}

// Persister is a master.Listener that writes the metadata of every recovered
// state the local master commits, so that a later Recover finds it.
type Persister struct {
	store   MetadataStore
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	written *cluster.Metadata
}

func NewPersister(store MetadataStore, timeout time.Duration, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{store: store, timeout: timeout, logger: logger}
}

func (p *Persister) ClusterChanged(event master.ChangedEvent) {
	state := event.State
	if !event.LocalNodeMaster || state.Blocks().HasGlobalBlock(cluster.StateNotRecoveredBlock.ID) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Unchanged metadata is shared between states.
	if p.written == state.Metadata() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.store.WriteMetadata(ctx, state); err != nil {
		p.logger.Warn("failed to persist cluster metadata", zap.Int64("version", state.Version()), zap.Error(err))
		return
	}
	p.written = state.Metadata()
	p.logger.Debug("persisted cluster metadata", zap.Int64("version", state.Version()))
}

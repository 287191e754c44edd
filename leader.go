package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"clusterd/cluster"
	"clusterd/election"
	"clusterd/master"
	"clusterd/membership"
	"clusterd/persistent"
)

// leasePublisher publishes through the store only while the local lease
// is still valid, then wakes the other nodes.
type leasePublisher struct {
	store   StateStore
	elector *election.Elector
	wakeup  *WakeupManager
}

func (p *leasePublisher) Publish(ctx context.Context, prev, next *cluster.State) error {
	if !p.elector.IsLeader() {
		return fmt.Errorf("%w: master lease expired", master.ErrNotMaster)
	}
	if err := p.store.Publish(ctx, prev, next); err != nil {
		return err
	}
	p.wakeup.SendWakeupToNodes(next)
	return nil
}

type leader struct {
	conf    config
	store   StateStore
	svc     *master.Service
	elector *election.Elector
	joiner  *membership.Joiner
	remover *membership.Remover
	logger  *zap.Logger

	observed map[string]observedHeartbeat

	mu       sync.Mutex
	inflight map[string]bool
}

// leaderReconcilerLoop runs the master election and performs master tasks.
func leaderReconcilerLoop(ctx context.Context, l *leader) error {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("returning ctx.Done() error in leader loop: %w", ctx.Err())
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *leader) tick(ctx context.Context) {
	eCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	isLeader, err := l.elector.Tick(eCtx, l.store)
	cancel()
	if err != nil {
		l.logger.Warn("election error", zap.Error(err))
	}

	if !isLeader {
		if l.svc.IsMaster() {
			l.svc.StepDown("lost master lease to [" + l.elector.Holder() + "]")
		}
		return
	}

	if !l.svc.IsMaster() {
		fCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		published, err := l.store.FetchPublishedState(fCtx)
		cancel()
		if err != nil {
			l.logger.Warn("failed to fetch published state before becoming master", zap.Error(err))
			return
		}
		l.observed = nil
		l.svc.BecomeMaster(published)
	}

	if err := l.performLeaderTasks(ctx); err != nil {
		l.logger.Warn("failed to perform leader tasks", zap.Error(err))
	}
}

func (l *leader) performLeaderTasks(ctx context.Context) error {
	fCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	heartbeats, err := l.store.FetchNodeHeartbeats(fCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to fetch node heartbeats: %w", err)
	}

	state := l.svc.State()
	changes := computeMembershipChanges(l.observed, heartbeats, state, l.conf.NodeID, l.conf.NodeTimeout, time.Now())
	l.observed = changes.observed

	for _, node := range changes.joins {
		if !l.begin(node.ID) {
			continue
		}
		l.logger.Info("node joining", zap.Stringer("node", node))
		ch := l.joiner.Submit(l.svc, node)
		go l.finish(node.ID, ch)
	}

	for _, removal := range changes.removals {
		if !l.begin(removal.node.ID) {
			continue
		}
		l.logger.Info("removing node", zap.Stringer("node", removal.node), zap.String("reason", removal.reason))
		var onRemoved func()
		if removal.reason == reasonHeartbeatExpired {
			nodeID := removal.node.ID
			onRemoved = func() { go l.removeHeartbeat(nodeID) }
		}
		ch := l.remover.Submit(l.svc, removal.node, removal.reason, onRemoved)
		go l.finish(removal.node.ID, ch)
	}

	if !state.Blocks().HasGlobalBlock(cluster.StateNotRecoveredBlock.ID) && hasUnassignedPersistentTasks(state) && l.begin("") {
		ch := l.svc.SubmitUpdate("assign-persistent-tasks", master.PriorityNormal, 0, func(current *cluster.State) (*cluster.State, error) {
			return persistent.AssignUnassigned(current), nil
		})
		go l.finish("", ch)
	}

	return nil
}

// begin marks key as having a task in flight. It reports false when one is
// already queued.
func (l *leader) begin(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight[key] {
		return false
	}
	l.inflight[key] = true
	return true
}

func (l *leader) finish(key string, ch <-chan master.Result) {
	<-ch
	l.mu.Lock()
	delete(l.inflight, key)
	l.mu.Unlock()
}

// removeHeartbeat deletes the heartbeat of a node removed for expiry, so
// the node has to prove it is alive again before it can rejoin.
func (l *leader) removeHeartbeat(nodeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.store.RemoveNodeHeartbeat(ctx, nodeID); err != nil {
		l.logger.Warn("failed to delete expired heartbeat", zap.String("node", nodeID), zap.Error(err))
	}
}

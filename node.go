package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clusterd/master"
)

// nodeReconcilerLoop writes this node's heartbeat and, while the node is
// not master, applies the published cluster state. A wakeup packet runs a
// round immediately.
func nodeReconcilerLoop(ctx context.Context, store StateStore, svc *master.Service, wakeup *WakeupManager, conf config, logger *zap.Logger) error {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			leaveCluster(store, conf, logger)
			return fmt.Errorf("returning ctx.Done() error in node reconciler loop: %w", ctx.Err())
		case <-ticker.C:
			if err := writeHeartbeat(ctx, store, conf); err != nil {
				logger.Warn("failed to write heartbeat", zap.Error(err))
			}
		case <-wakeup.WakeupChannel():
		}

		if err := applyPublishedState(ctx, store, svc, logger); err != nil {
			logger.Warn("failed to apply published state", zap.Error(err))
		}
	}
}

func writeHeartbeat(ctx context.Context, store StateStore, conf config) error {
	wCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	heartbeat := NodeHeartbeat{
		Node:     conf.local(),
		Sequence: uuid.New(),
		NodeTime: time.Now().UTC(),
	}
	if err := store.WriteNodeHeartbeat(wCtx, heartbeat); err != nil {
		return fmt.Errorf("failed to write node heartbeat to store: %w", err)
	}
	return nil
}

func applyPublishedState(ctx context.Context, store StateStore, svc *master.Service, logger *zap.Logger) error {
	if svc.IsMaster() {
		return nil
	}

	fCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
	published, err := store.FetchPublishedState(fCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to fetch published state: %w", err)
	}
	if published == nil {
		return nil
	}

	if svc.Apply("apply-published-state", published) {
		logger.Debug("applied published state", zap.Stringer("state", published))
	}
	return nil
}

// leaveCluster deletes this node's heartbeat so the master removes it
// without waiting for the node timeout.
func leaveCluster(store StateStore, conf config, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := store.RemoveNodeHeartbeat(ctx, conf.NodeID); err != nil {
		logger.Warn("failed to remove heartbeat on shutdown", zap.Error(err))
		return
	}
	logger.Info("left cluster", zap.String("node", conf.NodeID))
}

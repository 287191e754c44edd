package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"clusterd/allocation"
	"clusterd/cluster"
	"clusterd/election"
	"clusterd/gateway"
	"clusterd/master"
	"clusterd/membership"
)

func daemon(ctx context.Context, store StateStore, conf config, logger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	local := conf.local()
	elector, err := election.New(conf.NodeID, conf.LeaseDuration, logger.Named("election"))
	if err != nil {
		return fmt.Errorf("failed to create elector: %w", err)
	}
	wakeup := NewWakeupManager(conf.WakeupPort, conf.ClusterName, conf.NodeID, logger.Named("wakeup"))
	alloc := allocation.NewAllocator(logger.Named("allocation"))

	svc := master.New(master.Config{
		LocalNode:      local,
		Publisher:      &leasePublisher{store: store, elector: elector, wakeup: wakeup},
		PublishTimeout: conf.PublishTimeout,
		Logger:         logger.Named("master"),
		Metrics:        master.NewMetrics(registry),
	}, cluster.Initial(conf.ClusterName, local))

	gate := gateway.NewGate(conf.Gateway, store, svc, alloc, logger.Named("gateway"))
	defer gate.Close()
	svc.AddListener(gate)
	svc.AddListener(gateway.NewPersister(store, conf.PublishTimeout, logger.Named("gateway")))
	svc.AddListener(master.ListenerFunc(func(event master.ChangedEvent) {
		if delta := event.NodesDelta; delta.HasChanges() {
			logger.Info("cluster nodes changed",
				zap.String("source", event.Source),
				zap.Int64("version", event.State.Version()),
				zap.Stringers("added", delta.Added),
				zap.Stringers("removed", delta.Removed))
		}
	}))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.Run(ctx)
	})

	if local.IsMasterEligible() {
		l := &leader{
			conf:     conf,
			store:    store,
			svc:      svc,
			elector:  elector,
			joiner:   membership.NewJoiner(alloc, logger.Named("membership")),
			remover:  membership.NewRemover(alloc, logger.Named("membership")),
			logger:   logger.Named("leader"),
			inflight: map[string]bool{},
		}
		g.Go(func() error {
			return leaderReconcilerLoop(ctx, l)
		})
	}

	g.Go(func() error {
		return nodeReconcilerLoop(ctx, store, svc, wakeup, conf, logger.Named("node"))
	})

	g.Go(func() error {
		return wakeup.Listen(ctx)
	})

	g.Go(func() error {
		return runHTTPServer(ctx, conf.ListenAddress, &server{
			svc:          svc,
			gate:         gate,
			alloc:        alloc,
			registry:     registry,
			logger:       logger.Named("http"),
			makeUUID:     uuid.New,
			indexTimeout: indexRequestTimeout,
		})
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// resetCluster overwrites the published state with an empty blocked one,
// so the next elected master recovers from the persisted metadata.
func resetCluster(ctx context.Context, store StateStore, conf config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	current, err := store.FetchPublishedState(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch published state: %w", err)
	}

	next := resetState(conf.ClusterName, current, uuid.New)
	if err := store.ResetPublishedState(ctx, next); err != nil {
		return err
	}
	logger.Info("reset published cluster state", zap.Int64("version", next.Version()))
	return nil
}

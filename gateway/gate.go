// Package gateway recovers the persisted cluster metadata when a master is
// first elected and keeps the cluster blocked until it has done so.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clusterd/allocation"
	"clusterd/cluster"
	"clusterd/master"
	"clusterd/persistent"
)

// Source reads the last persisted cluster state. A nil state with a nil
// error means nothing was ever persisted.
type Source interface {
	Recover(ctx context.Context) (*cluster.State, error)
}

// Submitter is the part of the master service the gate submits to.
type Submitter interface {
	SubmitUpdate(source string, priority master.Priority, timeout time.Duration, fn master.UpdateFunc) <-chan master.Result
}

type Phase int

const (
	PhaseNotRecovered Phase = iota
	// PhaseDelayed waits for recover_after_time before recovering.
	PhaseDelayed
	PhaseRecovering
	PhaseRecovered
)

func (p Phase) String() string {
	switch p {
	case PhaseNotRecovered:
		return "not_recovered"
	case PhaseDelayed:
		return "delayed"
	case PhaseRecovering:
		return "recovering"
	case PhaseRecovered:
		return "recovered"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

const recoverySource = "local-gateway-elected-state"

// Gate is a master.Listener that starts recovery once the elected master
// sees enough data nodes, and tracks the recovery phase.
type Gate struct {
	settings   Settings
	source     Source
	submitter  Submitter
	allocation allocation.Service
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	phase Phase
	// attempt identifies the current delay or recovery; bumping it discards
	// the outcome of anything started earlier.
	attempt uint64
	timer   *time.Timer
}

func NewGate(settings Settings, source Source, submitter Submitter, alloc allocation.Service, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gate{
		settings:   settings,
		source:     source,
		submitter:  submitter,
		allocation: alloc,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (g *Gate) Phase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

// Close abandons any pending or running recovery.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancel()
	g.resetLocked()
}

func (g *Gate) ClusterChanged(event master.ChangedEvent) {
	state := event.State

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ctx.Err() != nil {
		return
	}

	if !state.Blocks().HasGlobalBlock(cluster.StateNotRecoveredBlock.ID) {
		if g.phase != PhaseRecovered {
			g.logger.Info("cluster state is recovered", zap.Int64("version", state.Version()))
			g.stopTimerLocked()
			g.phase = PhaseRecovered
		}
		return
	}

	if !event.LocalNodeMaster {
		if g.phase != PhaseNotRecovered {
			g.logger.Debug("not master, resetting recovery", zap.Stringer("phase", g.phase))
			g.resetLocked()
		}
		return
	}

	if g.phase == PhaseRecovering {
		return
	}
	if g.phase == PhaseRecovered {
		// Blocked again, after the published state was reset.
		g.phase = PhaseNotRecovered
	}

	dataNodes := len(state.Nodes().DataNodes())
	s := g.settings
	if s.RecoverAfterDataNodes >= 0 && dataNodes < s.RecoverAfterDataNodes {
		g.logger.Debug("not recovering cluster state, waiting for data nodes",
			zap.Int("data_nodes", dataNodes),
			zap.Int("recover_after_data_nodes", s.RecoverAfterDataNodes))
		return
	}

	var reason string
	delay := time.Duration(0)
	switch {
	case s.ExpectedDataNodes < 0:
		delay = s.EffectiveRecoverAfterTime()
		reason = "recover_after_time elapsed"
		if delay == 0 {
			reason = "no expected data nodes configured"
		}
	case dataNodes >= s.ExpectedDataNodes:
		reason = fmt.Sprintf("expected [%d] data nodes are present", s.ExpectedDataNodes)
	default:
		delay = s.EffectiveRecoverAfterTime()
		reason = fmt.Sprintf("recover_after_time elapsed, expecting [%d] data nodes but have [%d]", s.ExpectedDataNodes, dataNodes)
	}

	if delay > 0 {
		if g.phase == PhaseDelayed {
			return
		}
		g.attempt++
		attempt := g.attempt
		g.phase = PhaseDelayed
		g.logger.Info("delaying initial state recovery",
			zap.Duration("recover_after_time", delay),
			zap.Int("data_nodes", dataNodes),
			zap.Int("expected_data_nodes", s.ExpectedDataNodes))
		g.timer = time.AfterFunc(delay, func() { g.delayElapsed(attempt, reason) })
		return
	}

	g.stopTimerLocked()
	g.attempt++
	g.phase = PhaseRecovering
	go g.recover(g.attempt, reason)
}

func (g *Gate) delayElapsed(attempt uint64, reason string) {
	g.mu.Lock()
	if g.attempt != attempt || g.phase != PhaseDelayed {
		g.mu.Unlock()
		return
	}
	g.timer = nil
	g.phase = PhaseRecovering
	g.mu.Unlock()

	g.recover(attempt, reason)
}

func (g *Gate) recover(attempt uint64, reason string) {
	g.logger.Info("recovering cluster state", zap.String("reason", reason))

	recovered, err := g.source.Recover(g.ctx)
	if err != nil {
		g.failed(attempt, fmt.Errorf("reading persisted cluster state: %w", err))
		return
	}
	if !g.current(attempt) {
		g.logger.Debug("discarding stale recovery result")
		return
	}

	ch := g.submitter.SubmitUpdate(recoverySource, master.PriorityImmediate, 0, func(current *cluster.State) (*cluster.State, error) {
		return g.recoveredState(current, recovered), nil
	})

	var res master.Result
	select {
	case res = <-ch:
	case <-g.ctx.Done():
		return
	}
	if res.Outcome != master.OutcomeSuccess {
		g.failed(attempt, res.Err)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.attempt == attempt && g.phase == PhaseRecovering {
		g.phase = PhaseRecovered
	}
	g.logger.Info("recovered cluster state",
		zap.Int64("version", res.State.Version()),
		zap.Int("indices", len(res.State.Metadata().Indices())))
}

func (g *Gate) current(attempt uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempt == attempt && g.phase == PhaseRecovering
}

func (g *Gate) failed(attempt uint64, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.attempt != attempt || g.phase != PhaseRecovering {
		return
	}
	g.logger.Info("cluster state recovery failed, will retry on next cluster state change", zap.Error(err))
	g.phase = PhaseNotRecovered
}

func (g *Gate) stopTimerLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

func (g *Gate) resetLocked() {
	g.stopTimerLocked()
	g.attempt++
	g.phase = PhaseNotRecovered
}

// recoveredState mixes the recovered metadata into current and lifts the
// not recovered block. current is returned when the block is already gone.
func (g *Gate) recoveredState(current, recovered *cluster.State) *cluster.State {
	if !current.Blocks().HasGlobalBlock(cluster.StateNotRecoveredBlock.ID) {
		return current
	}

	metadata := current.Metadata()
	version := current.Version()
	if recovered != nil {
		persisted := recovered.Metadata()
		if persisted.ClusterUUID() != "" {
			metadata = metadata.WithClusterUUID(persisted.ClusterUUID())
		}
		for _, index := range persisted.Indices() {
			metadata = metadata.WithIndex(index)
		}
		for _, task := range persisted.PersistentTasks() {
			metadata = metadata.WithPersistentTask(task)
		}
		version = max(version, recovered.Version())
	}
	if metadata.ClusterUUID() == "" {
		metadata = metadata.WithClusterUUID(uuid.NewString())
	}

	next := current.Builder().
		Metadata(metadata).
		Blocks(current.Blocks().WithoutGlobalBlock(cluster.StateNotRecoveredBlock.ID)).
		Version(version).
		Build()
	next = persistent.DisassociateDeadNodes(next)
	next = persistent.AssignUnassigned(next)
	return g.allocation.Reroute(next, "state recovered")
}

// Package election decides which node is master using a lease kept in a
// shared store. Leases are compared by revision, never by wall clock: a
// node considers a lease expired once it has seen the same revision for
// longer than the lease duration on its own monotonic clock.
package election

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Lease is the time-bound lock held by the master. The master refreshes it
// by swapping in a new RevisionVersionNumber (RVN) before it expires.
type Lease struct {
	Holder                string        `json:"holder"`
	RevisionVersionNumber uuid.UUID     `json:"rvn"`
	Duration              time.Duration `json:"duration"`
}

// Backend is a store able to compare-and-swap the lease. prevRVN is nil
// when no lease is expected to exist.
type Backend interface {
	FetchLease(ctx context.Context) (*Lease, error)
	CompareAndSwapLease(ctx context.Context, prevRVN *uuid.UUID, next Lease) (bool, error)
}

type Elector struct {
	nodeID        string
	leaseDuration time.Duration
	logger        *zap.Logger
	now           func() time.Time
	makeRVN       func() uuid.UUID

	mu       sync.Mutex
	observed *observedLease
}

func New(nodeID string, leaseDuration time.Duration, logger *zap.Logger) (*Elector, error) {
	if leaseDuration <= 0 {
		return nil, fmt.Errorf("lease duration must be greater than zero")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Elector{
		nodeID:        nodeID,
		leaseDuration: leaseDuration,
		logger:        logger,
		now:           time.Now,
		makeRVN:       uuid.New,
	}, nil
}

// Tick fetches the lease and takes or refreshes it when it is ours or has
// expired. It reports whether the local node holds the lease afterwards.
func (e *Elector) Tick(ctx context.Context, backend Backend) (bool, error) {
	now := e.now()

	lease, err := backend.FetchLease(ctx)
	if err != nil {
		e.setObserved(nil)
		return false, fmt.Errorf("failed to fetch lease: %w", err)
	}

	e.mu.Lock()
	prev := e.observed
	e.mu.Unlock()

	decision := evaluate(prev, lease, e.nodeID, now)
	e.setObserved(decision.observed)
	if decision.observed != nil {
		e.logger.Debug("observed lease",
			zap.String("holder", decision.observed.lease.Holder),
			zap.Stringer("rvn", decision.observed.lease.RevisionVersionNumber),
			zap.Duration("time_left", decision.observed.timeLeft))
	}
	if decision.reason != "" {
		e.logger.Debug("evaluated election", zap.String("reason", decision.reason))
	}

	if !decision.campaign {
		return e.IsLeader(), nil
	}

	next := Lease{
		Holder:                e.nodeID,
		RevisionVersionNumber: e.makeRVN(),
		Duration:              e.leaseDuration,
	}
	var prevRVN *uuid.UUID
	if decision.observed != nil {
		prevRVN = &decision.observed.lease.RevisionVersionNumber
	}

	won, err := backend.CompareAndSwapLease(ctx, prevRVN, next)
	if err != nil {
		return false, fmt.Errorf("failed to swap lease: %w", err)
	}
	if !won {
		e.logger.Info("lost lease race", zap.String("node", e.nodeID))
		return e.IsLeader(), nil
	}

	if decision.observed == nil || decision.observed.lease.Holder != e.nodeID {
		e.logger.Info("acquired lease", zap.String("node", e.nodeID), zap.Duration("duration", e.leaseDuration))
	}
	// The lease started no later than now, as seen by any other node.
	e.setObserved(&observedLease{lease: next, seen: now, timeLeft: next.Duration})
	return e.IsLeader(), nil
}

func (e *Elector) setObserved(o *observedLease) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observed = o
}

// IsLeader reports whether the last lease this node swapped in or observed
// is its own and still within its duration on the local clock.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.observed == nil || e.observed.lease.Holder != e.nodeID {
		return false
	}
	return e.observed.timeLeft-e.now().Sub(e.observed.seen) > 0
}

// Holder returns the node id of the last observed lease holder.
func (e *Elector) Holder() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.observed == nil {
		return ""
	}
	return e.observed.lease.Holder
}

// observedLease is a lease together with when this node saw it. seen keeps
// time.Now's monotonic reading.
type observedLease struct {
	lease    Lease
	seen     time.Time
	timeLeft time.Duration
}

func (o *observedLease) expired() bool {
	return o == nil || o.timeLeft <= 0
}

type decision struct {
	campaign bool
	observed *observedLease
	reason   string
}

func evaluate(prev *observedLease, lease *Lease, nodeID string, now time.Time) decision {
	if lease == nil {
		return decision{campaign: true, reason: "no lease, campaigning"}
	}

	d := decision{
		observed: &observedLease{lease: *lease, seen: now, timeLeft: lease.Duration},
	}

	if prev == nil {
		d.reason = "first lease observed, waiting"
		return d
	}

	if prev.lease.Holder == nodeID && lease.Holder == nodeID {
		if prev.lease.RevisionVersionNumber == lease.RevisionVersionNumber {
			// Our own lease runs from when we swapped it in.
			d.observed.seen = prev.seen
			d.observed.timeLeft = prev.timeLeft
		}
		d.campaign = true
		d.reason = "holding lease, refreshing"
		return d
	}

	if prev.lease.RevisionVersionNumber == lease.RevisionVersionNumber {
		d.observed.timeLeft = prev.timeLeft - now.Sub(prev.seen)
		d.reason = "lease unchanged"
	} else {
		d.reason = "lease refreshed by holder"
	}

	if d.observed.expired() {
		d.campaign = true
		d.reason = fmt.Sprintf("lease of [%s] expired, campaigning", lease.Holder)
	}
	return d
}

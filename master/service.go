// Package master runs the master-side cluster state update loop: tasks are
// queued by priority, batched per executor, executed one batch at a time
// against the current state and the result is published before the next
// batch starts.
package master

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"clusterd/cluster"
)

// Publisher commits a candidate state to the cluster. A nil error means the
// state was committed by a quorum. An error wrapping ErrNotMaster means the
// local node may no longer publish; any other error is a commit failure.
type Publisher interface {
	Publish(ctx context.Context, prev, next *cluster.State) error
}

// ChangedEvent describes a newly applied state.
type ChangedEvent struct {
	Source          string
	Previous        *cluster.State
	State           *cluster.State
	LocalNodeMaster bool
	NodesDelta      cluster.NodesDelta
}

func (e ChangedEvent) StateChanged() bool {
	return e.Previous != e.State
}

// Listener is notified after a state has been applied locally.
type Listener interface {
	ClusterChanged(event ChangedEvent)
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc func(event ChangedEvent)

func (f ListenerFunc) ClusterChanged(event ChangedEvent) {
	f(event)
}

type Config struct {
	LocalNode      cluster.Node
	Publisher      Publisher
	PublishTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *Metrics
}

// Service owns the task queue and the locally applied cluster state. It is
// the only writer of cluster states on the master node.
type Service struct {
	localNode      cluster.Node
	publisher      Publisher
	publishTimeout time.Duration
	logger         *zap.Logger
	metrics        *Metrics

	queue   *taskQueue
	elected *updateExecutor
	state   atomic.Pointer[cluster.State]

	mu      sync.Mutex
	master  bool
	term    uint64
	stopped bool

	// applyMu serializes state swaps and listener notification.
	applyMu   sync.Mutex
	listeners []Listener
}

func New(conf Config, initial *cluster.State) *Service {
	if conf.Logger == nil {
		conf.Logger = zap.NewNop()
	}
	if conf.Metrics == nil {
		conf.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if conf.PublishTimeout <= 0 {
		conf.PublishTimeout = 30 * time.Second
	}

	s := &Service{
		localNode:      conf.LocalNode,
		publisher:      conf.Publisher,
		publishTimeout: conf.PublishTimeout,
		logger:         conf.Logger,
		metrics:        conf.Metrics,
	}
	s.queue = newTaskQueue(func(t *pendingTask) {
		s.logger.Debug("task timed out in queue", zap.String("source", t.req.Source), zap.Duration("timeout", t.req.Timeout))
		s.complete(t, timedOutResult(t.req.Source, t.req.Timeout))
	})
	s.elected = &updateExecutor{fn: s.electedAsMaster}
	s.state.Store(initial)
	s.metrics.stateVersion.Set(float64(initial.Version()))
	return s
}

// State returns the locally applied state.
func (s *Service) State() *cluster.State {
	return s.state.Load()
}

func (s *Service) LocalNode() cluster.Node {
	return s.localNode
}

func (s *Service) IsMaster() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master
}

func (s *Service) mastership() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, s.master
}

func (s *Service) stillMaster(term uint64) bool {
	current, master := s.mastership()
	return master && current == term
}

func (s *Service) AddListener(l Listener) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Submit queues a task and returns a channel that receives exactly one
// Result. It never blocks on batch execution or publication.
func (s *Service) Submit(req Request) <-chan Result {
	t := &pendingTask{
		req:       req,
		submitted: time.Now(),
		result:    make(chan Result, 1),
	}

	if err := validateRequest(req); err != nil {
		s.complete(t, failureResult(err))
		return t.result
	}

	s.mu.Lock()
	switch {
	case s.stopped:
		s.mu.Unlock()
		s.complete(t, failureResult(ErrStopped))
	case !s.master:
		s.mu.Unlock()
		s.logger.Debug("rejecting task, local node is not master", zap.String("source", req.Source))
		s.complete(t, noLongerMasterResult())
	default:
		// Pushing under s.mu means StepDown's drain sees every task
		// accepted while we were master.
		s.queue.push(t)
		s.mu.Unlock()
		s.metrics.pendingTasks.Set(float64(s.queue.len()))
	}
	return t.result
}

// SubmitUpdate submits a single-task update that is never batched with
// other tasks.
func (s *Service) SubmitUpdate(source string, priority Priority, timeout time.Duration, fn UpdateFunc) <-chan Result {
	return s.Submit(Request{
		Source:   source,
		Priority: priority,
		Timeout:  timeout,
		Executor: &updateExecutor{fn: fn},
	})
}

func validateRequest(req Request) error {
	if req.Executor == nil {
		return fmt.Errorf("task [%s] has no executor", req.Source)
	}
	if !reflect.TypeOf(req.Executor).Comparable() {
		return fmt.Errorf("task [%s] executor %T is not comparable", req.Source, req.Executor)
	}
	if !req.Priority.valid() {
		return fmt.Errorf("task [%s] has invalid priority %d", req.Source, int(req.Priority))
	}
	return nil
}

// PendingTasks lists queued tasks, highest priority first.
func (s *Service) PendingTasks() []PendingTask {
	return s.queue.pending(time.Now())
}

func (s *Service) complete(t *pendingTask, r Result) {
	t.once.Do(func() {
		s.metrics.recordOutcome(r.Outcome)
		t.result <- r
		if t.req.OnResult == nil {
			return
		}
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("task result handler panicked",
					zap.String("source", t.req.Source),
					zap.Stringer("outcome", r.Outcome),
					zap.Any("panic", p))
			}
		}()
		t.req.OnResult(r)
	})
}

// BecomeMaster makes the local node master, starting from base when it is
// newer than the applied state, and submits the task that records the
// local node as elected master.
func (s *Service) BecomeMaster(base *cluster.State) {
	s.mu.Lock()
	if s.master || s.stopped {
		s.mu.Unlock()
		return
	}
	s.master = true
	s.term++
	term := s.term
	s.mu.Unlock()

	s.applyMu.Lock()
	if base != nil && base.Version() > s.state.Load().Version() {
		s.state.Store(base)
		s.metrics.stateVersion.Set(float64(base.Version()))
	}
	s.applyMu.Unlock()

	s.logger.Info("became master", zap.Uint64("term", term), zap.Int64("base_version", s.State().Version()))
	s.Submit(Request{
		Source:   "elected-as-master",
		Priority: PriorityImmediate,
		Executor: s.elected,
	})
}

func (s *Service) electedAsMaster(current *cluster.State) (*cluster.State, error) {
	existing, ok := current.Nodes().Get(s.localNode.ID)
	if ok && existing.Equal(s.localNode) && current.Nodes().MasterID() == s.localNode.ID {
		return current, nil
	}
	nodes := current.Nodes().Builder().Add(s.localNode).MasterID(s.localNode.ID).Build()
	return current.Builder().Nodes(nodes).Build(), nil
}

// StepDown gives up mastership. Every queued task completes with
// OutcomeNoLongerMaster and listeners are told the local node is no longer
// master.
func (s *Service) StepDown(reason string) {
	s.mu.Lock()
	if !s.master {
		s.mu.Unlock()
		return
	}
	s.master = false
	s.term++
	s.mu.Unlock()

	drained := s.queue.drain()
	s.metrics.pendingTasks.Set(0)
	s.logger.Info("stepped down as master", zap.String("reason", reason), zap.Int("failed_tasks", len(drained)))
	for _, t := range drained {
		s.complete(t, noLongerMasterResult())
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	current := s.state.Load()
	s.notify(ChangedEvent{
		Source:          "step-down [" + reason + "]",
		Previous:        current,
		State:           current,
		LocalNodeMaster: false,
	})
}

// Apply installs a state committed by another master. It is ignored while
// the local node is master or when the state is not newer than the applied
// one.
func (s *Service) Apply(source string, committed *cluster.State) bool {
	if committed == nil || s.IsMaster() {
		return false
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	current := s.state.Load()
	if committed.Version() <= current.Version() {
		return false
	}
	s.swapAndNotify(source, current, committed)
	return true
}

// swapAndNotify must be called with applyMu held.
func (s *Service) swapAndNotify(source string, prev, next *cluster.State) {
	s.state.Store(next)
	s.metrics.stateVersion.Set(float64(next.Version()))
	s.notify(ChangedEvent{
		Source:          source,
		Previous:        prev,
		State:           next,
		LocalNodeMaster: s.IsMaster() && next.Nodes().MasterID() == s.localNode.ID,
		NodesDelta:      next.Nodes().Delta(prev.Nodes()),
	})
}

func (s *Service) notify(event ChangedEvent) {
	for _, l := range s.listeners {
		func() {
			defer func() {
				if p := recover(); p != nil {
					s.logger.Error("cluster state listener panicked", zap.String("source", event.Source), zap.Any("panic", p))
				}
			}()
			l.ClusterChanged(event)
		}()
	}
}

// Run is the master loop. Batches are executed and published strictly one
// after the other. Queued tasks fail with ErrStopped when ctx is done.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.stop()
			return fmt.Errorf("returning ctx.Done() error in master loop: %w", ctx.Err())
		case <-s.queue.signal:
		}

		for ctx.Err() == nil {
			batch := s.queue.popBatch()
			if batch == nil {
				break
			}
			s.metrics.pendingTasks.Set(float64(s.queue.len()))
			s.runBatch(ctx, batch)
		}
	}
}

func (s *Service) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	for _, t := range s.queue.drain() {
		s.complete(t, failureResult(ErrStopped))
	}
	s.metrics.pendingTasks.Set(0)
}

func describe(batch []*pendingTask, tasks []Task) string {
	if d, ok := batch[0].req.Executor.(Describer); ok {
		return d.Describe(tasks)
	}
	sources := make([]string, len(tasks))
	for i, task := range tasks {
		sources[i] = task.Source
	}
	return strings.Join(sources, ", ")
}

func (s *Service) runBatch(ctx context.Context, batch []*pendingTask) {
	tasks := make([]Task, len(batch))
	for i, t := range batch {
		tasks[i] = Task{Source: t.req.Source, Payload: t.req.Payload}
	}
	source := describe(batch, tasks)

	term, isMaster := s.mastership()
	if !isMaster {
		s.logger.Debug("failing batch, local node is no longer master", zap.String("source", source))
		s.completeAll(batch, noLongerMasterResult())
		return
	}

	prev := s.state.Load()
	start := time.Now()
	res, err := s.execute(batch[0].req.Executor, prev, tasks)
	s.metrics.recordBatch(time.Since(start))
	if err == nil && res.State == nil {
		err = errors.New("executor returned no cluster state")
	}
	if err != nil {
		s.logger.Warn("failed to execute cluster state update", zap.String("source", source), zap.Error(err))
		s.completeAll(batch, failureResult(err))
		return
	}

	next := res.State
	if next != prev && next.SameContent(prev) {
		next = prev
	}
	if next == prev {
		s.logger.Debug("no change in cluster state", zap.String("source", source), zap.Duration("took", time.Since(start)))
		if batch[0].req.Executor == s.elected {
			// Re-elected on an unchanged state; listeners still learn that
			// the local node is master again.
			s.applyMu.Lock()
			s.notify(ChangedEvent{Source: source, Previous: prev, State: prev, LocalNodeMaster: true})
			s.applyMu.Unlock()
		}
		s.completeBatch(batch, res.Failures, prev, prev)
		return
	}

	next = next.Builder().
		Version(max(prev.Version()+1, next.Version())).
		StateUUID(uuid.New()).
		Build()

	pubCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	pubStart := time.Now()
	err = s.publisher.Publish(pubCtx, prev, next)
	cancel()

	if err != nil {
		if errors.Is(err, ErrNotMaster) || !s.stillMaster(term) {
			s.metrics.recordPublication(time.Since(pubStart), "not_master")
			s.StepDown(fmt.Sprintf("publication of version [%d] failed: %v", next.Version(), err))
			s.completeAll(batch, noLongerMasterResult())
			return
		}
		s.metrics.recordPublication(time.Since(pubStart), "failed")
		s.logger.Warn("failed to commit cluster state",
			zap.String("source", source),
			zap.Int64("version", next.Version()),
			zap.Error(err))
		s.completeAll(batch, failureResult(&FailedToCommitError{Version: next.Version(), Err: err}))
		return
	}
	s.metrics.recordPublication(time.Since(pubStart), "committed")

	s.applyMu.Lock()
	current := s.state.Load()
	if next.Version() > current.Version() {
		s.swapAndNotify(source, current, next)
	}
	s.applyMu.Unlock()

	s.logger.Info("published cluster state",
		zap.String("source", source),
		zap.Int64("version", next.Version()),
		zap.Stringer("state_uuid", next.StateUUID()),
		zap.Duration("took", time.Since(start)))
	s.completeBatch(batch, res.Failures, prev, next)
}

func (s *Service) execute(exec Executor, current *cluster.State, tasks []Task) (res BatchResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic while executing cluster state update: %v", p)
		}
	}()
	return exec.Execute(current, tasks)
}

func (s *Service) completeAll(batch []*pendingTask, r Result) {
	for _, t := range batch {
		s.complete(t, r)
	}
}

func (s *Service) completeBatch(batch []*pendingTask, failures map[int]error, prev, next *cluster.State) {
	for i, t := range batch {
		if err, ok := failures[i]; ok && err != nil {
			s.complete(t, failureResult(err))
			continue
		}
		s.complete(t, successResult(prev, next))
	}
}

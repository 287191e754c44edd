package master

import (
	"sync"
	"time"
)

type pendingTask struct {
	seq       uint64
	req       Request
	submitted time.Time
	result    chan Result
	once      sync.Once

	// guarded by taskQueue.mu
	queued bool
	timer  *time.Timer
}

// taskQueue holds submitted tasks per priority in submission order. A
// batch is the head of the highest non-empty priority together with every
// other task of that priority sharing its executor.
type taskQueue struct {
	mu     sync.Mutex
	levels [numPriorities][]*pendingTask
	seq    uint64
	size   int

	// signal wakes the master loop; buffered so pushes never block.
	signal chan struct{}

	onTimeout func(*pendingTask)
}

func newTaskQueue(onTimeout func(*pendingTask)) *taskQueue {
	return &taskQueue{
		signal:    make(chan struct{}, 1),
		onTimeout: onTimeout,
	}
}

func (q *taskQueue) push(t *pendingTask) {
	q.mu.Lock()
	q.seq++
	t.seq = q.seq
	t.queued = true
	q.levels[t.req.Priority] = append(q.levels[t.req.Priority], t)
	q.size++
	if t.req.Timeout > 0 {
		t.timer = time.AfterFunc(t.req.Timeout, func() {
			if q.remove(t) {
				q.onTimeout(t)
			}
		})
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
		// Wakeup already pending
	}
}

// popBatch removes and returns the next batch, or nil when empty.
func (q *taskQueue) popBatch() []*pendingTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := range q.levels {
		level := q.levels[p]
		if len(level) == 0 {
			continue
		}

		head := level[0]
		var batch []*pendingTask
		rest := level[:0:0]
		for _, t := range level {
			if t.req.Executor == head.req.Executor {
				batch = append(batch, t)
			} else {
				rest = append(rest, t)
			}
		}
		q.levels[p] = rest
		q.size -= len(batch)

		for _, t := range batch {
			t.queued = false
			if t.timer != nil {
				t.timer.Stop()
			}
		}
		return batch
	}
	return nil
}

// remove takes a still-queued task out of the queue. It reports false when
// the task was already dequeued.
func (q *taskQueue) remove(t *pendingTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !t.queued {
		return false
	}
	level := q.levels[t.req.Priority]
	for i, queued := range level {
		if queued == t {
			q.levels[t.req.Priority] = append(level[:i:i], level[i+1:]...)
			break
		}
	}
	t.queued = false
	q.size--
	return true
}

// drain removes every queued task, highest priority first.
func (q *taskQueue) drain() []*pendingTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var drained []*pendingTask
	for p := range q.levels {
		for _, t := range q.levels[p] {
			t.queued = false
			if t.timer != nil {
				t.timer.Stop()
			}
			drained = append(drained, t)
		}
		q.levels[p] = nil
	}
	q.size = 0
	return drained
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// PendingTask describes a queued task.
type PendingTask struct {
	InsertOrder uint64        `json:"insert_order"`
	Source      string        `json:"source"`
	Priority    string        `json:"priority"`
	TimeInQueue time.Duration `json:"time_in_queue"`
}

func (q *taskQueue) pending(now time.Time) []PendingTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var tasks []PendingTask
	for p := range q.levels {
		for _, t := range q.levels[p] {
			tasks = append(tasks, PendingTask{
				InsertOrder: t.seq,
				Source:      t.req.Source,
				Priority:    t.req.Priority.String(),
				TimeInQueue: now.Sub(t.submitted),
			})
		}
	}
	return tasks
}

package master

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(source string, priority Priority, exec Executor) *pendingTask {
	return &pendingTask{
		req:       Request{Source: source, Priority: priority, Executor: exec},
		submitted: time.Now(),
		result:    make(chan Result, 1),
	}
}

func sources(batch []*pendingTask) []string {
	var out []string
	for _, t := range batch {
		out = append(out, t.req.Source)
	}
	return out
}

func TestTaskQueue_PopBatch(t *testing.T) {
	q := newTaskQueue(func(*pendingTask) {})
	execA := &appendExecutor{}
	execB := &appendExecutor{}

	q.push(newTask("a1", PriorityNormal, execA))
	q.push(newTask("b1", PriorityNormal, execB))
	q.push(newTask("urgent", PriorityUrgent, execB))
	q.push(newTask("a2", PriorityNormal, execA))
	q.push(newTask("languid", PriorityLanguid, execA))
	require.Equal(t, 5, q.len())

	assert.Equal(t, []string{"urgent"}, sources(q.popBatch()))
	assert.Equal(t, []string{"a1", "a2"}, sources(q.popBatch()))
	assert.Equal(t, []string{"b1"}, sources(q.popBatch()))
	assert.Equal(t, []string{"languid"}, sources(q.popBatch()))
	assert.Nil(t, q.popBatch())
	assert.Equal(t, 0, q.len())
}

func TestTaskQueue_Signal(t *testing.T) {
	q := newTaskQueue(func(*pendingTask) {})
	q.push(newTask("a", PriorityNormal, &appendExecutor{}))
	q.push(newTask("b", PriorityNormal, &appendExecutor{}))

	select {
	case <-q.signal:
	default:
		t.Fatal("expected a pending wakeup")
	}
	select {
	case <-q.signal:
		t.Fatal("wakeups should coalesce")
	default:
	}
}

func TestTaskQueue_Timeout(t *testing.T) {
	timedOut := make(chan *pendingTask, 1)
	q := newTaskQueue(func(t *pendingTask) { timedOut <- t })

	task := newTask("slow", PriorityNormal, &appendExecutor{})
	task.req.Timeout = 10 * time.Millisecond
	q.push(task)

	select {
	case got := <-timedOut:
		assert.Same(t, task, got)
	case <-time.After(time.Second):
		t.Fatal("task did not time out")
	}
	assert.Equal(t, 0, q.len())
	assert.False(t, q.remove(task))
	assert.Nil(t, q.popBatch())
}

func TestTaskQueue_PoppedTaskDoesNotTimeOut(t *testing.T) {
	timedOut := make(chan *pendingTask, 1)
	q := newTaskQueue(func(t *pendingTask) { timedOut <- t })

	task := newTask("fast", PriorityNormal, &appendExecutor{})
	task.req.Timeout = 20 * time.Millisecond
	q.push(task)
	require.Len(t, q.popBatch(), 1)

	select {
	case <-timedOut:
		t.Fatal("dequeued task timed out")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTaskQueue_DrainAndPending(t *testing.T) {
	q := newTaskQueue(func(*pendingTask) {})
	q.push(newTask("low", PriorityLow, &appendExecutor{}))
	q.push(newTask("high", PriorityHigh, &appendExecutor{}))

	pending := q.pending(time.Now())
	require.Len(t, pending, 2)
	assert.Equal(t, "high", pending[0].Source)
	assert.Equal(t, "HIGH", pending[0].Priority)
	assert.Equal(t, uint64(2), pending[0].InsertOrder)

	drained := q.drain()
	assert.Equal(t, []string{"high", "low"}, sources(drained))
	assert.Equal(t, 0, q.len())
	assert.Empty(t, q.pending(time.Now()))
}

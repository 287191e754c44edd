package membership

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"clusterd/allocation"
	"clusterd/cluster"
	"clusterd/master"
	"clusterd/persistent"
)

// JoinTask is the payload of a node join request.
type JoinTask struct {
	Node cluster.Node
}

// Joiner adds nodes to the cluster state, or updates a known node whose
// address or roles changed, and places work on them.
type Joiner struct {
	allocation allocation.Service
	logger     *zap.Logger
}

func NewJoiner(alloc allocation.Service, logger *zap.Logger) *Joiner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Joiner{allocation: alloc, logger: logger}
}

func (j *Joiner) Execute(current *cluster.State, tasks []master.Task) (master.BatchResult, error) {
	nodes := current.Nodes().Builder()
	failures := map[int]error{}
	changed := false
	for i, task := range tasks {
		join, ok := task.Payload.(JoinTask)
		if !ok {
			failures[i] = fmt.Errorf("unexpected node join payload %T", task.Payload)
			continue
		}
		if existing, ok := current.Nodes().Get(join.Node.ID); ok && existing.Equal(join.Node) {
			continue
		}
		j.logger.Info("node joining cluster", zap.Stringer("node", join.Node))
		nodes.Add(join.Node)
		changed = true
	}

	if !changed {
		return master.BatchResult{State: current, Failures: failures}, nil
	}

	next := current.Builder().Nodes(nodes.Build()).Build()
	next = persistent.AssignUnassigned(next)
	next = j.allocation.Reroute(next, j.Describe(tasks))
	return master.BatchResult{State: next, Failures: failures}, nil
}

func (j *Joiner) Describe(tasks []master.Task) string {
	parts := make([]string, 0, len(tasks))
	for _, task := range tasks {
		if join, ok := task.Payload.(JoinTask); ok {
			parts = append(parts, join.Node.String())
		}
	}
	return "node-join[" + strings.Join(parts, ", ") + "]"
}

// Submit requests that node be part of the cluster state.
func (j *Joiner) Submit(svc Submitter, node cluster.Node) <-chan master.Result {
	return svc.Submit(master.Request{
		Source:   "node-join",
		Priority: master.PriorityUrgent,
		Executor: j,
		Payload:  JoinTask{Node: node},
		OnResult: func(res master.Result) {
			if res.Outcome == master.OutcomeFailure {
				j.logger.Warn("failed to add node to cluster state", zap.Stringer("node", node), zap.Error(res.Err))
			}
		},
	})
}

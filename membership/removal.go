// Package membership holds the master-side executors that add nodes to and
// remove nodes from the cluster state.
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

// Submitter is the part of the master service the executors submit to.
type Submitter interface {
	Submit(req master.Request) <-chan master.Result
}

// RemovalTask is the payload of a node removal request.
type RemovalTask struct {
	Node   cluster.Node
	Reason string
}

func (t RemovalTask) String() string {
	return fmt.Sprintf("{%s} reason: %s", t.Node, t.Reason)
}

// Remover removes nodes from the cluster state and cleans up what they
// held: persistent task assignments and shard copies.
type Remover struct {
	allocation allocation.Service
	logger     *zap.Logger
}

func NewRemover(alloc allocation.Service, logger *zap.Logger) *Remover {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remover{allocation: alloc, logger: logger}
}

func (r *Remover) Execute(current *cluster.State, tasks []master.Task) (master.BatchResult, error) {
	nodes := current.Nodes().Builder()
	failures := map[int]error{}
	removed := false
	for i, task := range tasks {
		removal, ok := task.Payload.(RemovalTask)
		if !ok {
			failures[i] = fmt.Errorf("unexpected node removal payload %T", task.Payload)
			continue
		}
		if !current.Nodes().Exists(removal.Node.ID) {
			r.logger.Debug("node does not exist in cluster state, ignoring", zap.Stringer("node", removal.Node))
			continue
		}
		nodes.Remove(removal.Node.ID)
		removed = true
	}

	if !removed {
		return master.BatchResult{State: current, Failures: failures}, nil
	}

	next := current.Builder().Nodes(nodes.Build()).Build()
	next = persistent.DisassociateDeadNodes(next)
	next = r.allocation.DisassociateDeadNodes(next, true, "node left: "+r.Describe(tasks))
	return master.BatchResult{State: next, Failures: failures}, nil
}

func (r *Remover) Describe(tasks []master.Task) string {
	parts := make([]string, 0, len(tasks))
	for _, task := range tasks {
		if removal, ok := task.Payload.(RemovalTask); ok {
			parts = append(parts, removal.String())
		}
	}
	return "node-left[" + strings.Join(parts, ", ") + "]"
}

// Submit requests the removal of node. onRemoved, when set, runs after the
// removal has been committed.
func (r *Remover) Submit(svc Submitter, node cluster.Node, reason string, onRemoved func()) <-chan master.Result {
	return svc.Submit(master.Request{
		Source:   "node-left",
		Priority: master.PriorityImmediate,
		Executor: r,
		Payload:  RemovalTask{Node: node, Reason: reason},
		OnResult: func(res master.Result) {
			switch res.Outcome {
			case master.OutcomeSuccess:
				if onRemoved != nil {
					onRemoved()
				}
			case master.OutcomeNoLongerMaster:
				r.logger.Debug("no longer master while processing node removal",
					zap.Stringer("node", node),
					zap.String("reason", reason))
			default:
				r.logger.Error("failed to remove node from cluster state",
					zap.Stringer("node", node),
					zap.String("reason", reason),
					zap.Error(res.Err))
			}
		},
	})
}

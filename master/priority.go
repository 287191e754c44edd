package master

import "fmt"

// Priority orders queued tasks. Lower values are dequeued first.
type Priority int

const (
	PriorityImmediate Priority = iota
	PriorityUrgent
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityLanguid

	numPriorities = int(PriorityLanguid) + 1
)

func (p Priority) String() string {
	switch p {
	case PriorityImmediate:
		return "IMMEDIATE"
	case PriorityUrgent:
		return "URGENT"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	case PriorityLanguid:
		return "LANGUID"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

func (p Priority) valid() bool {
	return p >= PriorityImmediate && p <= PriorityLanguid
}

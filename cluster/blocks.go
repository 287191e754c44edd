package cluster

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// Level is an operation level a block can restrict.
type Level string

const (
	LevelRead          Level = "read"
	LevelWrite         Level = "write"
	LevelMetadataRead  Level = "metadata_read"
	LevelMetadataWrite Level = "metadata_write"
)

// AllLevels lists every operation level.
var AllLevels = []Level{LevelRead, LevelWrite, LevelMetadataRead, LevelMetadataWrite}

// ErrServiceUnavailable is matched by a BlockedError when any of its blocks
// maps to a 503 status.
var ErrServiceUnavailable = errors.New("service unavailable")

// Block is a named restriction attached to a cluster state.
type Block struct {
	ID          int     `json:"id"`
	Description string  `json:"description"`
	Retryable   bool    `json:"retryable"`
	Levels      []Level `json:"levels"`
	Status      int     `json:"status"`
}

// StateNotRecoveredBlock is present on every state until the recovery gate
// has mixed the persisted metadata into the live state.
var StateNotRecoveredBlock = Block{
	ID:          1,
	Description: "state not recovered / initialized",
	Retryable:   true,
	Levels:      AllLevels,
	Status:      http.StatusServiceUnavailable,
}

func (b Block) Contains(level Level) bool {
	return slices.Contains(b.Levels, level)
}

func (b Block) String() string {
	return fmt.Sprintf("%s/%d/%s", http.StatusText(b.Status), b.ID, b.Description)
}

func (b Block) equal(o Block) bool {
	return b.ID == o.ID &&
		b.Description == o.Description &&
		b.Retryable == o.Retryable &&
		b.Status == o.Status &&
		slices.Equal(b.Levels, o.Levels)
}

// Blocks is the immutable set of global blocks of a state.
type Blocks struct {
	global map[int]Block
}

func EmptyBlocks() *Blocks {
	return &Blocks{global: map[int]Block{}}
}

func (b *Blocks) HasGlobalBlock(id int) bool {
	_, ok := b.global[id]
	return ok
}

// Global returns the global blocks ordered by id.
func (b *Blocks) Global() []Block {
	blocks := make([]Block, 0, len(b.global))
	for _, block := range b.global {
		blocks = append(blocks, block)
	}
	slices.SortFunc(blocks, func(a, b Block) int { return a.ID - b.ID })
	return blocks
}

func (b *Blocks) Empty() bool {
	return len(b.global) == 0
}

// WithGlobalBlock returns a set containing block. The receiver is returned
// when the block is already present.
func (b *Blocks) WithGlobalBlock(block Block) *Blocks {
	if existing, ok := b.global[block.ID]; ok && existing.equal(block) {
		return b
	}
	global := make(map[int]Block, len(b.global)+1)
	for id, existing := range b.global {
		global[id] = existing
	}
	global[block.ID] = block
	return &Blocks{global: global}
}

// WithoutGlobalBlock returns a set without the block with the given id. The
// receiver is returned when no such block exists.
func (b *Blocks) WithoutGlobalBlock(id int) *Blocks {
	if !b.HasGlobalBlock(id) {
		return b
	}
	global := make(map[int]Block, len(b.global))
	for existingID, existing := range b.global {
		if existingID != id {
			global[existingID] = existing
		}
	}
	return &Blocks{global: global}
}

// GlobalBlockedError returns a *BlockedError if any global block restricts
// the level, or nil.
func (b *Blocks) GlobalBlockedError(level Level) error {
	var blocking []Block
	for _, block := range b.Global() {
		if block.Contains(level) {
			blocking = append(blocking, block)
		}
	}
	if len(blocking) == 0 {
		return nil
	}
	return &BlockedError{Blocks: blocking}
}

func (b *Blocks) Equal(o *Blocks) bool {
	if b == o {
		return true
	}
	if len(b.global) != len(o.global) {
		return false
	}
	for id, block := range b.global {
		other, ok := o.global[id]
		if !ok || !block.equal(other) {
			return false
		}
	}
	return true
}

// BlockedError is returned for operations rejected by cluster blocks.
type BlockedError struct {
	Blocks []Block
}

func (e *BlockedError) Error() string {
	var sb strings.Builder
	sb.WriteString("blocked by: ")
	for _, block := range e.Blocks {
		sb.WriteString("[")
		sb.WriteString(block.String())
		sb.WriteString("];")
	}
	return sb.String()
}

// Retryable reports whether every blocking block is retryable.
func (e *BlockedError) Retryable() bool {
	for _, block := range e.Blocks {
		if !block.Retryable {
			return false
		}
	}
	return true
}

// Status is the highest status among the blocking blocks.
func (e *BlockedError) Status() int {
	status := 0
	for _, block := range e.Blocks {
		if block.Status > status {
			status = block.Status
		}
	}
	return status
}

func (e *BlockedError) Is(target error) bool {
	return target == ErrServiceUnavailable && e.Status() == http.StatusServiceUnavailable
}

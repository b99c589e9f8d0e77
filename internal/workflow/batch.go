package workflow

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/arcov/conclave/internal/execution"
	"github.com/arcov/conclave/internal/logging"
)

// ChildOutcome is one child execution's terminal result as seen by the
// batch. NodeIndex is the node's global position across the plan's stages
// and fixes the synthesis input order.
type ChildOutcome struct {
	ExecutionID string
	NodeIndex   int
	AgentID     string
	AgentName   string
	Answer      string
	Sources     []execution.SourceLink
	Failed      bool
	Error       string
}

// SettleFunc receives the full outcome set once every tracked child is
// terminal. Outcomes arrive sorted by node index.
type SettleFunc func(batchID string, outcomes []ChildOutcome)

type batch struct {
	pending  int64
	fired    int32
	onSettle SettleFunc

	mu       sync.Mutex
	seen     map[int]bool
	outcomes []ChildOutcome
}

// Coordinator tracks fan-outs of child executions and guarantees the settle
// callback fires exactly once per batch, however many children failed.
type Coordinator struct {
	mu      sync.Mutex
	batches map[string]*batch
	logger  *logging.Logger
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(logger *logging.Logger) *Coordinator {
	return &Coordinator{
		batches: make(map[string]*batch),
		logger:  logger.WithComponent("batch"),
	}
}

// Track registers a batch of total children. onSettle fires exactly once,
// after the total-th terminal outcome is recorded.
func (c *Coordinator) Track(batchID string, total int, onSettle SettleFunc) {
	b := &batch{onSettle: onSettle, seen: make(map[int]bool, total)}
	atomic.StoreInt64(&b.pending, int64(total))

	c.mu.Lock()
	c.batches[batchID] = b
	c.mu.Unlock()
}

// OnTerminal records one child's terminal outcome. The outcome that brings
// the pending count to zero fires the settle callback; failed children count
// the same as completed ones. Outcomes for unknown or already-settled
// batches are dropped, as is a repeated outcome for a node index already
// recorded.
func (c *Coordinator) OnTerminal(batchID string, outcome ChildOutcome) {
	c.mu.Lock()
	b := c.batches[batchID]
	c.mu.Unlock()
	if b == nil {
		c.logger.Warn("terminal outcome for unknown batch", map[string]interface{}{
			"batch_id":  batchID,
			"execution": outcome.ExecutionID,
		})
		return
	}

	b.mu.Lock()
	if b.seen[outcome.NodeIndex] {
		b.mu.Unlock()
		c.logger.Warn("duplicate terminal outcome dropped", map[string]interface{}{
			"batch_id":   batchID,
			"node_index": outcome.NodeIndex,
		})
		return
	}
	b.seen[outcome.NodeIndex] = true
	b.outcomes = append(b.outcomes, outcome)
	b.mu.Unlock()

	if atomic.AddInt64(&b.pending, -1) != 0 {
		return
	}
	// Decrement-to-zero elects exactly one caller; the CAS guards against a
	// duplicate terminal signal for the last child.
	if !atomic.CompareAndSwapInt32(&b.fired, 0, 1) {
		return
	}

	b.mu.Lock()
	outcomes := make([]ChildOutcome, len(b.outcomes))
	copy(outcomes, b.outcomes)
	b.mu.Unlock()
	sort.SliceStable(outcomes, func(i, j int) bool {
		return outcomes[i].NodeIndex < outcomes[j].NodeIndex
	})

	c.mu.Lock()
	delete(c.batches, batchID)
	c.mu.Unlock()

	c.logger.BatchSettled(batchID, len(outcomes))
	b.onSettle(batchID, outcomes)
}

// Settled reports whether a batch is no longer tracked.
func (c *Coordinator) Settled(batchID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.batches[batchID]
	return !ok
}

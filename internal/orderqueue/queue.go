package orderqueue

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	errs "github.com/Aidin1998/tiergate/pkg/errors"

	"github.com/Aidin1998/tiergate/internal/tier"
)

// weightEpsilon absorbs float error so that 20*0.6 floors to 12, not 11.
const weightEpsilon = 1e-9

// TierConfig sizes one sub-queue and its share of each batch.
type TierConfig struct {
	Weight   float64
	Capacity int
}

// ring is a fixed-capacity FIFO guarded by its own mutex.
type ring struct {
	mu   sync.Mutex
	buf  []Operation
	head int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Operation, capacity)}
}

func (r *ring) push(op Operation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == len(r.buf) {
		return false
	}
	r.buf[(r.head+r.size)%len(r.buf)] = op
	r.size++
	return true
}

func (r *ring) popN(n int, out []Operation) []Operation {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > r.size {
		n = r.size
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[r.head])
		r.buf[r.head] = Operation{}
		r.head = (r.head + 1) % len(r.buf)
	}
	r.size -= n
	return out
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// PriorityQueue keeps one bounded FIFO per tier. Tier i is served by sub-queue i,
// so the tier order of the config slice is the priority order.
type PriorityQueue struct {
	subs    []*ring
	configs []TierConfig
	total   atomic.Int64
}

// NewPriorityQueue validates the per-tier configs and allocates the sub-queues.
func NewPriorityQueue(configs []TierConfig) (*PriorityQueue, error) {
	if len(configs) == 0 {
		return nil, errs.Config.Explain("priority queue needs at least one tier")
	}

	sum := 0.0
	for i, c := range configs {
		if c.Weight < 0 || c.Weight > 1 {
			return nil, errs.Config.Explain("tier %d weight %v out of range [0,1]", i, c.Weight)
		}
		if c.Capacity < 1 {
			return nil, errs.Config.Explain("tier %d capacity must be positive", i)
		}
		sum += c.Weight
	}
	if math.Abs(sum-1) > 1e-6 {
		return nil, errs.Config.Explain("tier weights sum to %v, want 1.0", sum)
	}

	q := &PriorityQueue{
		subs:    make([]*ring, len(configs)),
		configs: append([]TierConfig(nil), configs...),
	}
	for i, c := range configs {
		q.subs[i] = newRing(c.Capacity)
	}
	return q, nil
}

// Push appends op to its tier's sub-queue. It never blocks.
func (q *PriorityQueue) Push(op Operation) error {
	idx := int(op.Tier)
	if idx < 0 || idx >= len(q.subs) {
		return fmt.Errorf("operation %s has unknown tier %d", op.ID, idx)
	}
	if !q.subs[idx].push(op) {
		return errs.QueueFull.Explain("%s queue is at capacity %d", op.Tier, q.configs[idx].Capacity)
	}
	q.total.Add(1)
	return nil
}

// DrainWeighted removes up to maxBatchSize operations. Each tier first gets
// floor(maxBatchSize*weight) clipped to its length, then leftover capacity is
// filled from the tiers in priority order. The batch lists tiers in priority
// order and keeps FIFO order within each tier. It never blocks.
func (q *PriorityQueue) DrainWeighted(maxBatchSize int) []Operation {
	if maxBatchSize <= 0 {
		return nil
	}

	perTier := make([][]Operation, len(q.subs))
	taken := 0
	for i, sub := range q.subs {
		quota := int(math.Floor(float64(maxBatchSize)*q.configs[i].Weight + weightEpsilon))
		if quota > maxBatchSize-taken {
			quota = maxBatchSize - taken
		}
		perTier[i] = sub.popN(quota, perTier[i])
		taken += len(perTier[i])
	}

	for i, sub := range q.subs {
		if taken >= maxBatchSize {
			break
		}
		before := len(perTier[i])
		perTier[i] = sub.popN(maxBatchSize-taken, perTier[i])
		taken += len(perTier[i]) - before
	}

	if taken == 0 {
		return nil
	}
	q.total.Add(-int64(taken))

	batch := make([]Operation, 0, taken)
	for _, ops := range perTier {
		batch = append(batch, ops...)
	}
	return batch
}

// Len returns the total number of queued operations.
func (q *PriorityQueue) Len() int {
	// a concurrent drain can pop an item before Push has counted it
	if n := q.total.Load(); n > 0 {
		return int(n)
	}
	return 0
}

// LenOf returns the length of one tier's sub-queue.
func (q *PriorityQueue) LenOf(t tier.Tier) int {
	idx := int(t)
	if idx < 0 || idx >= len(q.subs) {
		return 0
	}
	return q.subs[idx].len()
}

// Capacity returns the configured capacity of one tier's sub-queue.
func (q *PriorityQueue) Capacity(t tier.Tier) int {
	idx := int(t)
	if idx < 0 || idx >= len(q.configs) {
		return 0
	}
	return q.configs[idx].Capacity
}

// Tiers returns the number of sub-queues.
func (q *PriorityQueue) Tiers() int {
	return len(q.subs)
}

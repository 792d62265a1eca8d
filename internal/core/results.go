package core

import (
	"context"
	"sync"
	"time"

	"github.com/Aidin1998/tiergate/internal/scheduler"
	errs "github.com/Aidin1998/tiergate/pkg/errors"
)

// slot is the rendezvous between a submission and its eventual result
type slot struct {
	done        chan struct{}
	result      scheduler.Result
	completedAt time.Time
}

// resultStore holds one slot per submitted operation until it is awaited or
// evicted after the retention period.
type resultStore struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func newResultStore() *resultStore {
	return &resultStore{slots: make(map[string]*slot)}
}

func (rs *resultStore) open(id string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.slots[id] = &slot{done: make(chan struct{})}
}

func (rs *resultStore) discard(id string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.slots, id)
}

// complete stores the result. Unknown or already completed ids are ignored.
func (rs *resultStore) complete(res scheduler.Result, now time.Time) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	s, ok := rs.slots[res.OperationID]
	if !ok || !s.completedAt.IsZero() {
		return false
	}
	s.result = res
	s.completedAt = now
	close(s.done)
	return true
}

// await blocks until id completes or ctx is done. A delivered result is
// removed from the store.
func (rs *resultStore) await(ctx context.Context, id string) (scheduler.Result, error) {
	rs.mu.Lock()
	s, ok := rs.slots[id]
	rs.mu.Unlock()
	if !ok {
		return scheduler.Result{}, errs.NotFound.Explain("no pending result for ticket %s", id)
	}

	select {
	case <-ctx.Done():
		return scheduler.Result{}, ctx.Err()
	case <-s.done:
	}

	rs.discard(id)
	return s.result, nil
}

// evict drops completed results older than retention and returns how many went
func (rs *resultStore) evict(now time.Time, retention time.Duration) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	removed := 0
	for id, s := range rs.slots {
		if !s.completedAt.IsZero() && now.Sub(s.completedAt) >= retention {
			delete(rs.slots, id)
			removed++
		}
	}
	return removed
}

// counts returns the number of pending and completed-but-unclaimed slots
func (rs *resultStore) counts() (pending, completed int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, s := range rs.slots {
		if s.completedAt.IsZero() {
			pending++
		} else {
			completed++
		}
	}
	return pending, completed
}

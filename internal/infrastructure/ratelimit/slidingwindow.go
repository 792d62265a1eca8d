// Package ratelimit admits operations against rolling per-account and per-tier windows
// and parks the overflow on a deferred retry queue.
package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow is a thread-safe rolling-window counter. Time is passed in by
// the caller so the window follows whatever clock the limiter runs on.
type SlidingWindow struct {
	limit    int           // max requests per window, 0 = unlimited
	window   time.Duration // window size
	requests []int64       // timestamps (unix nanos), oldest first
	mu       sync.Mutex
}

// NewSlidingWindow creates a new sliding window limiter.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	size := limit + 1
	if limit <= 0 || limit > 1024 {
		size = 16
	}
	return &SlidingWindow{
		limit:    limit,
		window:   window,
		requests: make([]int64, 0, size),
	}
}

// TakeAt records a request at now and reports whether it fit in the window.
func (sw *SlidingWindow) TakeAt(now time.Time) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.takeLocked(now.UnixNano())
}

// PeekAt returns the requests left in the window and when the oldest one expires.
func (sw *SlidingWindow) PeekAt(now time.Time) (remaining int, reset time.Time) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.peekLocked(now.UnixNano())
}

// CountAt returns the number of requests recorded inside the window.
func (sw *SlidingWindow) CountAt(now time.Time) int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.cleanup(now.UnixNano())
	return len(sw.requests)
}

// Limit returns the configured limit.
func (sw *SlidingWindow) Limit() int {
	return sw.limit
}

// Reset clears the window.
func (sw *SlidingWindow) Reset() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.requests = sw.requests[:0]
}

func (sw *SlidingWindow) unlimited() bool {
	return sw.limit <= 0
}

func (sw *SlidingWindow) hasRoomLocked(now int64) bool {
	if sw.unlimited() {
		return true
	}
	sw.cleanup(now)
	return len(sw.requests) < sw.limit
}

func (sw *SlidingWindow) recordLocked(now int64) {
	if sw.unlimited() {
		return
	}
	sw.requests = append(sw.requests, now)
}

func (sw *SlidingWindow) takeLocked(now int64) bool {
	if !sw.hasRoomLocked(now) {
		return false
	}
	sw.recordLocked(now)
	return true
}

func (sw *SlidingWindow) peekLocked(now int64) (int, time.Time) {
	if sw.unlimited() {
		return -1, time.Unix(0, now)
	}
	sw.cleanup(now)
	reset := time.Unix(0, now)
	if len(sw.requests) > 0 {
		reset = time.Unix(0, sw.requests[0]+sw.window.Nanoseconds())
	}
	return sw.limit - len(sw.requests), reset
}

// cleanup removes timestamps outside the window.
func (sw *SlidingWindow) cleanup(now int64) {
	cutoff := now - sw.window.Nanoseconds()
	idx := 0
	for idx < len(sw.requests) && sw.requests[idx] <= cutoff {
		idx++
	}
	if idx > 0 {
		n := copy(sw.requests, sw.requests[idx:])
		sw.requests = sw.requests[:n]
	}
}

// takeBoth records one request in both windows or in neither. Callers must
// always pass the account window first so lock order stays fixed.
func takeBoth(account, aggregate *SlidingWindow, now time.Time) (bool, time.Time) {
	ts := now.UnixNano()

	account.mu.Lock()
	defer account.mu.Unlock()
	aggregate.mu.Lock()
	defer aggregate.mu.Unlock()

	accountOK := account.hasRoomLocked(ts)
	aggregateOK := aggregate.hasRoomLocked(ts)
	if accountOK && aggregateOK {
		account.recordLocked(ts)
		aggregate.recordLocked(ts)
		return true, now
	}

	reset := now
	if !accountOK {
		_, r := account.peekLocked(ts)
		reset = r
	}
	if !aggregateOK {
		if _, r := aggregate.peekLocked(ts); r.After(reset) {
			reset = r
		}
	}
	return false, reset
}

package calendar

import (
	"sync"
	"time"
)

// quota is the daily provider call budget. The window resets at local
// midnight. One unit covers one executed call, retries included; the budget
// is checked before the first attempt, not per attempt.
type quota struct {
	mu      sync.Mutex
	limit   int
	used    int
	resetAt time.Time

	loc *time.Location
	now func() time.Time
}

func newQuota(limit int, loc *time.Location, now func() time.Time) *quota {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	q := &quota{limit: limit, loc: loc, now: now}
	q.resetAt = nextMidnight(now().In(loc))
	return q
}

func nextMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
}

// tryConsume takes one unit from the current window. It reports false, and
// consumes nothing, when the budget is spent.
func (q *quota) tryConsume() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.roll()
	if q.used >= q.limit {
		return false
	}
	q.used++
	return true
}

// remaining reports how many units the current window still has.
func (q *quota) remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.roll()
	if q.used >= q.limit {
		return 0
	}
	return q.limit - q.used
}

// roll resets the counter when the window boundary has passed. Callers hold
// q.mu.
func (q *quota) roll() {
	now := q.now().In(q.loc)
	if now.Before(q.resetAt) {
		return
	}
	q.used = 0
	q.resetAt = nextMidnight(now)
}

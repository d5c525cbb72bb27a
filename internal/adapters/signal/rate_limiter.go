package signal

import (
	"sync"
	"time"

	"github.com/dkeye/teleconsult/internal/domain"
)

// RequestLimiter is a sliding window on call requests per patient, so one
// client cannot flood doctors with request notifications.
type RequestLimiter struct {
	mu       sync.Mutex
	history  map[domain.UserID][]time.Time
	limit    int
	interval time.Duration
}

func NewRequestLimiter(limit int, interval time.Duration) *RequestLimiter {
	return &RequestLimiter{
		history:  make(map[domain.UserID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *RequestLimiter) Allow(uid domain.UserID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[uid]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[uid] = fresh
		return false
	}
	rl.history[uid] = append(fresh, now)
	return true
}

// Prune forgets users without attempts inside the window.
func (rl *RequestLimiter) Prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	windowStart := time.Now().Add(-rl.interval)
	for uid, attempts := range rl.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(rl.history, uid)
		}
	}
}

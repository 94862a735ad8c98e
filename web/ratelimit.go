package web

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per user. A janitor goroutine drops
// buckets idle for longer than idle; Close stops it.
type RateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu    sync.Mutex
	users map[int64]*userLimiter

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewRateLimiter(limit rate.Limit, burst int, idle time.Duration) *RateLimiter {
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	l := &RateLimiter{
		limit: limit,
		burst: burst,
		idle:  idle,
		now:   time.Now,
		users: make(map[int64]*userLimiter),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.janitor(idle / 3)
	return l
}

// Allow reports whether userID may make one more call now.
func (l *RateLimiter) Allow(userID int64) bool {
	l.mu.Lock()
	now := l.now()
	u, ok := l.users[userID]
	if !ok {
		u = &userLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.users[userID] = u
	}
	u.lastSeen = now
	l.mu.Unlock()
	return u.limiter.AllowN(now, 1)
}

func (l *RateLimiter) janitor(every time.Duration) {
	defer close(l.done)
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.sweep()
		}
	}
}

// sweep removes idle buckets and returns how many it dropped.
func (l *RateLimiter) sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.idle)
	n := 0
	for id, u := range l.users {
		if u.lastSeen.Before(cutoff) {
			delete(l.users, id)
			n++
		}
	}
	return n
}

func (l *RateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}

// Close stops the janitor and waits for it to exit.
func (l *RateLimiter) Close() {
	l.closeOnce.Do(func() {
		close(l.stop)
		<-l.done
	})
}

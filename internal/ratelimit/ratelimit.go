// Package ratelimit tracks per-user send velocity. It is an abuse dampener,
// not a quota ledger: state lives in memory only and resets on restart.
package ratelimit

import (
	"sync"
	"time"

	"sendbot/internal/errkind"
)

const (
	window     = time.Minute
	dailyReset = 24 * time.Hour

	DefaultPerMinute           = 5
	DefaultPerDestinationDaily = 20
)

type Config struct {
	PerMinute           int
	PerDestinationDaily int
}

type userRecord struct {
	windowStart time.Time
	count       int

	dailyResetAt time.Time
	perDest      map[string]int
}

// Limiter enforces a rolling per-minute window per user and an independent
// rolling 24h cap per destination per user.
type Limiter struct {
	mu    sync.Mutex
	cfg   Config
	users map[string]*userRecord

	now func() time.Time
}

func New(cfg Config) *Limiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = DefaultPerMinute
	}
	if cfg.PerDestinationDaily <= 0 {
		cfg.PerDestinationDaily = DefaultPerDestinationDaily
	}
	return &Limiter{
		cfg:   cfg,
		users: map[string]*userRecord{},
		now:   time.Now,
	}
}

// SetClock overrides the time source. Test use only.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// Check records one send attempt and reports whether it may proceed.
//
// The window counter increments on every call, including denied ones, so
// rapid repeats stay denied until the window rolls over. A denied call must
// not reach delivery.
func (l *Limiter) Check(userID, destinationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec := l.users[userID]
	if rec == nil {
		rec = &userRecord{
			windowStart:  now,
			dailyResetAt: now,
			perDest:      map[string]int{},
		}
		l.users[userID] = rec
	}

	if now.Sub(rec.dailyResetAt) > dailyReset {
		rec.perDest = map[string]int{}
		rec.dailyResetAt = now
	}

	if now.Sub(rec.windowStart) < window {
		rec.count++
		if rec.count > l.cfg.PerMinute {
			return errkind.New(errkind.KindRateLimited,
				"sending too fast: at most %d per minute, retry in %s",
				l.cfg.PerMinute, (window - now.Sub(rec.windowStart)).Round(time.Second))
		}
	} else {
		rec.windowStart = now
		rec.count = 1
	}

	rec.perDest[destinationID]++
	if rec.perDest[destinationID] > l.cfg.PerDestinationDaily {
		return errkind.New(errkind.KindRateLimited,
			"daily cap for this destination reached: at most %d per 24h",
			l.cfg.PerDestinationDaily)
	}

	return nil
}

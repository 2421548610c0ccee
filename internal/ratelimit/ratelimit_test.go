package ratelimit

import (
	"testing"
	"time"

	"sendbot/internal/errkind"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newLimiter(cfg Config) (*Limiter, *fakeClock) {
	l := New(cfg)
	c := &fakeClock{t: time.Date(2026, 1, 20, 8, 0, 0, 0, time.UTC)}
	l.SetClock(c.now)
	return l, c
}

func TestWindowCap(t *testing.T) {
	l, _ := newLimiter(Config{PerMinute: 5})

	for i := 0; i < 5; i++ {
		if err := l.Check("u1", "-1001"); err != nil {
			t.Fatalf("send %d should be allowed: %v", i+1, err)
		}
	}
	err := l.Check("u1", "-1001")
	if err == nil {
		t.Fatal("sixth send within the window must be denied")
	}
	if !errkind.Is(err, errkind.KindRateLimited) {
		t.Fatalf("wrong kind: %v", errkind.Of(err))
	}
}

func TestDeniedCallsKeepCounting(t *testing.T) {
	l, clock := newLimiter(Config{PerMinute: 2})

	_ = l.Check("u1", "d")
	_ = l.Check("u1", "d")
	for i := 0; i < 10; i++ {
		if err := l.Check("u1", "d"); err == nil {
			t.Fatalf("call %d should stay denied inside the window", i+3)
		}
	}

	clock.advance(61 * time.Second)
	if err := l.Check("u1", "d"); err != nil {
		t.Fatalf("window rolled over, send should pass: %v", err)
	}
}

func TestWindowRollsOver(t *testing.T) {
	l, clock := newLimiter(Config{PerMinute: 5})

	for i := 0; i < 5; i++ {
		if err := l.Check("u1", "d"); err != nil {
			t.Fatalf("send %d: %v", i+1, err)
		}
	}
	clock.advance(window + time.Second)
	for i := 0; i < 5; i++ {
		if err := l.Check("u1", "d"); err != nil {
			t.Fatalf("post-rollover send %d: %v", i+1, err)
		}
	}
}

func TestPerDestinationDailyCap(t *testing.T) {
	l, clock := newLimiter(Config{PerMinute: 100, PerDestinationDaily: 3})

	for i := 0; i < 3; i++ {
		if err := l.Check("u1", "-2002"); err != nil {
			t.Fatalf("send %d: %v", i+1, err)
		}
	}
	if err := l.Check("u1", "-2002"); err == nil {
		t.Fatal("fourth send to the same destination must hit the daily cap")
	}
	// Another destination is unaffected.
	if err := l.Check("u1", "-3003"); err != nil {
		t.Fatalf("other destination should pass: %v", err)
	}

	clock.advance(dailyReset + time.Minute)
	if err := l.Check("u1", "-2002"); err != nil {
		t.Fatalf("daily counters should reset after 24h: %v", err)
	}
}

func TestUsersAreIndependent(t *testing.T) {
	l, _ := newLimiter(Config{PerMinute: 1})

	if err := l.Check("u1", "d"); err != nil {
		t.Fatalf("u1 first send: %v", err)
	}
	if err := l.Check("u1", "d"); err == nil {
		t.Fatal("u1 second send must be denied")
	}
	if err := l.Check("u2", "d"); err != nil {
		t.Fatalf("u2 must not be affected by u1: %v", err)
	}
}

func TestDefaults(t *testing.T) {
	l := New(Config{})
	if l.cfg.PerMinute != DefaultPerMinute || l.cfg.PerDestinationDaily != DefaultPerDestinationDaily {
		t.Fatalf("defaults not applied: %+v", l.cfg)
	}
}

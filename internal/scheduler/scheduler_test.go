package scheduler

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"sendbot/internal/task"
	logx "sendbot/pkg/logx"
)

type recordingExecutor struct {
	mu    sync.Mutex
	calls []string
	fired chan string
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{fired: make(chan string, 16)}
}

func (e *recordingExecutor) Execute(ctx context.Context, taskID string) {
	e.mu.Lock()
	e.calls = append(e.calls, taskID)
	e.mu.Unlock()
	e.fired <- taskID
}

func (e *recordingExecutor) count(taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, id := range e.calls {
		if id == taskID {
			n++
		}
	}
	return n
}

func newTestService(exec Executor, at time.Time) (*Service, *time.Time) {
	now := at
	s := New(Config{Timezone: "UTC"}, exec, logx.Nop())
	s.SetClock(func() time.Time { return now })
	return s, &now
}

func drain(t *testing.T, ch chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("fired %s, want %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no fire for %s", want)
	}
}

func TestRegisterReplacesExisting(t *testing.T) {
	exec := newRecordingExecutor()
	base := time.Date(2026, 1, 20, 8, 0, 0, 0, time.UTC)
	s, _ := newTestService(exec, base)

	first := task.TriggerSpec{Type: task.TriggerOnce, At: base.Add(time.Hour)}
	second := task.TriggerSpec{Type: task.TriggerInterval, Period: task.Duration(time.Hour), Anchor: base.Add(2 * time.Hour)}

	if err := s.Register("t1", first); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Register("t1", second); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	active := s.Active()
	if len(active) != 1 || active[0] != "t1" {
		t.Fatalf("active = %v, want exactly [t1]", active)
	}
	s.mu.Lock()
	spec := s.regs["t1"].spec
	s.mu.Unlock()
	if spec.Type != task.TriggerInterval {
		t.Fatal("last registration did not win")
	}
}

func TestCancelUnknownIsNoOp(t *testing.T) {
	exec := newRecordingExecutor()
	s, _ := newTestService(exec, time.Date(2026, 1, 20, 8, 0, 0, 0, time.UTC))
	s.Cancel("never-registered") // must not panic or error
	if len(s.Active()) != 0 {
		t.Fatal("unexpected registrations")
	}
}

func TestOnceFiresAndDeregisters(t *testing.T) {
	exec := newRecordingExecutor()
	base := time.Date(2026, 1, 20, 8, 0, 0, 0, time.UTC)
	s, now := newTestService(exec, base)

	at := base.Add(time.Minute)
	if err := s.Register("once1", task.TriggerSpec{Type: task.TriggerOnce, At: at}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Not due yet.
	s.tick(context.Background())
	if exec.count("once1") != 0 {
		t.Fatal("fired early")
	}

	*now = at.Add(time.Second)
	s.tick(context.Background())
	drain(t, exec.fired, "once1")

	if slices.Contains(s.Active(), "once1") {
		t.Fatal("once trigger still registered after firing")
	}

	// Further ticks must not fire it again.
	*now = at.Add(time.Hour)
	s.tick(context.Background())
	if exec.count("once1") != 1 {
		t.Fatalf("fired %d times, want 1", exec.count("once1"))
	}
}

func TestIntervalCoalescesMissedFires(t *testing.T) {
	exec := newRecordingExecutor()
	base := time.Date(2026, 1, 20, 8, 0, 0, 0, time.UTC)
	s, now := newTestService(exec, base)

	spec := task.TriggerSpec{Type: task.TriggerInterval, Period: task.Duration(time.Minute), Anchor: base}
	if err := s.Register("iv1", spec); err != nil {
		t.Fatalf("register: %v", err)
	}

	// The anchor itself is due (registration looks back one grace window).
	s.tick(context.Background())
	drain(t, exec.fired, "iv1")

	// Jump several periods ahead (still within grace): exactly one
	// coalesced fire, not one per missed period.
	*now = base.Add(4 * time.Minute)
	s.tick(context.Background())
	drain(t, exec.fired, "iv1")
	s.tick(context.Background())
	select {
	case <-exec.fired:
		t.Fatal("missed occurrences were replayed instead of coalesced")
	case <-time.After(50 * time.Millisecond):
	}
	if exec.count("iv1") != 2 {
		t.Fatalf("fired %d times, want 2", exec.count("iv1"))
	}

	// Cadence stays anchored: next fire is base+5m, not now+1m.
	s.mu.Lock()
	next := s.regs["iv1"].nextAt
	s.mu.Unlock()
	if !next.Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("next = %v, want %v", next, base.Add(5*time.Minute))
	}
}

func TestMisfireBeyondGraceSkips(t *testing.T) {
	exec := newRecordingExecutor()
	base := time.Date(2026, 1, 20, 8, 0, 0, 0, time.UTC)
	s, now := newTestService(exec, base)

	spec := task.TriggerSpec{Type: task.TriggerCalendar, Rule: task.RuleDaily0800, Anchor: base}
	if err := s.Register("cal1", spec); err != nil {
		t.Fatalf("register: %v", err)
	}

	s.mu.Lock()
	due := s.regs["cal1"].nextAt
	s.mu.Unlock()

	// Wake far beyond the grace window: the occurrence is skipped and the
	// schedule resumes at the next regular occurrence.
	*now = due.Add(DefaultMisfireGrace + time.Hour)
	s.tick(context.Background())
	select {
	case <-exec.fired:
		t.Fatal("stale occurrence fired beyond grace")
	case <-time.After(50 * time.Millisecond):
	}

	s.mu.Lock()
	next := s.regs["cal1"].nextAt
	s.mu.Unlock()
	if !next.After(*now) {
		t.Fatalf("next = %v, not after %v", next, *now)
	}
}

func TestRegisterSpentOnceFails(t *testing.T) {
	exec := newRecordingExecutor()
	base := time.Date(2026, 1, 20, 8, 0, 0, 0, time.UTC)
	s, _ := newTestService(exec, base)

	spec := task.TriggerSpec{Type: task.TriggerOnce, At: base.Add(-DefaultMisfireGrace - time.Hour)}
	if err := s.Register("old", spec); err == nil {
		t.Fatal("expected error for a trigger with no future occurrence")
	}
	if len(s.Active()) != 0 {
		t.Fatal("spent trigger was registered")
	}
}

func TestRunFiresDueTask(t *testing.T) {
	exec := newRecordingExecutor()
	s := New(Config{Timezone: "UTC", MisfireGrace: time.Second}, exec, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	at := time.Now().Add(100 * time.Millisecond)
	if err := s.Register("live1", task.TriggerSpec{Type: task.TriggerOnce, At: at}); err != nil {
		t.Fatalf("register: %v", err)
	}
	drain(t, exec.fired, "live1")
}

package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sendbot/internal/audit"
	"sendbot/internal/delivery"
	"sendbot/internal/policy"
	"sendbot/internal/ratelimit"
	"sendbot/internal/scheduler"
	"sendbot/internal/task"
	logx "sendbot/pkg/logx"
)

type captureStore struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureStore) Append(_ context.Context, e audit.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func (c *captureStore) Prune(context.Context, time.Time) error { return nil }
func (c *captureStore) Close() error                           { return nil }

func (c *captureStore) last(t *testing.T) audit.Entry {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		t.Fatal("no audit entries recorded")
	}
	return c.entries[len(c.entries)-1]
}

type fakeClient struct {
	mu      sync.Mutex
	sent    []delivery.Message
	dests   []string
	outcome delivery.Outcome
	err     error
	panics  bool
	fired   chan struct{}
}

func (f *fakeClient) Send(_ context.Context, _ delivery.Handle, dest string, msg delivery.Message) (delivery.Outcome, error) {
	if f.panics {
		panic("boom")
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.dests = append(f.dests, dest)
	f.mu.Unlock()
	if f.fired != nil {
		f.fired <- struct{}{}
	}
	return f.outcome, f.err
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	repo   *task.Repo
	store  *captureStore
	client *fakeClient
	exec   *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	repo := task.NewRepo(filepath.Join(dir, "tasks.json"), logx.Nop())
	if err := repo.Load(); err != nil {
		t.Fatalf("load repo: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "user_7.session"), []byte("x"), 0o600); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	store := &captureStore{}
	client := &fakeClient{}
	exec := New(
		repo,
		ratelimit.New(ratelimit.Config{}),
		policy.New(policy.Config{}, logx.Nop()),
		delivery.NewFileSessions(dir),
		client,
		audit.NewSink(store, logx.Nop()),
		logx.Nop(),
	)
	return &fixture{repo: repo, store: store, client: client, exec: exec}
}

func (f *fixture) put(t *testing.T, rec task.Record) task.Record {
	t.Helper()
	if rec.Trigger.Type == "" {
		rec.Trigger = task.TriggerSpec{Type: task.TriggerOnce, At: time.Now().Add(time.Hour)}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := f.repo.Put(rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	return rec
}

func textRecord(id string) task.Record {
	return task.Record{
		ID:            id,
		OwnerID:       "7",
		Kind:          task.KindText,
		DestinationID: "-1001",
		Text:          "hello",
	}
}

func TestExecuteDeliversText(t *testing.T) {
	f := newFixture(t)
	rec := f.put(t, textRecord("text_7_1"))

	f.exec.Execute(context.Background(), rec.ID)

	if f.client.calls() != 1 {
		t.Fatalf("client calls = %d, want 1", f.client.calls())
	}
	if f.client.sent[0].Text != "hello" || f.client.dests[0] != "-1001" {
		t.Fatalf("sent %+v to %q", f.client.sent[0], f.client.dests[0])
	}
	e := f.store.last(t)
	if e.Operation != "execute_task" || e.Result != audit.ResultSuccess || e.UserID != "7" {
		t.Fatalf("audit entry %+v", e)
	}
}

func TestExecuteStaleTaskAuditsAndReturns(t *testing.T) {
	f := newFixture(t)

	f.exec.Execute(context.Background(), "text_7_404")

	if f.client.calls() != 0 {
		t.Fatal("client must not be called for a missing task")
	}
	e := f.store.last(t)
	if e.Result != audit.ResultFailed || !strings.Contains(e.Detail, "stale trigger") {
		t.Fatalf("audit entry %+v", e)
	}
}

func TestSixthSendInWindowDenied(t *testing.T) {
	f := newFixture(t)
	rec := f.put(t, textRecord("text_7_2"))

	for i := 0; i < 6; i++ {
		f.exec.Execute(context.Background(), rec.ID)
	}

	if f.client.calls() != 5 {
		t.Fatalf("client calls = %d, want 5", f.client.calls())
	}
	e := f.store.last(t)
	if e.Result != audit.ResultFailed || !strings.Contains(e.Detail, "too fast") {
		t.Fatalf("audit entry %+v", e)
	}
}

func TestCheckinAdminCommandDenied(t *testing.T) {
	f := newFixture(t)
	rec := f.put(t, task.Record{
		ID:            "checkin_7_3",
		OwnerID:       "7",
		Kind:          task.KindCheckin,
		DestinationID: "-1001",
		CheckinCmd:    "/ban 12345",
	})

	f.exec.Execute(context.Background(), rec.ID)

	if f.client.calls() != 0 {
		t.Fatal("admin command must not be delivered")
	}
	e := f.store.last(t)
	if e.Result != audit.ResultFailed || !strings.Contains(e.Detail, "/ban") {
		t.Fatalf("audit entry %+v", e)
	}
}

func TestMediaBannedExtensionDenied(t *testing.T) {
	f := newFixture(t)
	rec := f.put(t, task.Record{
		ID:            "media_7_4",
		OwnerID:       "7",
		Kind:          task.KindMedia,
		DestinationID: "-1001",
		MediaPath:     "/data/media/payload.exe",
	})

	f.exec.Execute(context.Background(), rec.ID)

	if f.client.calls() != 0 {
		t.Fatal("banned extension must not be delivered")
	}
	if e := f.store.last(t); e.Result != audit.ResultFailed {
		t.Fatalf("audit entry %+v", e)
	}
}

func TestUnauthorizedOwnerIsBlocked(t *testing.T) {
	f := newFixture(t)
	rec := f.put(t, task.Record{
		ID:            "text_9_5",
		OwnerID:       "9", // no session file seeded for this owner
		Kind:          task.KindText,
		DestinationID: "-1001",
		Text:          "hello",
	})

	f.exec.Execute(context.Background(), rec.ID)

	if f.client.calls() != 0 {
		t.Fatal("unauthorized owner must not reach delivery")
	}
	e := f.store.last(t)
	if e.Result != audit.ResultFailed || !strings.Contains(e.Detail, "not authorized") {
		t.Fatalf("audit entry %+v", e)
	}
}

func TestDeliveryFailureIsAudited(t *testing.T) {
	f := newFixture(t)
	rec := f.put(t, textRecord("text_7_6"))
	f.client.outcome = delivery.OutcomeDestinationNotFound

	f.exec.Execute(context.Background(), rec.ID)

	e := f.store.last(t)
	if e.Result != audit.ResultFailed || e.Detail != "destination_not_found" {
		t.Fatalf("audit entry %+v", e)
	}
}

// The full path of a one-time task: registered, fires once, delivers,
// audits success, and leaves the scheduler.
func TestScheduledOnceTaskEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.client.fired = make(chan struct{}, 1)

	sched := scheduler.New(scheduler.Config{}, f.exec, logx.Nop())
	rec := f.put(t, task.Record{
		ID:            "text_7_100",
		OwnerID:       "7",
		Kind:          task.KindText,
		Trigger:       task.TriggerSpec{Type: task.TriggerOnce, At: time.Now().Add(100 * time.Millisecond)},
		DestinationID: "-1001",
		Text:          "hello",
	})
	if err := sched.Register(rec.ID, rec.Trigger); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	select {
	case <-f.client.fired:
	case <-time.After(3 * time.Second):
		t.Fatal("task did not fire")
	}

	if f.client.dests[0] != "-1001" || f.client.sent[0].Text != "hello" {
		t.Fatalf("delivered %+v to %q", f.client.sent[0], f.client.dests[0])
	}
	e := f.store.last(t)
	if e.Operation != "execute_task" || e.Result != audit.ResultSuccess {
		t.Fatalf("audit entry %+v", e)
	}

	// One-time triggers leave the active set after firing.
	deadline := time.Now().Add(2 * time.Second)
	for len(sched.Active()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("still active: %v", sched.Active())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	f := newFixture(t)
	rec := f.put(t, textRecord("text_7_7"))
	f.client.panics = true

	f.exec.Execute(context.Background(), rec.ID) // must not panic the caller

	e := f.store.last(t)
	if e.Result != audit.ResultFailed || !strings.Contains(e.Detail, "panic") {
		t.Fatalf("audit entry %+v", e)
	}
}

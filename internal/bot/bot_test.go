package bot

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"sendbot/internal/task"
	logx "sendbot/pkg/logx"
)

func TestRenderTasks(t *testing.T) {
	repo := task.NewRepo(filepath.Join(t.TempDir(), "tasks.json"), logx.Nop())
	if err := repo.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	b := &Bot{repo: repo}

	if got := b.renderTasks("7"); got != "You have no scheduled tasks." {
		t.Fatalf("empty render = %q", got)
	}

	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	rec := task.Record{
		ID:            task.NewID(task.KindText, "7", now),
		OwnerID:       "7",
		Kind:          task.KindText,
		Trigger:       task.TriggerSpec{Type: task.TriggerInterval, Period: task.Duration(24 * time.Hour), Anchor: now},
		DestinationID: "-1001",
		Text:          "good morning",
		CreatedAt:     now,
	}
	if err := repo.Put(rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	out := b.renderTasks("7")
	for _, want := range []string{rec.ID, "every day", "-1001", "good morning", "(1)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("listing %q missing %q", out, want)
		}
	}
}

func TestDescribeTaskTruncatesPayload(t *testing.T) {
	rec := task.Record{
		ID:            "text_7_1",
		Kind:          task.KindText,
		Trigger:       task.TriggerSpec{Type: task.TriggerOnce, At: time.Now()},
		DestinationID: "-1001",
		Text:          strings.Repeat("a", 200),
	}
	out := describeTask(rec)
	if !strings.Contains(out, "...") {
		t.Fatalf("long payload should be truncated: %q", out)
	}
	if strings.Contains(out, strings.Repeat("a", 61)) {
		t.Fatalf("payload not truncated: %q", out)
	}

	// Multibyte payloads must be cut on rune boundaries, otherwise the
	// listing carries invalid UTF-8 and Telegram rejects the edit.
	rec.Text = "a" + strings.Repeat("早安打卡", 30)
	out = describeTask(rec)
	if !utf8.ValidString(out) {
		t.Fatalf("truncated listing is not valid UTF-8: %q", out)
	}
	if !strings.Contains(out, "...") {
		t.Fatalf("long multibyte payload should be truncated: %q", out)
	}
}

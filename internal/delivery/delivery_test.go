package delivery

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"sendbot/internal/errkind"
)

func TestFileSessionsResolve(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "user_42.session"), []byte("x"), 0o600); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	r := NewFileSessions(dir)

	h, err := r.Resolve("42")
	if err != nil {
		t.Fatalf("resolve authorized: %v", err)
	}
	if h.UserID != "42" {
		t.Fatalf("handle user = %q, want 42", h.UserID)
	}
	if filepath.Base(h.SessionPath) != "user_42.session" {
		t.Fatalf("handle session path = %q", h.SessionPath)
	}

	if _, err := r.Resolve("7"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("resolve unauthorized: got %v, want ErrNotAuthorized", err)
	}
	if !errkind.Is(ErrNotAuthorized, errkind.KindDelivery) {
		t.Fatal("ErrNotAuthorized should carry the delivery kind")
	}
}

func TestOutcomeString(t *testing.T) {
	cases := map[Outcome]string{
		OutcomeSuccess:             "success",
		OutcomeDestinationNotFound: "destination_not_found",
		OutcomeFailed:              "failed",
	}
	for o, want := range cases {
		if got := o.String(); got != want {
			t.Errorf("Outcome(%d).String() = %q, want %q", o, got, want)
		}
	}
}

func TestIsChatNotFound(t *testing.T) {
	if !isChatNotFound(errors.New("telegram: Bad Request: chat not found (400)")) {
		t.Fatal("description match should classify as not found")
	}
	if isChatNotFound(errors.New("telegram: Too Many Requests (429)")) {
		t.Fatal("unrelated error classified as not found")
	}
}

func TestChatRecipient(t *testing.T) {
	if got := chatRecipient("-1001").Recipient(); got != "-1001" {
		t.Fatalf("Recipient() = %q", got)
	}
	if got := chatRecipient("@channel").Recipient(); got != "@channel" {
		t.Fatalf("Recipient() = %q", got)
	}
}

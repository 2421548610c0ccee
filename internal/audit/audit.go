// Package audit persists an operation trail: who did what, with what
// result. Entries are compact and schema-stable; the sink never raises
// back into callers.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	logx "sendbot/pkg/logx"
)

var ErrDisabled = errors.New("audit disabled")

// detailMax caps the free-form detail field.
const detailMax = 200

// Config configures the audit store.
//
// Driver values:
//   - "file": append-only JSON Lines
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", auditing is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Entry struct {
	At        time.Time `json:"at"`
	UserID    string    `json:"user_id"`
	Operation string    `json:"operation"`
	Result    string    `json:"result"`
	Detail    string    `json:"detail,omitempty"`
}

const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// Store is the persistence API behind the sink.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// Prune drops entries recorded before cutoff.
	Prune(ctx context.Context, cutoff time.Time) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if auditing is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown audit driver: " + driver)
	}
}

// Sink is the fire-and-forget front of a Store. A nil-store Sink is valid
// and drops everything.
type Sink struct {
	store Store
	log   logx.Logger
}

func NewSink(store Store, log logx.Logger) *Sink {
	return &Sink{store: store, log: log}
}

// Record writes one entry, best-effort. Failures are logged, never returned.
func (s *Sink) Record(userID, operation, result, detail string) {
	if s == nil || s.store == nil {
		return
	}
	if len(detail) > detailMax {
		// Back off to a rune boundary so the stored tail stays valid UTF-8.
		cut := detailMax
		for cut > 0 && !utf8.RuneStart(detail[cut]) {
			cut--
		}
		detail = detail[:cut]
	}
	e := Entry{
		At:        time.Now(),
		UserID:    userID,
		Operation: operation,
		Result:    result,
		Detail:    detail,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.Append(ctx, e); err != nil {
		s.log.Warn("audit append failed", logx.String("op", operation), logx.Err(err))
	}
}

// Prune drops entries older than the retention period, best-effort.
func (s *Sink) Prune(ctx context.Context, retention time.Duration) {
	if s == nil || s.store == nil || retention <= 0 {
		return
	}
	if err := s.store.Prune(ctx, time.Now().Add(-retention)); err != nil {
		s.log.Warn("audit prune failed", logx.Err(err))
	}
}

package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Limits    LimitsConfig    `json:"limits,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Policy    PolicyConfig    `json:"policy,omitempty"`
	Storage   StorageConfig   `json:"storage,omitempty"`
	Paths     PathsConfig     `json:"paths,omitempty"`
	Web       WebConfig       `json:"web,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

// LimitsConfig controls the abuse dampeners.
//
// Defaults (when fields are omitted/zero):
//   - per_minute: 5
//   - per_destination_daily: 20
//   - send_rate_per_sec: 1
type LimitsConfig struct {
	PerMinute           int `json:"per_minute,omitempty"`
	PerDestinationDaily int `json:"per_destination_daily,omitempty"`

	// SendRatePerSec paces outbound delivery calls across all users,
	// independent of the per-user caps.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
}

type SchedulerConfig struct {
	// Timezone is the IANA zone calendar rules are evaluated in,
	// e.g. "Asia/Shanghai". Empty means the process-local zone.
	Timezone string `json:"timezone,omitempty"`

	// MisfireGrace is a Go duration string. A due fire older than this is
	// skipped rather than replayed. Default "300s".
	MisfireGrace string `json:"misfire_grace,omitempty"`
}

type PolicyConfig struct {
	// KeywordsFile is a denylist file, one substring per line.
	// A missing file means an empty denylist.
	KeywordsFile string `json:"keywords_file,omitempty"`
}

// StorageConfig covers both the durable task store and the audit sink.
type StorageConfig struct {
	// TasksFile is the JSON document holding all task records.
	TasksFile string `json:"tasks_file,omitempty"`

	// Audit driver: "file", "sqlite", or "none"/empty to disable.
	AuditDriver string `json:"audit_driver,omitempty"`
	AuditPath   string `json:"audit_path,omitempty"`

	// AuditBusyTimeout is a Go duration string (sqlite only).
	AuditBusyTimeout string `json:"audit_busy_timeout,omitempty"`

	// RetentionDays prunes audit entries older than this. Default 30.
	RetentionDays int `json:"retention_days,omitempty"`
}

type PathsConfig struct {
	SessionsDir string `json:"sessions_dir,omitempty"`
	MediaDir    string `json:"media_dir,omitempty"`
}

type WebConfig struct {
	// LoginURL is shown to users who have no session credential yet.
	// The authorization page itself is a separate service.
	LoginURL string `json:"login_url,omitempty"`
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.misfire_grace", c.Scheduler.MisfireGrace); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.audit_busy_timeout", c.Storage.AuditBusyTimeout); err != nil {
		return err
	}
	if c.Limits.PerMinute < 0 || c.Limits.PerDestinationDaily < 0 || c.Limits.SendRatePerSec < 0 {
		return fmt.Errorf("limits values must be >= 0")
	}
	if c.Storage.RetentionDays < 0 {
		return fmt.Errorf("storage.retention_days must be >= 0")
	}
	return nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

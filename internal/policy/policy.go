// Package policy screens outgoing content before it is handed to delivery.
package policy

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"sendbot/internal/errkind"
	logx "sendbot/pkg/logx"
)

// bannedExtensions blocks executable-like attachments. Compared
// case-insensitively against the filename extension only.
var bannedExtensions = []string{".exe", ".bat", ".sh", ".py", ".js"}

// adminCommands are group administration commands a check-in task must never
// carry, regardless of the keyword denylist.
var adminCommands = []string{"/kick", "/ban", "/mute", "/unban", "/promote"}

type Config struct {
	// KeywordsFile holds denylisted substrings, one per line.
	// Missing file means an empty denylist.
	KeywordsFile string
}

type Checker struct {
	log logx.Logger

	// keywords is loaded once at construction and never mutated; ordered,
	// first match wins.
	keywords []string
}

func New(cfg Config, log logx.Logger) *Checker {
	c := &Checker{log: log}
	c.keywords = loadKeywords(cfg.KeywordsFile, log)
	return c
}

func loadKeywords(path string, log logx.Logger) []string {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("keywords file unreadable", logx.String("path", path), logx.Err(err))
		}
		return nil
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		kw := strings.TrimSpace(sc.Text())
		if kw != "" {
			out = append(out, kw)
		}
	}
	if err := sc.Err(); err != nil {
		log.Warn("keywords file read error", logx.String("path", path), logx.Err(err))
	}
	log.Info("keyword denylist loaded", logx.Int("count", len(out)))
	return out
}

// Keywords reports how many denylist entries are active.
func (c *Checker) Keywords() int { return len(c.keywords) }

// CheckText rejects content containing any denylisted substring.
// Matching is case-sensitive; the first listed match wins.
func (c *Checker) CheckText(content string) error {
	if content == "" {
		return nil
	}
	for _, kw := range c.keywords {
		if strings.Contains(content, kw) {
			return errkind.New(errkind.KindPolicyDenied, "content contains a banned keyword: %s", kw)
		}
	}
	return nil
}

// CheckAttachment rejects executable-like filenames.
func (c *Checker) CheckAttachment(filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, banned := range bannedExtensions {
		if ext == banned {
			return errkind.New(errkind.KindPolicyDenied, "executable attachments are not allowed (%s)", ext)
		}
	}
	return nil
}

// CheckCheckin rejects administrative commands in check-in payloads.
// This is independent of the keyword denylist and evaluated first.
func (c *Checker) CheckCheckin(cmd string) error {
	for _, admin := range adminCommands {
		if strings.Contains(cmd, admin) {
			return errkind.New(errkind.KindPolicyDenied, "group administration commands are not allowed (%s)", admin)
		}
	}
	return nil
}

package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "sendbot/pkg/logx"
)

// renameFile is swapped out in tests to exercise compaction swap failures.
var renameFile = os.Rename

// fileStore is a dependency-free audit backend: one JSON object per line,
// append-only. Prune rewrites the file keeping only fresh entries.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	f    *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("audit path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) Append(ctx context.Context, e Entry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.f).Encode(e)
}

func (s *fileStore) Prune(ctx context.Context, cutoff time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("audit file closed")
	}

	in, err := os.Open(s.path)
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		_ = in.Close()
		return err
	}

	kept := 0
	enc := json.NewEncoder(out)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue // drop unreadable lines during compaction
		}
		if e.At.Before(cutoff) {
			continue
		}
		if err := enc.Encode(e); err != nil {
			_ = in.Close()
			_ = out.Close()
			_ = os.Remove(tmp)
			return err
		}
		kept++
	}
	scanErr := sc.Err()
	_ = in.Close()
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if scanErr != nil {
		_ = os.Remove(tmp)
		return scanErr
	}

	// Swap the live file under the lock; reopen the append handle either
	// way so later appends keep working, then report the swap failure.
	_ = s.f.Close()
	renameErr := renameFile(tmp, s.path)
	if renameErr != nil {
		_ = os.Remove(tmp)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.f = nil
		return err
	}
	s.f = f
	if renameErr != nil {
		return renameErr
	}
	s.log.Debug("audit pruned", logx.Int("kept", kept))
	return nil
}

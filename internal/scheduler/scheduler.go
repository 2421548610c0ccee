// Package scheduler holds the active trigger set for a running process and
// turns due fires into executor calls.
package scheduler

import (
	"context"
	"sync"
	"time"

	"sendbot/internal/errkind"
	"sendbot/internal/task"
	logx "sendbot/pkg/logx"
)

const DefaultMisfireGrace = 300 * time.Second

// Executor runs one fired task. Implementations must never panic the
// scheduler loop; failures are theirs to record.
type Executor interface {
	Execute(ctx context.Context, taskID string)
}

type Config struct {
	// Timezone is the IANA zone calendar rules are evaluated in.
	// Empty means the process-local zone.
	Timezone string

	// MisfireGrace bounds how stale a due fire may be and still run.
	// Beyond it the occurrence is skipped and the schedule resumes at the
	// next regular occurrence. Zero means DefaultMisfireGrace.
	MisfireGrace time.Duration
}

type registration struct {
	spec   task.TriggerSpec
	nextAt time.Time
}

// Service is the single scheduling loop. Registrations are an idempotent
// upsert by task id; fires run on their own goroutines so one slow delivery
// cannot stall the loop or other due fires.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	loc  *time.Location
	exec Executor

	regs map[string]*registration

	// wake nudges the loop after Register/Cancel changed the horizon.
	wake chan struct{}

	now func() time.Time
}

func New(cfg Config, exec Executor, log logx.Logger) *Service {
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = DefaultMisfireGrace
	}
	loc := time.Local
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		} else {
			log.Warn("invalid timezone, falling back to Local", logx.String("tz", cfg.Timezone), logx.Err(err))
		}
	}
	return &Service{
		cfg:  cfg,
		log:  log,
		loc:  loc,
		exec: exec,
		regs: map[string]*registration{},
		wake: make(chan struct{}, 1),
		now:  time.Now,
	}
}

// SetClock overrides the time source. Test use only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Location exposes the calendar evaluation zone.
func (s *Service) Location() *time.Location { return s.loc }

// Register adds or replaces the registration for taskID (last write wins).
// It fails when the trigger is malformed or has no future occurrence inside
// the misfire grace window.
func (s *Service) Register(taskID string, spec task.TriggerSpec) error {
	if err := spec.Validate(); err != nil {
		return errkind.Wrap(errkind.KindValidation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Looking back one grace window lets a fire missed during downtime
	// come due immediately instead of being lost.
	next, ok := spec.NextFire(s.now().Add(-s.cfg.MisfireGrace), s.loc)
	if !ok {
		return errkind.New(errkind.KindValidation, "trigger has no future occurrence")
	}
	s.regs[taskID] = &registration{spec: spec, nextAt: next}
	s.log.Debug("task registered", logx.String("task", taskID), logx.Time("next", next))
	s.nudgeLocked()
	return nil
}

// Cancel removes the registration. Unknown ids are a no-op: deleting a task
// record that never registered must not be an error.
func (s *Service) Cancel(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regs[taskID]; !ok {
		return
	}
	delete(s.regs, taskID)
	s.log.Debug("task cancelled", logx.String("task", taskID))
	s.nudgeLocked()
}

// Active returns a snapshot of the registered task ids.
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.regs))
	for id := range s.regs {
		out = append(out, id)
	}
	return out
}

func (s *Service) nudgeLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run blocks, firing due registrations until ctx is done.
func (s *Service) Run(ctx context.Context) {
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Duration("grace", s.cfg.MisfireGrace))
	for {
		wait := s.tick(ctx)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("scheduler stopped")
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// idleWait bounds sleep while no registration exists, so clock adjustments
// and registration races never strand the loop.
const idleWait = time.Minute

// tick fires everything due and returns how long to sleep until the next
// horizon. No lock is held while executors run.
func (s *Service) tick(ctx context.Context) time.Duration {
	now := s.now()

	s.mu.Lock()
	var due []string
	for id, reg := range s.regs {
		if !reg.nextAt.After(now) {
			due = append(due, id)
		}
	}

	var fire []string
	for _, id := range due {
		reg := s.regs[id]
		late := now.Sub(reg.nextAt)
		if late > s.cfg.MisfireGrace {
			s.log.Warn("misfire beyond grace, skipping occurrence",
				logx.String("task", id), logx.Duration("late", late))
		} else {
			fire = append(fire, id)
		}

		// Coalesce: the next occurrence is computed past "now", so a
		// backlog of missed fires collapses into the one above.
		next, ok := reg.spec.NextFire(now, s.loc)
		if !ok {
			delete(s.regs, id)
			continue
		}
		reg.nextAt = next
	}

	wait := idleWait
	for _, reg := range s.regs {
		if d := reg.nextAt.Sub(now); d < wait {
			wait = d
		}
	}
	s.mu.Unlock()

	for _, id := range fire {
		go s.exec.Execute(ctx, id)
	}

	if wait < 0 {
		wait = 0
	}
	return wait
}

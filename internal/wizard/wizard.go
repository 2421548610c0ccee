// Package wizard drives the per-user interactive flow that collects a task
// definition across several turns: pick a kind, pick a trigger, type the
// start time, type the payload, commit. A parallel one-step flow handles
// deletion by id.
package wizard

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sendbot/internal/audit"
	"sendbot/internal/errkind"
	"sendbot/internal/policy"
	"sendbot/internal/task"
	logx "sendbot/pkg/logx"
)

// Step names the wizard's current position in the flow.
type Step int

const (
	StepNone Step = iota
	StepSelectTrigger
	StepTimeInput
	StepPayloadInput
	StepDeleteTaskID
)

// Menu actions the wizard understands. Trigger choices come on top of
// these, as task.TriggerChoice values.
const (
	ActionAddText    = "add_text"
	ActionAddCheckin = "add_checkin"
	ActionAddMedia   = "add_media"
	ActionDelete     = "delete"
)

// MenuHint tells the transport which keyboard to attach to a reply.
type MenuHint int

const (
	MenuNone MenuHint = iota
	MenuMain
	MenuTrigger
)

// Reply is what the user should see next.
type Reply struct {
	Text string
	Menu MenuHint
}

// Registrar is the scheduler-facing half of a commit.
type Registrar interface {
	Register(taskID string, spec task.TriggerSpec) error
	Cancel(taskID string)
}

type draft struct {
	kind    task.Kind
	choice  task.TriggerChoice
	trigger task.TriggerSpec
}

type state struct {
	step  Step
	draft draft
}

// Manager holds one WizardState per user. Starting any new flow discards
// the previous one.
type Manager struct {
	repo     *task.Repo
	reg      Registrar
	policy   *policy.Checker
	sink     *audit.Sink
	log      logx.Logger
	mediaDir string
	loc      *time.Location

	mu     sync.Mutex
	states map[string]*state

	now func() time.Time
}

func New(repo *task.Repo, reg Registrar, checker *policy.Checker, sink *audit.Sink, mediaDir string, loc *time.Location, log logx.Logger) *Manager {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		repo:     repo,
		reg:      reg,
		policy:   checker,
		sink:     sink,
		log:      log,
		mediaDir: mediaDir,
		loc:      loc,
		states:   map[string]*state{},
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test use only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Step reports the user's current step, StepNone when idle.
func (m *Manager) Step(userID string) Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.states[userID]; st != nil {
		return st.step
	}
	return StepNone
}

// Cancel discards the user's draft, if any. Safe when idle.
func (m *Manager) Cancel(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, userID)
}

// Select advances the flow on a menu selection. Unknown options and
// out-of-order trigger choices return validation errors without touching
// the draft.
func (m *Manager) Select(userID, option string) (Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch option {
	case ActionAddText, ActionAddCheckin, ActionAddMedia:
		kind := task.KindText
		switch option {
		case ActionAddCheckin:
			kind = task.KindCheckin
		case ActionAddMedia:
			kind = task.KindMedia
		}
		// A fresh flow always replaces whatever was in progress.
		m.states[userID] = &state{step: StepSelectTrigger, draft: draft{kind: kind}}
		return Reply{Text: "When should it be sent?", Menu: MenuTrigger}, nil

	case ActionDelete:
		m.states[userID] = &state{step: StepDeleteTaskID}
		return Reply{Text: "Reply with the id of the task to delete."}, nil
	}

	choice := task.TriggerChoice(option)
	if !choice.Valid() {
		return Reply{}, errkind.New(errkind.KindValidation, "unknown menu option %q", option)
	}
	st := m.states[userID]
	if st == nil || st.step != StepSelectTrigger {
		return Reply{}, errkind.New(errkind.KindValidation, "pick a task type from the menu first")
	}
	st.draft.choice = choice
	st.step = StepTimeInput
	return Reply{Text: "Reply with the start time as " + choice.TimeHint() + "."}, nil
}

// Input advances the flow on a free-text reply. chatID is the chat the
// reply arrived in; text tasks are delivered back to it. Invalid input
// returns a validation error and leaves step and draft unchanged.
func (m *Manager) Input(userID, chatID, text string) (Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.states[userID]
	if st == nil {
		return Reply{}, errkind.New(errkind.KindValidation, "nothing in progress, use the menu to start")
	}

	switch st.step {
	case StepTimeInput:
		return m.timeInput(st, text)
	case StepPayloadInput:
		return m.payloadInput(userID, chatID, st, text)
	case StepDeleteTaskID:
		return m.deleteByID(userID, text)
	default:
		return Reply{}, errkind.New(errkind.KindValidation, "pick an option from the menu")
	}
}

func (m *Manager) timeInput(st *state, text string) (Reply, error) {
	spec, err := task.BuildTrigger(st.draft.choice, strings.TrimSpace(text), m.loc)
	if err != nil {
		return Reply{}, err
	}
	if spec.Type == task.TriggerOnce && !spec.At.After(m.now()) {
		return Reply{}, errkind.New(errkind.KindValidation, "that time is already in the past")
	}
	st.draft.trigger = spec
	st.step = StepPayloadInput

	switch st.draft.kind {
	case task.KindCheckin:
		return Reply{Text: "Reply with: <destination id> <check-in command>"}, nil
	case task.KindMedia:
		return Reply{Text: "Reply with: <destination id> <file name> [caption]"}, nil
	default:
		return Reply{Text: "Reply with the message text."}, nil
	}
}

func (m *Manager) payloadInput(userID, chatID string, st *state, text string) (Reply, error) {
	rec := task.Record{
		OwnerID:   userID,
		Kind:      st.draft.kind,
		Trigger:   st.draft.trigger,
		CreatedAt: m.now(),
	}

	switch st.draft.kind {
	case task.KindCheckin:
		parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
		if len(parts) != 2 || parts[0] == "" || strings.TrimSpace(parts[1]) == "" {
			return Reply{}, errkind.New(errkind.KindValidation, "bad format, reply with: <destination id> <check-in command>")
		}
		rec.DestinationID = parts[0]
		rec.CheckinCmd = strings.TrimSpace(parts[1])
		if err := m.policy.CheckCheckin(rec.CheckinCmd); err != nil {
			return Reply{}, err
		}
		if err := m.policy.CheckText(rec.CheckinCmd); err != nil {
			return Reply{}, err
		}

	case task.KindMedia:
		parts := strings.SplitN(strings.TrimSpace(text), " ", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return Reply{}, errkind.New(errkind.KindValidation, "bad format, reply with: <destination id> <file name> [caption]")
		}
		name := parts[1]
		if err := m.policy.CheckAttachment(name); err != nil {
			return Reply{}, err
		}
		path := filepath.Join(userMediaDir(m.mediaDir, userID), filepath.Base(name))
		if _, err := os.Stat(path); err != nil {
			return Reply{}, errkind.New(errkind.KindValidation, "media file %s not found, upload it first", name)
		}
		rec.DestinationID = parts[0]
		rec.MediaPath = path
		if len(parts) == 3 {
			rec.Caption = strings.TrimSpace(parts[2])
			if err := m.policy.CheckText(rec.Caption); err != nil {
				return Reply{}, err
			}
		}

	default:
		body := strings.TrimSpace(text)
		if body == "" {
			return Reply{}, errkind.New(errkind.KindValidation, "the message text is empty")
		}
		if err := m.policy.CheckText(body); err != nil {
			return Reply{}, err
		}
		rec.DestinationID = chatID
		rec.Text = body
	}

	rec.ID = task.NewID(rec.Kind, rec.OwnerID, rec.CreatedAt)
	if err := m.commit(rec); err != nil {
		m.sink.Record(userID, "create_task", audit.ResultFailed, err.Error())
		return Reply{}, err
	}
	delete(m.states, userID)
	m.sink.Record(userID, "create_task", audit.ResultSuccess, rec.ID)
	m.log.Info("task created",
		logx.String("task", rec.ID),
		logx.String("owner", rec.OwnerID),
		logx.String("kind", string(rec.Kind)))
	return Reply{Text: "Task " + rec.ID + " scheduled, " + rec.Trigger.Describe() + ".", Menu: MenuMain}, nil
}

// commit registers first and persists second. A registration failure leaves
// nothing behind; a persistence failure rolls the registration back.
func (m *Manager) commit(rec task.Record) error {
	if err := m.reg.Register(rec.ID, rec.Trigger); err != nil {
		return err
	}
	if err := m.repo.Put(rec); err != nil {
		m.reg.Cancel(rec.ID)
		return err
	}
	return nil
}

func (m *Manager) deleteByID(userID, text string) (Reply, error) {
	taskID := strings.TrimSpace(text)
	delete(m.states, userID)

	if err := m.repo.Delete(userID, taskID); err != nil {
		if errkind.Is(err, errkind.KindNotFound) {
			return Reply{Text: "No such task, nothing deleted.", Menu: MenuMain}, nil
		}
		m.sink.Record(userID, "delete_task", audit.ResultFailed, err.Error())
		return Reply{}, err
	}
	m.reg.Cancel(taskID)
	m.sink.Record(userID, "delete_task", audit.ResultSuccess, taskID)
	m.log.Info("task deleted", logx.String("task", taskID), logx.String("owner", userID))
	return Reply{Text: "Task " + taskID + " deleted.", Menu: MenuMain}, nil
}

// DeleteAll removes and deregisters every task the user owns.
func (m *Manager) DeleteAll(userID string) (int, error) {
	ids, err := m.repo.DeleteAllByOwner(userID)
	if err != nil {
		m.sink.Record(userID, "delete_all_tasks", audit.ResultFailed, err.Error())
		return 0, err
	}
	for _, id := range ids {
		m.reg.Cancel(id)
	}
	if len(ids) > 0 {
		m.sink.Record(userID, "delete_all_tasks", audit.ResultSuccess, strings.Join(ids, ","))
	}
	return len(ids), nil
}

// userMediaDir is where uploaded files for one user live.
func userMediaDir(root, userID string) string {
	return filepath.Join(root, "user_"+userID)
}

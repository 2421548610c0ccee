// Package dispatch executes scheduled tasks end to end: load the record,
// apply velocity and content checks, resolve the sender, deliver, audit.
package dispatch

import (
	"context"
	"fmt"

	"sendbot/internal/audit"
	"sendbot/internal/delivery"
	"sendbot/internal/errkind"
	"sendbot/internal/policy"
	"sendbot/internal/ratelimit"
	"sendbot/internal/task"
	logx "sendbot/pkg/logx"
)

const opExecute = "execute_task"

// Executor runs one task per call. It satisfies the scheduler's executor
// contract and never lets a failure escape back into the scheduling loop.
type Executor struct {
	repo     *task.Repo
	limiter  *ratelimit.Limiter
	policy   *policy.Checker
	sessions delivery.SessionResolver
	client   delivery.Client
	sink     *audit.Sink
	log      logx.Logger
}

func New(repo *task.Repo, limiter *ratelimit.Limiter, checker *policy.Checker, sessions delivery.SessionResolver, client delivery.Client, sink *audit.Sink, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		repo:     repo,
		limiter:  limiter,
		policy:   checker,
		sessions: sessions,
		client:   client,
		sink:     sink,
		log:      log,
	}
}

// Execute runs the task with the given id. All failure modes end in a log
// line and an audit entry; nothing propagates to the caller.
func (e *Executor) Execute(ctx context.Context, taskID string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("task execution panicked", logx.String("task", taskID), logx.Any("panic", r))
			e.sink.Record("", opExecute, audit.ResultFailed, fmt.Sprintf("panic: %v", r))
		}
	}()

	rec, ok := e.repo.Get(taskID)
	if !ok {
		e.log.Warn("fired task no longer exists", logx.String("task", taskID))
		e.sink.Record("", opExecute, audit.ResultFailed, "stale trigger: "+taskID)
		return
	}
	log := e.log.With(
		logx.String("task", rec.ID),
		logx.String("owner", rec.OwnerID),
		logx.String("kind", string(rec.Kind)))

	if err := e.limiter.Check(rec.OwnerID, rec.DestinationID); err != nil {
		e.fail(log, rec, "rate limited", err)
		return
	}
	if err := e.checkContent(rec); err != nil {
		e.fail(log, rec, "content denied", err)
		return
	}

	handle, err := e.sessions.Resolve(rec.OwnerID)
	if err != nil {
		e.fail(log, rec, "session missing", err)
		return
	}

	outcome, err := e.client.Send(ctx, handle, rec.DestinationID, buildMessage(rec))
	if outcome == delivery.OutcomeSuccess {
		log.Info("task delivered", logx.String("dest", rec.DestinationID))
		e.sink.Record(rec.OwnerID, opExecute, audit.ResultSuccess, rec.ID)
		return
	}
	detail := outcome.String()
	if err != nil {
		detail = err.Error()
	}
	log.Warn("task delivery failed", logx.String("dest", rec.DestinationID), logx.String("outcome", outcome.String()), logx.Err(err))
	e.sink.Record(rec.OwnerID, opExecute, audit.ResultFailed, detail)
}

// checkContent applies the per-kind content policy in a fixed order.
func (e *Executor) checkContent(rec task.Record) error {
	switch rec.Kind {
	case task.KindCheckin:
		if err := e.policy.CheckCheckin(rec.CheckinCmd); err != nil {
			return err
		}
		return e.policy.CheckText(rec.CheckinCmd)
	case task.KindMedia:
		if err := e.policy.CheckAttachment(rec.MediaPath); err != nil {
			return err
		}
		if rec.Caption != "" {
			return e.policy.CheckText(rec.Caption)
		}
		return nil
	default:
		return e.policy.CheckText(rec.Text)
	}
}

func (e *Executor) fail(log logx.Logger, rec task.Record, msg string, err error) {
	log.Warn("task blocked: "+msg, logx.String("reason", errkind.Of(err).String()), logx.Err(err))
	e.sink.Record(rec.OwnerID, opExecute, audit.ResultFailed, err.Error())
}

func buildMessage(rec task.Record) delivery.Message {
	switch rec.Kind {
	case task.KindCheckin:
		return delivery.Message{Kind: rec.Kind, Text: rec.CheckinCmd}
	case task.KindMedia:
		return delivery.Message{Kind: rec.Kind, MediaPath: rec.MediaPath, Caption: rec.Caption}
	default:
		return delivery.Message{Kind: rec.Kind, Text: rec.Text}
	}
}

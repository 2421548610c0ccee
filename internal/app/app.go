// Package app assembles the whole bot: config, logging, stores, scheduler,
// wizard, transport. cmd/bot stays a thin flag-and-signals shell around it.
package app

import (
	"context"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"sendbot/internal/audit"
	"sendbot/internal/bot"
	"sendbot/internal/config"
	"sendbot/internal/delivery"
	"sendbot/internal/dispatch"
	"sendbot/internal/policy"
	"sendbot/internal/ratelimit"
	"sendbot/internal/scheduler"
	"sendbot/internal/task"
	"sendbot/internal/wizard"
	logx "sendbot/pkg/logx"
)

const (
	defaultTasksFile   = "data/tasks.json"
	defaultSessionsDir = "data/sessions"
	defaultMediaDir    = "data/user_media"

	defaultRetentionDays = 30

	// auditPruneTaskID is the reserved id of the internal daily retention
	// job. It never appears in the task repository.
	auditPruneTaskID = "internal_audit_prune"
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service

	store audit.Store
	sink  *audit.Sink

	repo  *task.Repo
	sched *scheduler.Service
	wiz   *wizard.Manager
	bot   *bot.Bot

	retention time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Telegram.Token,
		Poller: &tele.LongPoller{Timeout: pollTimeout},
	})
	if err != nil {
		return nil, err
	}

	busyTimeout, err := config.ParseDurationField("storage.audit_busy_timeout", cfg.Storage.AuditBusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := audit.Open(audit.Config{
		Driver:      cfg.Storage.AuditDriver,
		Path:        cfg.Storage.AuditPath,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "audit")))
	if err != nil {
		return nil, err
	}
	sink := audit.NewSink(store, log.With(logx.String("comp", "audit")))

	tasksFile := cfg.Storage.TasksFile
	if tasksFile == "" {
		tasksFile = defaultTasksFile
	}
	repo := task.NewRepo(tasksFile, log.With(logx.String("comp", "tasks")))
	if err := repo.Load(); err != nil {
		return nil, err
	}

	sessionsDir := cfg.Paths.SessionsDir
	if sessionsDir == "" {
		sessionsDir = defaultSessionsDir
	}
	mediaDir := cfg.Paths.MediaDir
	if mediaDir == "" {
		mediaDir = defaultMediaDir
	}

	limiter := ratelimit.New(ratelimit.Config{
		PerMinute:           cfg.Limits.PerMinute,
		PerDestinationDaily: cfg.Limits.PerDestinationDaily,
	})
	checker := policy.New(policy.Config{KeywordsFile: cfg.Policy.KeywordsFile}, log.With(logx.String("comp", "policy")))
	sessions := delivery.NewFileSessions(sessionsDir)
	client := delivery.NewTelegram(tb, float64(cfg.Limits.SendRatePerSec), log.With(logx.String("comp", "delivery")))

	retentionDays := cfg.Storage.RetentionDays
	if retentionDays == 0 {
		retentionDays = defaultRetentionDays
	}
	retention := time.Duration(retentionDays) * 24 * time.Hour

	a := &App{
		cfgm:      cfgm,
		cfg:       cfg,
		log:       log,
		logs:      logs,
		store:     store,
		sink:      sink,
		repo:      repo,
		retention: retention,
	}

	exec := dispatch.New(repo, limiter, checker, sessions, client, sink, log.With(logx.String("comp", "dispatch")))

	misfireGrace, err := config.ParseDurationField("scheduler.misfire_grace", cfg.Scheduler.MisfireGrace)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(scheduler.Config{
		Timezone:     cfg.Scheduler.Timezone,
		MisfireGrace: misfireGrace,
	}, executor{tasks: exec, app: a}, log.With(logx.String("comp", "scheduler")))

	a.wiz = wizard.New(repo, a.sched, checker, sink, mediaDir, a.sched.Location(), log.With(logx.String("comp", "wizard")))
	a.bot = bot.New(tb, a.wiz, repo, sessions, cfg.Web.LoginURL, log.With(logx.String("comp", "bot")))

	return a, nil
}

// executor routes scheduled fires: the reserved maintenance id goes to the
// audit pruner, everything else to the dispatch pipeline.
type executor struct {
	tasks *dispatch.Executor
	app   *App
}

func (e executor) Execute(ctx context.Context, taskID string) {
	if taskID == auditPruneTaskID {
		e.app.sink.Prune(ctx, e.app.retention)
		return
	}
	e.tasks.Execute(ctx, taskID)
}

// Start re-registers persisted tasks and brings up the scheduler loop, the
// config watcher and Telegram polling. It returns immediately.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	registered, skipped := 0, 0
	for _, rec := range a.repo.All() {
		if err := a.sched.Register(rec.ID, rec.Trigger); err != nil {
			// One-time tasks whose instant has long passed stay in the
			// store for listing but never fire again.
			a.log.Warn("stored task not schedulable", logx.String("task", rec.ID), logx.Err(err))
			skipped++
			continue
		}
		registered++
	}
	a.log.Info("stored tasks registered", logx.Int("registered", registered), logx.Int("skipped", skipped))

	if a.store != nil && a.retention > 0 {
		if err := a.sched.Register(auditPruneTaskID, task.TriggerSpec{
			Type:   task.TriggerInterval,
			Period: task.Duration(24 * time.Hour),
			Anchor: nextMidnight(time.Now().In(a.sched.Location())),
		}); err != nil {
			a.log.Warn("audit retention job not registered", logx.Err(err))
		}
	}

	a.wg.Add(3)
	go func() {
		defer a.wg.Done()
		a.sched.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("config watcher stopped", logx.Err(err))
		}
	}()
	go func() {
		defer a.wg.Done()
		a.bot.Run(ctx)
	}()

	// Live log-level changes from config reloads.
	sub := a.cfgm.Subscribe(1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
			}
		}
	}()

	a.log.Info("started",
		logx.String("timezone", a.sched.Location().String()),
		logx.Int("tasks", registered))
	return nil
}

// Stop shuts everything down and waits, bounded by ctx.
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("shutdown timed out")
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("audit store close failed", logx.Err(err))
		}
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

// nextMidnight returns the coming 00:00 strictly after now.
func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

// Package bot is the Telegram transport: it turns commands, inline-keyboard
// callbacks and text replies into wizard and repository calls.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"sendbot/internal/delivery"
	"sendbot/internal/errkind"
	"sendbot/internal/task"
	"sendbot/internal/wizard"
	logx "sendbot/pkg/logx"
)

type Bot struct {
	tb       *tele.Bot
	wiz      *wizard.Manager
	repo     *task.Repo
	sessions delivery.SessionResolver
	loginURL string
	log      logx.Logger

	main     *tele.ReplyMarkup
	trigger  *tele.ReplyMarkup
	interval *tele.ReplyMarkup
	calendar *tele.ReplyMarkup
}

func New(tb *tele.Bot, wiz *wizard.Manager, repo *task.Repo, sessions delivery.SessionResolver, loginURL string, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{
		tb:       tb,
		wiz:      wiz,
		repo:     repo,
		sessions: sessions,
		loginURL: loginURL,
		log:      log,
	}
	b.buildMenus()
	b.route()
	return b
}

// Run starts long polling and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		b.tb.Stop()
	}()
	b.log.Info("polling started")
	b.tb.Start()
	b.log.Info("polling stopped")
}

func (b *Bot) buildMenus() {
	b.main = &tele.ReplyMarkup{}
	addText := b.main.Data("📝 Text task", wizard.ActionAddText)
	addCheckin := b.main.Data("✅ Check-in task", wizard.ActionAddCheckin)
	addMedia := b.main.Data("🖼 Media task", wizard.ActionAddMedia)
	list := b.main.Data("📋 My tasks", "list")
	del := b.main.Data("🗑 Delete task", wizard.ActionDelete)
	delAll := b.main.Data("🧹 Delete all", "delete_all")
	b.main.Inline(
		b.main.Row(addText, addCheckin),
		b.main.Row(addMedia, list),
		b.main.Row(del, delAll),
	)

	b.trigger = &tele.ReplyMarkup{}
	once := b.trigger.Data("One time", string(task.ChoiceOnce))
	interval := b.trigger.Data("Repeating interval", "menu_interval")
	calendar := b.trigger.Data("Calendar rule", "menu_calendar")
	backMain := b.trigger.Data("« Back", "menu_main")
	b.trigger.Inline(
		b.trigger.Row(once),
		b.trigger.Row(interval, calendar),
		b.trigger.Row(backMain),
	)

	b.interval = &tele.ReplyMarkup{}
	b.interval.Inline(
		b.interval.Row(
			b.interval.Data("Every minute", string(task.ChoiceEveryMinute)),
			b.interval.Data("Every hour", string(task.ChoiceEveryHour)),
		),
		b.interval.Row(
			b.interval.Data("Every day", string(task.ChoiceEveryDay)),
			b.interval.Data("Every 2 days", string(task.ChoiceEvery2Days)),
		),
		b.interval.Row(
			b.interval.Data("Every week", string(task.ChoiceEveryWeek)),
			b.interval.Data("« Back", "menu_trigger"),
		),
	)

	b.calendar = &tele.ReplyMarkup{}
	b.calendar.Inline(
		b.calendar.Row(
			b.calendar.Data("Daily 08:00", string(task.ChoiceDaily0800)),
			b.calendar.Data("Mon/Wed/Fri 18:00", string(task.ChoiceMonWedFri18)),
		),
		b.calendar.Row(
			b.calendar.Data("1st of month 00:00", string(task.ChoiceFirstOfMonth)),
			b.calendar.Data("Weekdays 09:00", string(task.ChoiceWeekdays0900)),
		),
		b.calendar.Row(
			b.calendar.Data("Weekends 10:00", string(task.ChoiceWeekend1000)),
			b.calendar.Data("« Back", "menu_trigger"),
		),
	)
}

func (b *Bot) route() {
	b.tb.Handle("/start", b.onStart)
	b.tb.Handle(tele.OnCallback, b.onCallback)
	b.tb.Handle(tele.OnText, b.onText)
	b.tb.Handle(tele.OnDocument, b.onDocument)
	b.tb.Handle(tele.OnPhoto, b.onDocument)
	b.tb.Handle(tele.OnVideo, b.onDocument)
}

func senderID(c tele.Context) string {
	return strconv.FormatInt(c.Sender().ID, 10)
}

func chatID(c tele.Context) string {
	return strconv.FormatInt(c.Chat().ID, 10)
}

func (b *Bot) onStart(c tele.Context) error {
	if _, err := b.sessions.Resolve(senderID(c)); err != nil {
		return c.Send("You are not logged in yet. Open " + b.loginURL + " to connect your account, then /start again.")
	}
	return c.Send("What would you like to do?", b.main)
}

// onCallback routes inline keyboard presses. Data arrives with telebot's
// unique-prefix framing.
func (b *Bot) onCallback(c tele.Context) error {
	defer func() { _ = c.Respond() }()

	data := strings.TrimPrefix(c.Callback().Data, "\f")
	if i := strings.IndexByte(data, '|'); i >= 0 {
		data = data[:i]
	}
	user := senderID(c)

	switch data {
	case "menu_main":
		b.wiz.Cancel(user)
		return c.Edit("What would you like to do?", b.main)
	case "menu_trigger":
		return c.Edit("When should it be sent?", b.trigger)
	case "menu_interval":
		return c.Edit("How often?", b.interval)
	case "menu_calendar":
		return c.Edit("Which rule?", b.calendar)
	case "list":
		b.wiz.Cancel(user)
		return c.Edit(b.renderTasks(user), b.main)
	case "delete_all":
		b.wiz.Cancel(user)
		n, err := b.wiz.DeleteAll(user)
		if err != nil {
			return c.Edit("Could not delete: "+err.Error(), b.main)
		}
		return c.Edit(fmt.Sprintf("Deleted %d task(s).", n), b.main)
	}

	reply, err := b.wiz.Select(user, data)
	if err != nil {
		b.log.Debug("menu selection rejected", logx.String("user", user), logx.String("option", data), logx.Err(err))
		return c.Edit(err.Error(), b.main)
	}
	if m := b.markupFor(reply.Menu); m != nil {
		return c.Edit(reply.Text, m)
	}
	return c.Edit(reply.Text)
}

func (b *Bot) onText(c tele.Context) error {
	user := senderID(c)
	reply, err := b.wiz.Input(user, chatID(c), c.Text())
	if err != nil {
		if errkind.Is(err, errkind.KindValidation) || errkind.Is(err, errkind.KindPolicyDenied) {
			return c.Send("❌ " + err.Error())
		}
		b.log.Warn("wizard input failed", logx.String("user", user), logx.Err(err))
		return c.Send("❌ Something went wrong: " + err.Error())
	}
	if m := b.markupFor(reply.Menu); m != nil {
		return c.Send("✅ "+reply.Text, m)
	}
	return c.Send("✅ " + reply.Text)
}

// onDocument points uploaders at the web page; file ingestion happens there,
// not through the bot.
func (b *Bot) onDocument(c tele.Context) error {
	return c.Send("To use a file in a media task, upload it at " + b.loginURL + " first, then reference it by name.")
}

func (b *Bot) markupFor(hint wizard.MenuHint) *tele.ReplyMarkup {
	switch hint {
	case wizard.MenuMain:
		return b.main
	case wizard.MenuTrigger:
		return b.trigger
	default:
		return nil
	}
}

func (b *Bot) renderTasks(ownerID string) string {
	tasks := b.repo.ListByOwner(ownerID)
	if len(tasks) == 0 {
		return "You have no scheduled tasks."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Your tasks (%d):\n", len(tasks))
	for _, rec := range tasks {
		sb.WriteString("\n")
		sb.WriteString(describeTask(rec))
	}
	return sb.String()
}

func describeTask(rec task.Record) string {
	var payload string
	switch rec.Kind {
	case task.KindCheckin:
		payload = rec.CheckinCmd
	case task.KindMedia:
		payload = rec.MediaPath
		if rec.Caption != "" {
			payload += " (" + rec.Caption + ")"
		}
	default:
		payload = rec.Text
	}
	if utf8.RuneCountInString(payload) > 60 {
		r := []rune(payload)
		payload = string(r[:57]) + "..."
	}
	return fmt.Sprintf("%s\n  %s → %s, %s", rec.ID, kindLabel(rec.Kind), rec.DestinationID, rec.Trigger.Describe()) +
		"\n  " + payload
}

func kindLabel(k task.Kind) string {
	switch k {
	case task.KindCheckin:
		return "check-in"
	case task.KindMedia:
		return "media"
	default:
		return "text"
	}
}

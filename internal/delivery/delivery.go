// Package delivery sends scheduled payloads out through Telegram. It is the
// only package that talks to the wire for task execution; everything above
// it deals in Outcomes.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	"sendbot/internal/errkind"
	"sendbot/internal/task"
	logx "sendbot/pkg/logx"
)

// ErrNotAuthorized means the sending user has no stored session credential.
var ErrNotAuthorized = errkind.New(errkind.KindDelivery, "user is not authorized")

// Outcome classifies a completed send attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeDestinationNotFound
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeDestinationNotFound:
		return "destination_not_found"
	default:
		return "failed"
	}
}

// Handle identifies an authorized sending user.
type Handle struct {
	UserID      string
	SessionPath string
}

// Message is a fully validated payload ready to go out.
type Message struct {
	Kind      task.Kind
	Text      string // text body, or the rendered check-in command
	MediaPath string
	Caption   string
}

// Client delivers one message to one destination. Implementations never
// retry; the caller decides what a failure means.
type Client interface {
	Send(ctx context.Context, h Handle, destinationID string, msg Message) (Outcome, error)
}

// SessionResolver turns a user id into a sending handle.
type SessionResolver interface {
	Resolve(userID string) (Handle, error)
}

// FileSessions resolves handles by credential file presence under a
// directory, one file per user.
type FileSessions struct {
	dir string
}

func NewFileSessions(dir string) *FileSessions {
	return &FileSessions{dir: dir}
}

func (s *FileSessions) Resolve(userID string) (Handle, error) {
	path := filepath.Join(s.dir, "user_"+userID+".session")
	if _, err := os.Stat(path); err != nil {
		return Handle{}, ErrNotAuthorized
	}
	return Handle{UserID: userID, SessionPath: path}, nil
}

// chatRecipient satisfies telebot's Recipient for both numeric chat ids
// and @channel names.
type chatRecipient string

func (c chatRecipient) Recipient() string { return string(c) }

var photoExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true}
var videoExts = map[string]bool{".mp4": true, ".mov": true, ".avi": true, ".mkv": true}

// Telegram is the telebot-backed Client. Outbound sends share one token
// bucket so concurrent scheduled fires do not trip flood limits.
type Telegram struct {
	bot     *tele.Bot
	limiter *rate.Limiter
	log     logx.Logger
}

// NewTelegram wraps bot. ratePerSec <= 0 defaults to 1.
func NewTelegram(bot *tele.Bot, ratePerSec float64, log logx.Logger) *Telegram {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	burst := int(ratePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Telegram{
		bot: bot,
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		log:     log,
	}
}

func (t *Telegram) Send(ctx context.Context, h Handle, destinationID string, msg Message) (Outcome, error) {
	if strings.TrimSpace(destinationID) == "" {
		return OutcomeFailed, errkind.New(errkind.KindDelivery, "destination is empty")
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return OutcomeFailed, errkind.Wrap(errkind.KindDelivery, err)
	}

	to := chatRecipient(destinationID)
	var err error
	switch msg.Kind {
	case task.KindMedia:
		err = t.sendMedia(to, msg)
	default:
		_, err = t.bot.Send(to, msg.Text, &tele.SendOptions{ParseMode: tele.ModeMarkdown})
	}
	if err == nil {
		t.log.Debug("delivered",
			logx.String("user", h.UserID),
			logx.String("dest", destinationID),
			logx.String("kind", string(msg.Kind)))
		return OutcomeSuccess, nil
	}
	if isChatNotFound(err) {
		return OutcomeDestinationNotFound, errkind.New(errkind.KindDelivery, "destination not found: %s", destinationID)
	}
	return OutcomeFailed, errkind.Wrap(errkind.KindDelivery, fmt.Errorf("send to %s: %w", destinationID, err))
}

func (t *Telegram) sendMedia(to tele.Recipient, msg Message) error {
	file := tele.FromDisk(msg.MediaPath)
	ext := strings.ToLower(filepath.Ext(msg.MediaPath))
	var err error
	switch {
	case photoExts[ext]:
		_, err = t.bot.Send(to, &tele.Photo{File: file, Caption: msg.Caption})
	case videoExts[ext]:
		_, err = t.bot.Send(to, &tele.Video{File: file, Caption: msg.Caption})
	default:
		_, err = t.bot.Send(to, &tele.Document{File: file, Caption: msg.Caption, FileName: filepath.Base(msg.MediaPath)})
	}
	return err
}

func isChatNotFound(err error) bool {
	if errors.Is(err, tele.ErrChatNotFound) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "chat not found")
}

package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"sendbot/internal/errkind"
)

type TriggerType string

const (
	TriggerOnce     TriggerType = "once"
	TriggerInterval TriggerType = "interval"
	TriggerCalendar TriggerType = "calendar"
)

// CalendarRule names one of the fixed recurring field-based rules.
type CalendarRule string

const (
	RuleDaily0800    CalendarRule = "daily_0800"
	RuleMonWedFri18  CalendarRule = "mon_wed_fri_1800"
	RuleFirstOfMonth CalendarRule = "month_first_0000"
	RuleWeekdays0900 CalendarRule = "weekdays_0900"
	RuleWeekend1000  CalendarRule = "weekend_1000"
)

// calendarSpecs maps each rule to its cron expression.
var calendarSpecs = map[CalendarRule]string{
	RuleDaily0800:    "0 8 * * *",
	RuleMonWedFri18:  "0 18 * * 1,3,5",
	RuleFirstOfMonth: "0 0 1 * *",
	RuleWeekdays0900: "0 9 * * 1-5",
	RuleWeekend1000:  "0 10 * * 0,6",
}

// Duration serializes as a Go duration string inside task records.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// TriggerSpec is a tagged union over the three trigger families.
//
// Anchor is always a fully-resolved instant before registration; the wizard
// normalizes partial calendar inputs by appending defaults first.
type TriggerSpec struct {
	Type TriggerType `json:"type"`

	// At is the single fire instant (once only).
	At time.Time `json:"at,omitempty"`

	// Period and Anchor drive interval triggers: fires at anchor + k*period.
	Period Duration  `json:"period,omitempty"`
	Anchor time.Time `json:"anchor,omitempty"`

	// Rule selects the calendar expression (calendar only); Anchor seeds
	// the first eligible occurrence.
	Rule CalendarRule `json:"rule,omitempty"`
}

func (s TriggerSpec) Validate() error {
	switch s.Type {
	case TriggerOnce:
		if s.At.IsZero() {
			return fmt.Errorf("once trigger without an instant")
		}
	case TriggerInterval:
		if s.Period <= 0 {
			return fmt.Errorf("interval trigger without a period")
		}
		if s.Anchor.IsZero() {
			return fmt.Errorf("interval trigger without an anchor")
		}
	case TriggerCalendar:
		if _, ok := calendarSpecs[s.Rule]; !ok {
			return fmt.Errorf("unknown calendar rule %q", s.Rule)
		}
		if s.Anchor.IsZero() {
			return fmt.Errorf("calendar trigger without an anchor")
		}
	default:
		return fmt.Errorf("unknown trigger type %q", s.Type)
	}
	return nil
}

// cronParser accepts the standard five fields.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextFire computes the next fire instant strictly after `after`, evaluated
// in loc for calendar rules. ok is false when the trigger has no further
// occurrence (a spent once trigger).
//
// Interval arithmetic always counts from the anchor, never from "now", so
// occurrences missed during downtime collapse into at most one due fire.
func (s TriggerSpec) NextFire(after time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	switch s.Type {
	case TriggerOnce:
		if s.At.After(after) {
			return s.At, true
		}
		return time.Time{}, false

	case TriggerInterval:
		period := time.Duration(s.Period)
		if period <= 0 {
			return time.Time{}, false
		}
		if s.Anchor.After(after) {
			return s.Anchor, true
		}
		elapsed := after.Sub(s.Anchor)
		k := elapsed/period + 1
		return s.Anchor.Add(k * period), true

	case TriggerCalendar:
		sched, err := cronParser.Parse(calendarSpecs[s.Rule])
		if err != nil {
			return time.Time{}, false
		}
		base := after
		if s.Anchor.After(after) {
			// No fire before the anchor; back off one second so an anchor
			// that itself matches the rule is eligible.
			base = s.Anchor.Add(-time.Second)
		}
		return sched.Next(base.In(loc)), true

	default:
		return time.Time{}, false
	}
}

// Repeats reports whether the trigger stays registered after a fire.
func (s TriggerSpec) Repeats() bool { return s.Type != TriggerOnce }

// Describe renders a short human description for task listings.
func (s TriggerSpec) Describe() string {
	switch s.Type {
	case TriggerOnce:
		return "one-time"
	case TriggerInterval:
		switch time.Duration(s.Period) {
		case time.Minute:
			return "every minute"
		case time.Hour:
			return "every hour"
		case 24 * time.Hour:
			return "every day"
		case 48 * time.Hour:
			return "every 2 days"
		case 7 * 24 * time.Hour:
			return "every week"
		}
		return "every " + time.Duration(s.Period).String()
	case TriggerCalendar:
		switch s.Rule {
		case RuleDaily0800:
			return "daily at 08:00"
		case RuleMonWedFri18:
			return "Mon/Wed/Fri at 18:00"
		case RuleFirstOfMonth:
			return "1st of each month at 00:00"
		case RuleWeekdays0900:
			return "weekdays at 09:00"
		case RuleWeekend1000:
			return "weekends at 10:00"
		}
	}
	return "unknown"
}

// ---- Wizard-facing trigger construction ----

// TriggerChoice is a menu selection naming one concrete trigger preset.
type TriggerChoice string

const (
	ChoiceOnce TriggerChoice = "once"

	ChoiceEveryMinute TriggerChoice = "every_minute"
	ChoiceEveryHour   TriggerChoice = "every_hour"
	ChoiceEveryDay    TriggerChoice = "every_day"
	ChoiceEvery2Days  TriggerChoice = "every_2_days"
	ChoiceEveryWeek   TriggerChoice = "every_week"

	ChoiceDaily0800    TriggerChoice = TriggerChoice(RuleDaily0800)
	ChoiceMonWedFri18  TriggerChoice = TriggerChoice(RuleMonWedFri18)
	ChoiceFirstOfMonth TriggerChoice = TriggerChoice(RuleFirstOfMonth)
	ChoiceWeekdays0900 TriggerChoice = TriggerChoice(RuleWeekdays0900)
	ChoiceWeekend1000  TriggerChoice = TriggerChoice(RuleWeekend1000)
)

var intervalPeriods = map[TriggerChoice]time.Duration{
	ChoiceEveryMinute: time.Minute,
	ChoiceEveryHour:   time.Hour,
	ChoiceEveryDay:    24 * time.Hour,
	ChoiceEvery2Days:  48 * time.Hour,
	ChoiceEveryWeek:   7 * 24 * time.Hour,
}

func (c TriggerChoice) Valid() bool {
	if c == ChoiceOnce {
		return true
	}
	if _, ok := intervalPeriods[c]; ok {
		return true
	}
	_, ok := calendarSpecs[CalendarRule(c)]
	return ok
}

const (
	layoutDateTime  = "2006-01-02 15:04"
	layoutDate      = "2006-01-02"
	layoutYearMonth = "2006-01"
)

// TimeHint names the expected input format for a trigger choice, for prompts
// and error messages.
func (c TriggerChoice) TimeHint() string {
	switch {
	case c == ChoiceFirstOfMonth:
		return "YYYY-MM"
	case calendarSpecs[CalendarRule(c)] != "":
		return "YYYY-MM-DD"
	default:
		return "YYYY-MM-DD HH:MM"
	}
}

// BuildTrigger parses the start-time reply for the chosen preset and returns
// a normalized TriggerSpec with a fully-resolved anchor.
//
// Accepted formats depend on the choice: full date+time for once/interval,
// date only for calendar rules, year-month only for first-of-month (day and
// time default to the 1st, 00:00).
func BuildTrigger(choice TriggerChoice, startText string, loc *time.Location) (TriggerSpec, error) {
	if loc == nil {
		loc = time.Local
	}

	if choice == ChoiceOnce {
		at, err := time.ParseInLocation(layoutDateTime, startText, loc)
		if err != nil {
			return TriggerSpec{}, errkind.New(errkind.KindValidation,
				"bad time format, expected YYYY-MM-DD HH:MM (e.g. 2026-01-20 08:00)")
		}
		return TriggerSpec{Type: TriggerOnce, At: at}, nil
	}

	if period, ok := intervalPeriods[choice]; ok {
		anchor, err := time.ParseInLocation(layoutDateTime, startText, loc)
		if err != nil {
			return TriggerSpec{}, errkind.New(errkind.KindValidation,
				"bad time format, expected YYYY-MM-DD HH:MM (e.g. 2026-01-20 08:00)")
		}
		return TriggerSpec{Type: TriggerInterval, Period: Duration(period), Anchor: anchor}, nil
	}

	rule := CalendarRule(choice)
	if _, ok := calendarSpecs[rule]; !ok {
		return TriggerSpec{}, errkind.New(errkind.KindValidation, "unknown trigger choice %q", choice)
	}

	// Partial calendar inputs are normalized to a complete anchor instant.
	var anchor time.Time
	var err error
	if rule == RuleFirstOfMonth {
		anchor, err = time.ParseInLocation(layoutYearMonth, startText, loc)
		if err != nil {
			return TriggerSpec{}, errkind.New(errkind.KindValidation,
				"bad time format, expected YYYY-MM (e.g. 2026-01)")
		}
	} else {
		anchor, err = time.ParseInLocation(layoutDate, startText, loc)
		if err != nil {
			return TriggerSpec{}, errkind.New(errkind.KindValidation,
				"bad time format, expected YYYY-MM-DD (e.g. 2026-01-20)")
		}
	}
	return TriggerSpec{Type: TriggerCalendar, Rule: rule, Anchor: anchor}, nil
}

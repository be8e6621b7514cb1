// Package datecalc implements the compute_date action: calendar arithmetic
// relative to a reference moment.
package datecalc

import (
	"context"
	"strings"
	"time"

	"github.com/szaher/assistantgpt/internal/action"
)

// Name is the action name exposed to the model.
const Name = "compute_date"

// MaxCount bounds the magnitude of an offset in any unit.
const MaxCount = 1_000_000

// Unit is a calendar unit for offsets.
type Unit string

const (
	Minutes Unit = "minutes"
	Hours   Unit = "hours"
	Days    Unit = "days"
	Weeks   Unit = "weeks"
	Months  Unit = "months"
	Years   Unit = "years"
)

// Args are the arguments of compute_date.
type Args struct {
	Unit      Unit   `json:"unit" jsonschema:"enum=minutes,enum=hours,enum=days,enum=weeks,enum=months,enum=years,description=Unit of the offset"`
	Count     int    `json:"count" jsonschema:"minimum=-1000000,maximum=1000000,description=Number of units to add; negative values go back in time"`
	Reference string `json:"reference,omitempty" jsonschema:"description=Start date as YYYY-MM-DD or RFC 3339; defaults to now"`
	Weekday   int    `json:"weekday,omitempty" jsonschema:"minimum=0,maximum=7,description=Advance to the next such weekday (1=Monday ... 7=Sunday); 0 keeps the date"`
	Time      string `json:"time,omitempty" jsonschema:"pattern=^$|^([01][0-9]|2[0-3]):[0-5][0-9]$,description=Wall-clock time of the result as HH:MM; empty keeps the time"`
}

// Result is the value returned to the model.
type Result struct {
	Date     string `json:"date"`
	DateTime string `json:"datetime"`
	UnixMS   int64  `json:"unix_ms"`
}

// Calculator computes dates in a fixed location with an injectable clock.
type Calculator struct {
	now func() time.Time
	loc *time.Location
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithClock overrides the clock used for the default reference.
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) { c.now = now }
}

// WithLocation sets the time zone of results.
func WithLocation(loc *time.Location) Option {
	return func(c *Calculator) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// New creates a Calculator using the wall clock and UTC by default.
func New(opts ...Option) *Calculator {
	c := &Calculator{now: time.Now, loc: time.UTC}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Spec returns the action declaration.
func Spec() action.Spec {
	return action.Spec{
		Name: Name,
		Description: "Compute a date relative to a reference date (default: now). " +
			"Use it for every relative date such as 'tomorrow', 'in 2 weeks' or 'next Friday'.",
		Schema: action.SchemaFor[Args](),
	}
}

// Execute implements action.Executor.
func (c *Calculator) Execute(_ context.Context, raw map[string]any) action.Outcome {
	args, err := action.Decode[Args](raw)
	if err != nil {
		return action.FromError(err)
	}
	t, err := c.Compute(args)
	if err != nil {
		return action.FromError(err)
	}
	return action.Success(Result{
		Date:     t.Format(time.DateOnly),
		DateTime: t.Format(time.RFC3339),
		UnixMS:   t.UnixMilli(),
	})
}

// Compute applies the offset, weekday and time options in that order.
func (c *Calculator) Compute(args Args) (time.Time, error) {
	ref, err := c.reference(args.Reference)
	if err != nil {
		return time.Time{}, err
	}

	t, err := AddOffset(ref, args.Unit, args.Count)
	if err != nil {
		return time.Time{}, err
	}

	if args.Weekday != 0 {
		if args.Weekday < 1 || args.Weekday > 7 {
			return time.Time{}, action.InvalidArgumentsf("weekday must be between 1 and 7, got %d", args.Weekday)
		}
		t = NextWeekday(t, isoWeekday(args.Weekday))
	}

	if args.Time != "" {
		clock, err := time.Parse("15:04", args.Time)
		if err != nil {
			return time.Time{}, action.InvalidArgumentsf("time must be HH:MM, got %q", args.Time)
		}
		t = time.Date(t.Year(), t.Month(), t.Day(), clock.Hour(), clock.Minute(), 0, 0, t.Location())
	}
	return t, nil
}

func (c *Calculator) reference(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return c.now().In(c.loc), nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, c.loc); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(c.loc), nil
	}
	return time.Time{}, action.InvalidArgumentsf("reference must be YYYY-MM-DD or RFC 3339, got %q", s)
}

// AddOffset adds count units to t. Month and year offsets clamp the day to
// the last day of the target month; day and week offsets follow the
// calendar; hours and minutes are absolute durations. Counts beyond
// MaxCount in either direction are rejected.
func AddOffset(t time.Time, unit Unit, count int) (time.Time, error) {
	if count > MaxCount || count < -MaxCount {
		return time.Time{}, action.InvalidArgumentsf("count must be between %d and %d, got %d", -MaxCount, MaxCount, count)
	}
	switch unit {
	case Minutes:
		return t.Add(time.Duration(count) * time.Minute), nil
	case Hours:
		return t.Add(time.Duration(count) * time.Hour), nil
	case Days:
		return t.AddDate(0, 0, count), nil
	case Weeks:
		return t.AddDate(0, 0, 7*count), nil
	case Months:
		return addMonthsClamped(t, count), nil
	case Years:
		return addMonthsClamped(t, 12*count), nil
	default:
		return time.Time{}, action.InvalidArgumentsf("unknown unit %q", unit)
	}
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	// First of the target month, normalized by time.Date.
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// NextWeekday advances t to the next occurrence of wd, staying put when t
// already falls on it.
func NextWeekday(t time.Time, wd time.Weekday) time.Time {
	delta := (int(wd) - int(t.Weekday()) + 7) % 7
	return t.AddDate(0, 0, delta)
}

// isoWeekday maps 1=Monday ... 7=Sunday onto time.Weekday.
func isoWeekday(n int) time.Weekday {
	return time.Weekday(n % 7)
}

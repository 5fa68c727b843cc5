package timecalc

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/shopspring/decimal"
)

// DateLayout is the ISO calendar-day layout used for storage, hashing and the RM API.
const DateLayout = "2006-01-02"

var sixty = decimal.NewFromInt(60)

// Range is an inclusive window of calendar days.
type Range struct {
	From time.Time
	To   time.Time
}

// NewRange normalizes both bounds to calendar days and checks their order.
func NewRange(from, to time.Time) (Range, error) {
	r := Range{From: Day(from), To: Day(to)}
	if r.To.Before(r.From) {
		return Range{}, fmt.Errorf("invalid range: %s is after %s", FormatDate(r.From), FormatDate(r.To))
	}
	return r, nil
}

// Contains reports whether the calendar day of t lies inside the range.
func (r Range) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(r.From) && !d.After(r.To)
}

func (r Range) String() string {
	return FormatDate(r.From) + ".." + FormatDate(r.To)
}

// Day returns the calendar day of t as midnight UTC. The wall-clock date in
// t's own location is kept.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatDate formats t as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses a YYYY-MM-DD string into a UTC calendar day.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

var dayParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// ParseDay accepts YYYY-MM-DD or a natural-language expression such as
// "yesterday" or "last monday", resolved relative to now.
func ParseDay(s string, now time.Time) (time.Time, error) {
	if t, err := ParseDate(s); err == nil {
		return t, nil
	}
	r, err := dayParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing day %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot understand day %q", s)
	}
	return Day(r.Time), nil
}

// MinutesToHours converts minutes to hours rounded to two decimal places.
func MinutesToHours(minutes int64) decimal.Decimal {
	return decimal.NewFromInt(minutes).Div(sixty).Round(2)
}

// HoursToMinutes converts hours back to whole minutes, rounding to nearest.
func HoursToMinutes(hours decimal.Decimal) int64 {
	return hours.Mul(sixty).Round(0).IntPart()
}

// FormatHours formats hours with exactly two decimal places, e.g. "7.50".
func FormatHours(hours decimal.Decimal) string {
	return hours.StringFixed(2)
}

// FormatMinutes formats minutes as a human-readable string like "1h 40m" or "45m".
func FormatMinutes(minutes int64) string {
	h := minutes / 60
	m := minutes % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}

// WeekRange returns the Monday and Sunday of the ISO week containing t.
func WeekRange(t time.Time) Range {
	wd := int(t.Weekday())
	if wd == 0 {
		wd = 7 // ISO: Sunday is the last day
	}
	monday := Day(t).AddDate(0, 0, -(wd - 1))
	return Range{From: monday, To: monday.AddDate(0, 0, 6)}
}

// ISOWeekLabel returns a label like "2026-W09".
func ISOWeekLabel(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// StartOfDay returns 00:00:00 of the same day.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// EndOfDay returns 23:59:59 of the same day.
func EndOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}

// SameDay reports whether two times fall on the same calendar day.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

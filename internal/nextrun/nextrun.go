// Package nextrun estimates when a scheduled job will fire next from its
// 5-field cron expression and renders the wait as a short relative string.
//
// The evaluation is a display heuristic, not cron. Fields are considered in a
// fixed precedence (day-of-week, day-of-month, hour, minute) and the first
// restricted field decides the result. The month field is validated but never
// evaluated.
package nextrun

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidExpression is returned for expressions the estimator cannot read.
var ErrInvalidExpression = errors.New("invalid cron expression")

// FieldKind describes how a single cron field was written.
type FieldKind int

const (
	Any     FieldKind = iota // *
	Literal                  // 5
	Step                     // */5
)

// Field is one parsed cron field. Value holds the literal or the step interval.
type Field struct {
	Kind  FieldKind
	Value int
}

func (f Field) restricted() bool { return f.Kind != Any }

// value returns the literal, or 0 for * and for a step used where a literal is
// expected (the first boundary of any step). Day fields handle their own steps.
func (f Field) value() int {
	if f.Kind == Literal {
		return f.Value
	}
	return 0
}

// Expression is a parsed "minute hour dayOfMonth month dayOfWeek" string.
type Expression struct {
	Minute     Field
	Hour       Field
	DayOfMonth Field
	Month      Field
	DayOfWeek  Field
	raw        string
}

func (e Expression) String() string { return e.raw }

type fieldSpec struct {
	name      string
	min, max  int
	allowStep bool
	stepMax   int
}

var specs = [5]fieldSpec{
	{name: "minute", min: 0, max: 59, allowStep: true, stepMax: 60},
	{name: "hour", min: 0, max: 23, allowStep: true, stepMax: 24},
	{name: "day-of-month", min: 1, max: 31, allowStep: true, stepMax: 31},
	{name: "month", min: 1, max: 12, allowStep: true, stepMax: 12},
	{name: "day-of-week", min: 0, max: 7, allowStep: true, stepMax: 7},
}

// Parse reads a 5-field expression. Each field is *, a non-negative integer or
// */N with N no larger than the field's range.
func Parse(expr string) (Expression, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return Expression{}, fmt.Errorf("%w: expected 5 fields, got %d", ErrInvalidExpression, len(parts))
	}
	var fields [5]Field
	for i, part := range parts {
		f, err := parseField(part, specs[i])
		if err != nil {
			return Expression{}, err
		}
		fields[i] = f
	}
	e := Expression{
		Minute:     fields[0],
		Hour:       fields[1],
		DayOfMonth: fields[2],
		Month:      fields[3],
		DayOfWeek:  fields[4],
		raw:        strings.Join(parts, " "),
	}
	if e.DayOfWeek.Kind == Literal && e.DayOfWeek.Value == 7 {
		e.DayOfWeek.Value = 0
	}
	return e, nil
}

func parseField(s string, spec fieldSpec) (Field, error) {
	if s == "*" {
		return Field{Kind: Any}, nil
	}
	if rest, ok := strings.CutPrefix(s, "*/"); ok {
		if !spec.allowStep {
			return Field{}, fmt.Errorf("%w: step not supported in %s field %q", ErrInvalidExpression, spec.name, s)
		}
		n, err := parseUint(rest)
		if err != nil || n < 1 || n > spec.stepMax {
			return Field{}, fmt.Errorf("%w: bad step in %s field %q", ErrInvalidExpression, spec.name, s)
		}
		return Field{Kind: Step, Value: n}, nil
	}
	n, err := parseUint(s)
	if err != nil || n < spec.min || n > spec.max {
		return Field{}, fmt.Errorf("%w: bad %s field %q", ErrInvalidExpression, spec.name, s)
	}
	return Field{Kind: Literal, Value: n}, nil
}

func parseUint(s string) (int, error) {
	if s == "" {
		return 0, errors.New("empty")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.New("not a number")
		}
	}
	return strconv.Atoi(s)
}

// Next returns the next run after now. Seconds are always zero and the result
// is expressed in now's location.
func (e Expression) Next(now time.Time) time.Time {
	loc := now.Location()
	y, mo, d := now.Date()
	h, mi := now.Hour(), now.Minute()
	minute := e.Minute.value()
	hour := e.Hour.value()

	switch {
	case e.DayOfWeek.Kind == Step:
		// Weekdays 0, N, 2N... as in cron; the first one still ahead wins.
		for ahead := 0; ; ahead++ {
			next := time.Date(y, mo, d+ahead, hour, minute, 0, 0, loc)
			if int(next.Weekday())%e.DayOfWeek.Value == 0 && next.After(now) {
				return next
			}
		}

	case e.DayOfWeek.restricted():
		ahead := (e.DayOfWeek.value() - int(now.Weekday()) + 7) % 7
		next := time.Date(y, mo, d+ahead, hour, minute, 0, 0, loc)
		if !next.After(now) {
			next = time.Date(y, mo, d+ahead+7, hour, minute, 0, 0, loc)
		}
		return next

	case e.DayOfMonth.Kind == Step:
		// Days 1, 1+N, 1+2N... of each month.
		for ahead := 0; ; ahead++ {
			next := time.Date(y, mo, d+ahead, hour, minute, 0, 0, loc)
			if (next.Day()-1)%e.DayOfMonth.Value == 0 && next.After(now) {
				return next
			}
		}

	case e.DayOfMonth.restricted():
		dom := e.DayOfMonth.value()
		next := time.Date(y, mo, dom, hour, minute, 0, 0, loc)
		if !next.After(now) {
			next = time.Date(y, mo+1, dom, hour, minute, 0, 0, loc)
		}
		return next

	case e.Hour.restricted():
		if e.Hour.Kind == Step {
			hour = ceilMultiple(h+1, e.Hour.Value)
		}
		next := time.Date(y, mo, d, hour, minute, 0, 0, loc)
		if !next.After(now) {
			next = time.Date(y, mo, d+1, hour, minute, 0, 0, loc)
		}
		return next

	case e.Minute.restricted():
		if e.Minute.Kind == Step {
			// time.Date carries minute overflow into the next hour.
			return time.Date(y, mo, d, h, ceilMultiple(mi+1, e.Minute.Value), 0, 0, loc)
		}
		next := time.Date(y, mo, d, h, minute, 0, 0, loc)
		if !next.After(now) {
			next = time.Date(y, mo, d, h+1, minute, 0, 0, loc)
		}
		return next
	}
	return time.Date(y, mo, d, h, mi+1, 0, 0, loc)
}

func ceilMultiple(v, n int) int {
	return ((v + n - 1) / n) * n
}

// Next parses expr and returns its next run after now.
func Next(expr string, now time.Time) (time.Time, error) {
	e, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return e.Next(now), nil
}

// Remaining returns whole seconds from now until next, never negative.
func Remaining(next, now time.Time) int64 {
	secs := math.Round(next.Sub(now).Seconds())
	if secs < 0 {
		return 0
	}
	return int64(secs)
}

// FormatRelative renders a wait such as "in 5s", "in 12m", "in 3h 4m" or "in 2d 5h".
func FormatRelative(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	if seconds < 60 {
		return fmt.Sprintf("in %ds", seconds)
	}
	mins := seconds / 60
	if mins < 60 {
		return fmt.Sprintf("in %dm", mins)
	}
	hours := mins / 60
	if hours < 24 {
		return fmt.Sprintf("in %dh %dm", hours, mins%60)
	}
	return fmt.Sprintf("in %dd %dh", hours/24, hours%24)
}

// In is the display form used by the dashboard: the relative wait until the
// next run of expr.
func In(expr string, now time.Time) (string, error) {
	next, err := Next(expr, now)
	if err != nil {
		return "", err
	}
	return FormatRelative(Remaining(next, now)), nil
}

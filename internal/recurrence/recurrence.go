// Package recurrence computes the next occurrence of a scheduled message.
//
// Everything here is pure: no I/O, no clock, no mutation of inputs. The same
// (current, rule) pair always yields the same result.
package recurrence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind identifies the recurrence policy of a Rule.
type Kind int

const (
	KindNone Kind = iota
	KindDaily
	KindWeekly
)

// Persisted recurrence_type values.
const (
	TypeNone   = "none"
	TypeDaily  = "daily"
	TypeWeekly = "weekly"
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return TypeNone
	case KindDaily:
		return TypeDaily
	case KindWeekly:
		return TypeWeekly
	default:
		return "unknown"
	}
}

var (
	ErrEmptyWeekdays   = errors.New("weekly recurrence requires at least one weekday")
	ErrInvalidWeekday  = errors.New("weekday index must be between 0 (Sunday) and 6 (Saturday)")
	ErrUnsupportedType = errors.New("unsupported recurrence type")
	ErrInvalidDetails  = errors.New("invalid recurrence details")
)

// Rule is a recurrence policy. Build it with None, Daily, Weekly or Parse;
// the zero value is a one-time rule.
type Rule struct {
	kind Kind
	days [7]bool
}

// None returns a rule with no further occurrences.
func None() Rule { return Rule{kind: KindNone} }

// Daily returns a rule that repeats every calendar day at the same time.
func Daily() Rule { return Rule{kind: KindDaily} }

// Weekly returns a rule that repeats on the given weekdays at the same time.
// Duplicates are ignored.
func Weekly(days ...time.Weekday) (Rule, error) {
	if len(days) == 0 {
		return Rule{}, ErrEmptyWeekdays
	}
	r := Rule{kind: KindWeekly}
	for _, d := range days {
		if d < time.Sunday || d > time.Saturday {
			return Rule{}, fmt.Errorf("%w: %d", ErrInvalidWeekday, int(d))
		}
		r.days[d] = true
	}
	return r, nil
}

// Kind returns the rule's policy.
func (r Rule) Kind() Kind { return r.kind }

// Days returns the selected weekdays in ascending order. Empty unless weekly.
func (r Rule) Days() []time.Weekday {
	var out []time.Weekday
	for d := time.Sunday; d <= time.Saturday; d++ {
		if r.days[d] {
			out = append(out, d)
		}
	}
	return out
}

func (r Rule) String() string {
	if r.kind != KindWeekly {
		return r.kind.String()
	}
	names := make([]string, 0, 7)
	for _, d := range r.Days() {
		names = append(names, d.String()[:3])
	}
	return fmt.Sprintf("weekly(%s)", strings.Join(names, ","))
}

// Details is the persisted shape of recurrence_details.
type Details struct {
	Days []int `json:"days"`
}

// Parse converts the stored recurrence_type / recurrence_details pair into a
// Rule. A nil or empty type means one-time. Unknown types and weekly rules
// without a usable day set are errors, never a silent downgrade to one-time.
func Parse(recurrenceType *string, details []byte) (Rule, error) {
	if recurrenceType == nil {
		return None(), nil
	}

	switch strings.ToLower(strings.TrimSpace(*recurrenceType)) {
	case "", TypeNone:
		return None(), nil
	case TypeDaily:
		return Daily(), nil
	case TypeWeekly:
		if len(details) == 0 || string(details) == "null" {
			return Rule{}, fmt.Errorf("%w: missing recurrence details", ErrEmptyWeekdays)
		}
		var d Details
		if err := json.Unmarshal(details, &d); err != nil {
			return Rule{}, fmt.Errorf("%w: %v", ErrInvalidDetails, err)
		}
		days := make([]time.Weekday, 0, len(d.Days))
		for _, idx := range d.Days {
			days = append(days, time.Weekday(idx))
		}
		return Weekly(days...)
	default:
		return Rule{}, fmt.Errorf("%w: %q", ErrUnsupportedType, *recurrenceType)
	}
}

// Encode returns the recurrence_type / recurrence_details pair for a Rule.
func Encode(r Rule) (string, []byte, error) {
	if r.kind != KindWeekly {
		return r.kind.String(), nil, nil
	}
	days := r.Days()
	d := Details{Days: make([]int, 0, len(days))}
	for _, wd := range days {
		d.Days = append(d.Days, int(wd))
	}
	sort.Ints(d.Days)
	b, err := json.Marshal(d)
	if err != nil {
		return "", nil, err
	}
	return TypeWeekly, b, nil
}

// Next returns the occurrence following current. ok is false when the rule
// has no further occurrences. Calendar arithmetic happens in current's
// location, so wall-clock time of day is preserved.
func Next(current time.Time, rule Rule) (next time.Time, ok bool, err error) {
	switch rule.kind {
	case KindNone:
		return time.Time{}, false, nil

	case KindDaily:
		return current.AddDate(0, 0, 1), true, nil

	case KindWeekly:
		offset, err := weeklyOffset(current.Weekday(), rule.days)
		if err != nil {
			return time.Time{}, false, err
		}
		return current.AddDate(0, 0, offset), true, nil

	default:
		return time.Time{}, false, fmt.Errorf("%w: kind %d", ErrUnsupportedType, int(rule.kind))
	}
}

// weeklyOffset is the number of days from today to the next selected
// weekday, in 1..7.
func weeklyOffset(today time.Weekday, days [7]bool) (int, error) {
	first := -1
	for d := 0; d < 7; d++ {
		if !days[d] {
			continue
		}
		if first < 0 {
			first = d
		}
		if d > int(today) {
			return d - int(today), nil
		}
	}
	if first < 0 {
		return 0, ErrEmptyWeekdays
	}
	// wrap into the following week
	return 7 - int(today) + first, nil
}

// FirstAfter returns the earliest occurrence of rule, starting from anchor,
// that is strictly after now. Used when reactivating a record whose stored
// occurrence already passed. One-time rules return anchor unchanged.
func FirstAfter(anchor, now time.Time, rule Rule) (time.Time, error) {
	if rule.kind == KindNone || anchor.After(now) {
		return anchor, nil
	}

	t := anchor
	// Jump close to now instead of stepping through years of occurrences.
	// Weekly jumps stay on whole weeks so the weekday is unchanged.
	if days := int(now.Sub(anchor).Hours() / 24); days > 7 {
		switch rule.kind {
		case KindDaily:
			t = t.AddDate(0, 0, days-1)
		case KindWeekly:
			t = t.AddDate(0, 0, (days/7-1)*7)
		}
	}
	for !t.After(now) {
		next, ok, err := Next(t, rule)
		if err != nil {
			return time.Time{}, err
		}
		if !ok {
			return t, nil
		}
		t = next
	}
	return t, nil
}

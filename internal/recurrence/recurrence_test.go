package recurrence

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"
)

func utc(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func strPtr(s string) *string { return &s }

func mustWeekly(t *testing.T, days ...time.Weekday) Rule {
	t.Helper()
	r, err := Weekly(days...)
	if err != nil {
		t.Fatalf("Weekly(%v) failed: %v", days, err)
	}
	return r
}

func TestNext_None(t *testing.T) {
	next, ok, err := Next(utc("2025-01-06T10:00:00Z"), None())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected no next occurrence, got %s", next)
	}
}

func TestNext_Daily(t *testing.T) {
	tests := []struct {
		name    string
		current time.Time
		want    time.Time
	}{
		{"plain day", utc("2025-01-06T10:00:00Z"), utc("2025-01-07T10:00:00Z")},
		{"month boundary", utc("2025-01-31T23:30:00Z"), utc("2025-02-01T23:30:00Z")},
		{"leap day", utc("2024-02-28T08:15:00Z"), utc("2024-02-29T08:15:00Z")},
		{"year boundary", utc("2024-12-31T00:00:00Z"), utc("2025-01-01T00:00:00Z")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, ok, err := Next(tt.current, Daily())
			if err != nil || !ok {
				t.Fatalf("Next() = %v, %v, %v", next, ok, err)
			}
			if !next.Equal(tt.want) {
				t.Errorf("expected %s, got %s", tt.want, next)
			}
			if next.Sub(tt.current) != 24*time.Hour {
				t.Errorf("expected exactly 24h in UTC, got %s", next.Sub(tt.current))
			}
		})
	}
}

func TestNext_DailyAcrossDSTPreservesWallClock(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	// Clocks spring forward on 2025-03-09 in New York.
	current := time.Date(2025, 3, 8, 10, 0, 0, 0, loc)
	next, ok, err := Next(current, Daily())
	if err != nil || !ok {
		t.Fatalf("Next() = %v, %v, %v", next, ok, err)
	}

	if next.Hour() != 10 || next.Minute() != 0 || next.Day() != 9 {
		t.Errorf("expected 2025-03-09 10:00 local, got %s", next)
	}
	if next.Sub(current) != 23*time.Hour {
		t.Errorf("expected a 23h calendar day across DST, got %s", next.Sub(current))
	}

	// The same instant expressed in UTC advances exactly 24h.
	nextUTC, _, _ := Next(current.UTC(), Daily())
	if nextUTC.Sub(current.UTC()) != 24*time.Hour {
		t.Errorf("expected 24h in UTC, got %s", nextUTC.Sub(current.UTC()))
	}
}

func TestNext_Weekly(t *testing.T) {
	tests := []struct {
		name    string
		current time.Time
		days    []time.Weekday
		want    time.Time
	}{
		{
			name:    "same week",
			current: utc("2025-01-07T10:00:00Z"), // Tuesday
			days:    []time.Weekday{time.Tuesday, time.Thursday},
			want:    utc("2025-01-09T10:00:00Z"),
		},
		{
			name:    "wrap to following week",
			current: utc("2025-01-10T10:00:00Z"), // Friday
			days:    []time.Weekday{time.Sunday, time.Tuesday},
			want:    utc("2025-01-12T10:00:00Z"),
		},
		{
			name:    "single day repeats a week later",
			current: utc("2025-01-06T10:00:00Z"), // Monday
			days:    []time.Weekday{time.Monday},
			want:    utc("2025-01-13T10:00:00Z"),
		},
		{
			name:    "saturday to sunday",
			current: utc("2025-01-11T23:59:00Z"),
			days:    []time.Weekday{time.Sunday, time.Saturday},
			want:    utc("2025-01-12T23:59:00Z"),
		},
		{
			name:    "current not on a selected day",
			current: utc("2025-01-08T07:45:00Z"), // Wednesday
			days:    []time.Weekday{time.Monday},
			want:    utc("2025-01-13T07:45:00Z"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, ok, err := Next(tt.current, mustWeekly(t, tt.days...))
			if err != nil || !ok {
				t.Fatalf("Next() = %v, %v, %v", next, ok, err)
			}
			if !next.Equal(tt.want) {
				t.Errorf("expected %s, got %s", tt.want, next)
			}
		})
	}
}

func TestNext_WeeklyWithoutDaysIsAnError(t *testing.T) {
	rule := Rule{kind: KindWeekly}
	_, _, err := Next(utc("2025-01-06T10:00:00Z"), rule)
	if !errors.Is(err, ErrEmptyWeekdays) {
		t.Fatalf("expected ErrEmptyWeekdays, got %v", err)
	}
}

func TestNext_MonotonicAdvance(t *testing.T) {
	rules := []Rule{
		Daily(),
		mustWeekly(t, time.Sunday),
		mustWeekly(t, time.Monday, time.Wednesday, time.Friday),
		mustWeekly(t, time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday),
	}

	start := utc("2025-01-01T06:30:00Z")
	for _, rule := range rules {
		t.Run(rule.String(), func(t *testing.T) {
			current := start
			for i := 0; i < 400; i++ {
				next, ok, err := Next(current, rule)
				if err != nil || !ok {
					t.Fatalf("Next() = %v, %v, %v", next, ok, err)
				}
				if !next.After(current) {
					t.Fatalf("non-monotonic: %s -> %s", current, next)
				}
				if next.Sub(current) > 7*24*time.Hour {
					t.Fatalf("gap larger than a week: %s -> %s", current, next)
				}
				current = next
			}
		})
	}
}

func TestNext_DoesNotDependOnCallOrder(t *testing.T) {
	rule := mustWeekly(t, time.Tuesday, time.Thursday)
	current := utc("2025-01-07T10:00:00Z")

	first, _, _ := Next(current, rule)
	second, _, _ := Next(current, rule)
	if !first.Equal(second) {
		t.Fatalf("expected deterministic result, got %s and %s", first, second)
	}
}

func TestWeekly_Validation(t *testing.T) {
	if _, err := Weekly(); !errors.Is(err, ErrEmptyWeekdays) {
		t.Errorf("expected ErrEmptyWeekdays, got %v", err)
	}
	if _, err := Weekly(time.Weekday(7)); !errors.Is(err, ErrInvalidWeekday) {
		t.Errorf("expected ErrInvalidWeekday, got %v", err)
	}
	if _, err := Weekly(time.Weekday(-1)); !errors.Is(err, ErrInvalidWeekday) {
		t.Errorf("expected ErrInvalidWeekday, got %v", err)
	}

	r := mustWeekly(t, time.Friday, time.Monday, time.Friday)
	days := r.Days()
	if len(days) != 2 || days[0] != time.Monday || days[1] != time.Friday {
		t.Errorf("expected [Monday Friday], got %v", days)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		typ      *string
		details  string
		wantKind Kind
		wantErr  error
	}{
		{"nil type is one-time", nil, "", KindNone, nil},
		{"explicit none", strPtr("none"), "", KindNone, nil},
		{"empty string", strPtr(""), "", KindNone, nil},
		{"daily", strPtr("daily"), "", KindDaily, nil},
		{"daily ignores details", strPtr("daily"), `{"days":[1]}`, KindDaily, nil},
		{"weekly", strPtr("weekly"), `{"days":[1,3]}`, KindWeekly, nil},
		{"weekly case insensitive", strPtr("Weekly"), `{"days":[0]}`, KindWeekly, nil},
		{"weekly missing details", strPtr("weekly"), "", 0, ErrEmptyWeekdays},
		{"weekly null details", strPtr("weekly"), "null", 0, ErrEmptyWeekdays},
		{"weekly empty days", strPtr("weekly"), `{"days":[]}`, 0, ErrEmptyWeekdays},
		{"weekly out of range", strPtr("weekly"), `{"days":[1,9]}`, 0, ErrInvalidWeekday},
		{"weekly malformed", strPtr("weekly"), `{"days":"monday"}`, 0, ErrInvalidDetails},
		{"monthly unsupported", strPtr("monthly"), "", 0, ErrUnsupportedType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var details []byte
			if tt.details != "" {
				details = []byte(tt.details)
			}

			rule, err := Parse(tt.typ, details)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rule.Kind() != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, rule.Kind())
			}
		})
	}
}

func TestEncode(t *testing.T) {
	typ, details, err := Encode(mustWeekly(t, time.Thursday, time.Monday))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if typ != TypeWeekly {
		t.Errorf("expected weekly, got %s", typ)
	}
	if string(details) != `{"days":[1,4]}` {
		t.Errorf("unexpected details: %s", details)
	}

	typ, details, _ = Encode(Daily())
	if typ != TypeDaily || details != nil {
		t.Errorf("expected daily with no details, got %s %s", typ, details)
	}
}

func TestFirstAfter(t *testing.T) {
	now := utc("2025-03-20T12:00:00Z") // Thursday

	tests := []struct {
		name   string
		anchor time.Time
		rule   Rule
		want   time.Time
	}{
		{"future anchor unchanged", utc("2025-04-01T09:00:00Z"), Daily(), utc("2025-04-01T09:00:00Z")},
		{"one-time unchanged", utc("2025-01-01T09:00:00Z"), None(), utc("2025-01-01T09:00:00Z")},
		{"daily later today", utc("2025-01-01T15:00:00Z"), Daily(), utc("2025-03-20T15:00:00Z")},
		{"daily tomorrow", utc("2025-01-01T09:00:00Z"), Daily(), utc("2025-03-21T09:00:00Z")},
		{"weekly next monday", utc("2025-01-06T10:00:00Z"), mustWeekly(t, time.Monday), utc("2025-03-24T10:00:00Z")},
		{"weekly same day later", utc("2025-01-02T13:00:00Z"), mustWeekly(t, time.Thursday), utc("2025-03-20T13:00:00Z")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FirstAfter(tt.anchor, now, tt.rule)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

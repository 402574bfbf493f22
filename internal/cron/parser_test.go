package cron

import (
	"testing"
	"time"
)

func TestParser_ValidExpressions(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"weekday 10:30", "30 10 * * 1-5"},
		{"every hour", "0 * * * *"},
		{"every 5 minutes", "*/5 * * * *"},
		{"daily 2:30am", "30 2 * * *"},
		{"yearly Jan 1", "0 0 1 1 *"},
		{"every minute", "* * * * *"},
		{"specific day", "0 12 15 * *"},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := p.Parse(tt.expr, "UTC")
			if err != nil {
				t.Errorf("Parse(%q, UTC) returned error: %v", tt.expr, err)
			}
			if sched == nil {
				t.Errorf("Parse(%q, UTC) returned nil schedule", tt.expr)
			}
		})
	}
}

func TestParser_InvalidExpressions(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"four fields", "* * * *"},
		{"six fields", "* * * * * *"},
		{"invalid minute 60", "60 * * * *"},
		{"invalid hour 25", "0 25 * * *"},
		{"non-numeric", "abc * * * *"},
		{"empty", ""},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse(tt.expr, "UTC")
			if err == nil {
				t.Errorf("Parse(%q, UTC) should return error for invalid expression", tt.expr)
			}
		})
	}
}

func TestParser_InvalidTimezone(t *testing.T) {
	p := NewParser()
	if _, err := p.Parse("0 * * * *", "Not/AZone"); err == nil {
		t.Error("Parse with invalid timezone should return error")
	}
}

// TestParser_WeekdaySchedule walks a full week of next-fire times for
// "30 10 * * 1-5" and verifies it fires at 10:30 UTC Monday through Friday
// and never on the weekend.
func TestParser_WeekdaySchedule(t *testing.T) {
	p := NewParser()
	sched, err := p.Parse("30 10 * * 1-5", "UTC")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	// 2024-01-13 is a Saturday.
	after := time.Date(2024, 1, 13, 0, 0, 0, 0, time.UTC)

	want := []time.Time{
		time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), // Mon
		time.Date(2024, 1, 16, 10, 30, 0, 0, time.UTC), // Tue
		time.Date(2024, 1, 17, 10, 30, 0, 0, time.UTC), // Wed
		time.Date(2024, 1, 18, 10, 30, 0, 0, time.UTC), // Thu
		time.Date(2024, 1, 19, 10, 30, 0, 0, time.UTC), // Fri
		time.Date(2024, 1, 22, 10, 30, 0, 0, time.UTC), // next Mon, weekend skipped
	}

	for i, w := range want {
		next := sched.Next(after)
		if !next.Equal(w) {
			t.Fatalf("fire %d: expected %s, got %s", i, w, next)
		}
		if wd := next.Weekday(); wd == time.Saturday || wd == time.Sunday {
			t.Fatalf("fire %d: fired on %s", i, wd)
		}
		after = next
	}
}

// TestParser_NonUTCZone verifies the fire time follows the configured zone's
// wall clock.
func TestParser_NonUTCZone(t *testing.T) {
	p := NewParser()
	sched, err := p.Parse("30 10 * * 1-5", "America/New_York")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	// Monday 2024-01-15 00:00 UTC.
	after := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	next := sched.Next(after)

	// 10:30 in New York is 15:30 UTC in January (EST).
	want := time.Date(2024, 1, 15, 15, 30, 0, 0, time.UTC)
	if !next.UTC().Equal(want) {
		t.Errorf("expected %s, got %s", want, next.UTC())
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("30 10 * * 1-5"); err != nil {
		t.Errorf("Validate returned error for valid expression: %v", err)
	}
	if err := Validate("not a cron"); err == nil {
		t.Error("Validate should return error for invalid expression")
	}
}

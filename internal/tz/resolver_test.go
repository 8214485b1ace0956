package tz

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newResolver(now time.Time) Resolver {
	return Resolver{Log: zap.NewNop(), NowFn: func() time.Time { return now }}
}

func TestResolveProjectTimezoneChain(t *testing.T) {
	r := Resolver{Log: zap.NewNop()}
	cases := []struct {
		project, org, want string
	}{
		{"America/New_York", "Europe/Paris", "America/New_York"},
		{"Not/AZone", "Europe/Paris", "Europe/Paris"},
		{"", "Europe/Paris", "Europe/Paris"},
		{"Not/AZone", "Also/Bogus", "UTC"},
		{"", "", "UTC"},
	}
	for _, c := range cases {
		if got := r.ResolveProjectTimezone(c.project, c.org); got != c.want {
			t.Errorf("ResolveProjectTimezone(%q,%q)=%q, want %q", c.project, c.org, got, c.want)
		}
	}
}

func TestComputeInstantUsesTargetDayOffset(t *testing.T) {
	r := newResolver(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	// June in New York is DST (UTC-4)
	got, err := r.ComputeInstant("2025-06-10", "09:30", "America/New_York")
	if err != nil {
		t.Fatalf("ComputeInstant: %v", err)
	}
	want := time.Date(2025, 6, 10, 13, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got.UTC(), want)
	}
	// January is standard time (UTC-5)
	got, err = r.ComputeInstant("2025-01-10", "09:30", "America/New_York")
	if err != nil {
		t.Fatalf("ComputeInstant: %v", err)
	}
	want = time.Date(2025, 1, 10, 14, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got.UTC(), want)
	}
}

func TestComputeInstantRejectsBadClock(t *testing.T) {
	r := newResolver(time.Now())
	for _, clock := range []string{"0900", "9:99", "24:00", "x:30", ""} {
		if _, err := r.ComputeInstant("2025-06-10", clock, "UTC"); !errors.Is(err, ErrInvalidTimeFormat) {
			t.Errorf("clock %q: expected ErrInvalidTimeFormat, got %v", clock, err)
		}
	}
	if _, err := r.ComputeInstant("June 10", "09:00", "UTC"); !errors.Is(err, ErrInvalidTimeFormat) {
		t.Errorf("bad date: expected ErrInvalidTimeFormat, got %v", err)
	}
}

func TestComputeInstantDegradesToUTC(t *testing.T) {
	r := newResolver(time.Now())
	got, err := r.ComputeInstant("2025-06-10", "09:00", "Not/AZone")
	if err != nil {
		t.Fatalf("invalid timezone must degrade, not fail: %v", err)
	}
	want := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestIsDue(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	r := newResolver(now)
	if r.IsDue(now.Add(time.Second)) {
		t.Fatalf("future instant must not be due")
	}
	if !r.IsDue(now) {
		t.Fatalf("exact instant is due")
	}
	if !r.IsDue(now.Add(-time.Hour)) {
		t.Fatalf("past instant is due")
	}
}

func TestNowConvertsLocation(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	r := newResolver(now)
	local := r.Now("America/New_York")
	if !local.Equal(now) {
		t.Fatalf("conversion must preserve the instant")
	}
	if local.Hour() != 8 {
		t.Fatalf("expected 08:00 in New York, got %02d:00", local.Hour())
	}
}

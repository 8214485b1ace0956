package tz

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrInvalidTimeFormat marks a malformed HH:MM clock string. Unlike an
// invalid timezone (which degrades to UTC), a bad clock string fails the
// whole computation.
var ErrInvalidTimeFormat = errors.New("invalid time format")

const dateLayout = "2006-01-02"

// Resolver answers all timezone questions for the engine. All due-checks go
// through Now/IsDue so tests can pin the clock.
type Resolver struct {
	Log   *zap.Logger
	NowFn func() time.Time
}

func (r Resolver) clock() time.Time {
	if r.NowFn != nil {
		return r.NowFn()
	}
	return time.Now()
}

// Valid reports whether id names a loadable IANA timezone.
func (r Resolver) Valid(id string) bool {
	if strings.TrimSpace(id) == "" {
		return false
	}
	_, err := time.LoadLocation(id)
	return err == nil
}

// ResolveProjectTimezone walks the fallback chain: project override, then
// organization default, then UTC. Each rejected layer logs a warning.
func (r Resolver) ResolveProjectTimezone(projectTZ, orgTZ string) string {
	if projectTZ != "" {
		if r.Valid(projectTZ) {
			return projectTZ
		}
		r.Log.Warn("project timezone invalid, falling back", zap.String("timezone", projectTZ))
	}
	if orgTZ != "" {
		if r.Valid(orgTZ) {
			return orgTZ
		}
		r.Log.Warn("organization timezone invalid, falling back to UTC", zap.String("timezone", orgTZ))
	}
	return "UTC"
}

// ComputeInstant builds the wall-clock time clock ("HH:MM") on the calendar
// date (YYYY-MM-DD) as observed in tzID. The offset is taken from the tz
// database at that date, so DST is handled for the target day rather than
// today. An invalid timezone degrades to UTC with a warning.
func (r Resolver) ComputeInstant(date, clock, tzID string) (time.Time, error) {
	day, err := time.Parse(dateLayout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: %w", date, ErrInvalidTimeFormat)
	}
	hour, minute, err := parseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	loc := r.location(tzID)
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc), nil
}

// InstantOn is ComputeInstant for callers that already hold numeric parts.
func (r Resolver) InstantOn(year int, month time.Month, day, hour int, tzID string) time.Time {
	return time.Date(year, month, day, hour, 0, 0, 0, r.location(tzID))
}

func (r Resolver) location(tzID string) *time.Location {
	loc, err := time.LoadLocation(tzID)
	if err != nil {
		r.Log.Warn("timezone not loadable, using UTC", zap.String("timezone", tzID), zap.Error(err))
		return time.UTC
	}
	return loc
}

// Now returns the current time expressed in the given timezone.
func (r Resolver) Now(tzID string) time.Time {
	return r.clock().In(r.location(tzID))
}

// IsDue reports whether the instant has passed. Due-ness is monotonic: once
// true it never flips back.
func (r Resolver) IsDue(t time.Time) bool {
	return !r.clock().Before(t)
}

func parseClock(clock string) (hour, minute int, err error) {
	parts := strings.Split(clock, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("clock %q: %w", clock, ErrInvalidTimeFormat)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("clock %q hour out of range: %w", clock, ErrInvalidTimeFormat)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("clock %q minute out of range: %w", clock, ErrInvalidTimeFormat)
	}
	return hour, minute, nil
}

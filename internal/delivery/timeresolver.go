package delivery

import (
	"fmt"
	"time"
)

// localTimeLayout is the wall-clock format accepted from callers.
const localTimeLayout = "2006-01-02T15:04"

// displayTimeLayout is the human-readable form stored on the item. It
// is derived once at scheduling time and never recomputed.
const displayTimeLayout = "Mon, 02 Jan 2006 15:04 MST"

// dstGapTolerance bounds how far the re-projected wall clock may drift
// from the requested one before the local time is treated as
// non-existent (a spring-forward gap).
const dstGapTolerance = 60 * time.Second

// ResolvedTime is the outcome of resolving a local wall-clock time.
type ResolvedTime struct {
	Instant     time.Time
	DisplayTime string
}

// TimeResolver converts a user-supplied wall-clock time plus an IANA
// timezone into an absolute delivery instant.
type TimeResolver struct {
	clock Clock
}

// NewTimeResolver creates a TimeResolver using the given clock.
func NewTimeResolver(clock Clock) *TimeResolver {
	return &TimeResolver{clock: clock}
}

// Resolve interprets localTime ("2006-01-02T15:04") as wall-clock in
// timezone and returns the absolute instant plus a display string.
// It rejects unknown zones, instants not strictly in the future, and
// local times that fall into a DST gap.
func (r *TimeResolver) Resolve(localTime, timezone string) (ResolvedTime, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return ResolvedTime{}, fmt.Errorf("%w: %q", ErrInvalidTimezone, timezone)
	}

	wall, err := time.Parse(localTimeLayout, localTime)
	if err != nil {
		return ResolvedTime{}, fmt.Errorf("%w: %q", ErrInvalidLocalFormat, localTime)
	}

	instant := time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), 0, 0, loc)

	// A non-existent local time (spring-forward gap) is normalized by
	// time.Date; re-project the instant back into the zone and compare
	// wall clocks to detect the shift.
	back := instant.In(loc)
	projected := time.Date(back.Year(), back.Month(), back.Day(), back.Hour(), back.Minute(), 0, 0, time.UTC)
	requested := time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), 0, 0, time.UTC)
	if drift := projected.Sub(requested).Abs(); drift > dstGapTolerance {
		return ResolvedTime{}, fmt.Errorf("%w: %s in %s", ErrNonexistentTime, localTime, timezone)
	}

	if !instant.After(r.clock.Now()) {
		return ResolvedTime{}, fmt.Errorf("%w: %s", ErrPastTime, instant.Format(time.RFC3339))
	}

	return ResolvedTime{
		Instant:     instant.UTC(),
		DisplayTime: instant.In(loc).Format(displayTimeLayout),
	}, nil
}

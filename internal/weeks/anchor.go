// Package weeks turns instants into site-local program weeks and cycles.
//
// All arithmetic happens on the site's local calendar: an instant is first
// converted to the site's zone, reduced to a calendar Date, and only then
// aligned to Monday. Deadlines are rebuilt from local wall-clock times so a
// DST change inside a week never shifts a boundary.
package weeks

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"
)

const (
	MinCycleLength = 1
	MaxCycleLength = 12
)

var (
	ErrInvalidTimeZone     = errors.New("invalid time zone")
	ErrInvalidProgramStart = errors.New("program start date must be a Monday")
	ErrInvalidCycleLength  = fmt.Errorf("cycle length must be between %d and %d weeks", MinCycleLength, MaxCycleLength)
)

// Calendar is the program calendar of one site.
type Calendar struct {
	Location     *time.Location
	ProgramStart Date
	CycleLength  int
}

// Anchor describes the week containing an instant, in site-local terms.
type Anchor struct {
	WeekStart       Date `json:"week_start"`
	WeeksSinceStart int  `json:"weeks_since_start"`
	// Cycle and WeekInCycle are 1-indexed; both are 0 before the program starts.
	Cycle       int `json:"cycle"`
	WeekInCycle int `json:"week_in_cycle"`

	CheckInOpen         time.Time `json:"check_in_open"`
	ConfidenceDeadline  time.Time `json:"confidence_deadline"`
	PerformanceOpen     time.Time `json:"performance_open"`
	PerformanceDeadline time.Time `json:"performance_deadline"`
	Rollover            time.Time `json:"rollover"`
}

// NewCalendar loads the zone and validates the program calendar.
func NewCalendar(timeZone string, programStart Date, cycleLength int) (Calendar, error) {
	if timeZone == "" {
		return Calendar{}, fmt.Errorf("%w: empty", ErrInvalidTimeZone)
	}
	loc, err := time.LoadLocation(timeZone)
	if err != nil {
		return Calendar{}, fmt.Errorf("%w: %s", ErrInvalidTimeZone, timeZone)
	}
	if err := ValidateProgramStart(programStart); err != nil {
		return Calendar{}, err
	}
	if cycleLength < MinCycleLength || cycleLength > MaxCycleLength {
		return Calendar{}, fmt.Errorf("%w: got %d", ErrInvalidCycleLength, cycleLength)
	}
	return Calendar{Location: loc, ProgramStart: programStart, CycleLength: cycleLength}, nil
}

// ValidateProgramStart checks the Monday alignment of a program start date.
func ValidateProgramStart(d Date) error {
	if d.IsZero() {
		return fmt.Errorf("%w: empty", ErrInvalidProgramStart)
	}
	if d.Weekday() != time.Monday {
		return fmt.Errorf("%w: %s is a %s", ErrInvalidProgramStart, d, d.Weekday())
	}
	return nil
}

// WeekStart returns the Monday of the local week containing now.
func WeekStart(now time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	local := DateOf(now.In(loc))
	offset := (int(local.Weekday()) + 6) % 7
	return local.AddDays(-offset)
}

// At computes the anchor for now.
func (c Calendar) At(now time.Time) Anchor {
	start := WeekStart(now, c.Location)
	return c.ForWeek(start)
}

// ForWeek computes the anchor of the week starting on the given Monday.
func (c Calendar) ForWeek(start Date) Anchor {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	since := floorDiv(start.DaysSince(c.ProgramStart), 7)
	a := Anchor{
		WeekStart:           start,
		WeeksSinceStart:     since,
		CheckInOpen:         start.At(loc, 0, 0, 0, 0),
		ConfidenceDeadline:  endOfDay(start.AddDays(1), loc),
		PerformanceOpen:     start.AddDays(3).At(loc, 0, 0, 0, 0),
		PerformanceDeadline: endOfDay(start.AddDays(4), loc),
		Rollover:            start.AddWeeks(1).At(loc, 0, 1, 0, 0),
	}
	if since >= 0 && c.CycleLength > 0 {
		a.Cycle = since/c.CycleLength + 1
		a.WeekInCycle = since%c.CycleLength + 1
	}
	return a
}

// LastRolledOver returns the most recent week whose rollover instant is at or
// before now. Between local Monday 00:00 and 00:01 this is two weeks back.
func (c Calendar) LastRolledOver(now time.Time) Anchor {
	cur := c.At(now)
	prev := c.ForWeek(cur.WeekStart.AddWeeks(-1))
	if now.Before(prev.Rollover) {
		return c.ForWeek(prev.WeekStart.AddWeeks(-1))
	}
	return prev
}

func endOfDay(d Date, loc *time.Location) time.Time {
	return d.At(loc, 23, 59, 59, int(time.Second-time.Nanosecond))
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

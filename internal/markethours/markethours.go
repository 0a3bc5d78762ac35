// Package markethours gates the live feed to NSE cash-market sessions.
package markethours

import (
	"fmt"
	"time"
)

// IST is Indian Standard Time (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Session bounds in IST.
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30

	// LoginLead is how long before the open the engine logs in and connects.
	LoginLead = 5 * time.Minute
)

// Phase is the session state at an instant. The values are exported as the
// market state gauge.
type Phase int

const (
	Closed Phase = iota
	Open
	PreOpen
)

func (p Phase) String() string {
	switch p {
	case Open:
		return "open"
	case PreOpen:
		return "pre-open"
	default:
		return "closed"
	}
}

// Calendar knows trading days: weekdays that are not exchange holidays.
type Calendar struct {
	holidays map[string]struct{}
}

// NewCalendar returns a calendar with the built-in NSE holiday list plus extra.
func NewCalendar(extra ...time.Time) *Calendar {
	c := &Calendar{holidays: make(map[string]struct{}, len(nseHolidays)+len(extra))}
	for _, d := range nseHolidays {
		c.holidays[d] = struct{}{}
	}
	for _, t := range extra {
		c.holidays[dateKey(t)] = struct{}{}
	}
	return c
}

// IsHoliday reports whether t's IST date is an exchange holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	_, ok := c.holidays[dateKey(t)]
	return ok
}

// IsTradingDay reports whether t's IST date is a weekday and not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	wd := t.In(IST).Weekday()
	return wd != time.Saturday && wd != time.Sunday && !c.IsHoliday(t)
}

// Phase returns the session phase at t.
func (c *Calendar) Phase(t time.Time) Phase {
	if !c.IsTradingDay(t) {
		return Closed
	}
	open := OpenTime(t)
	switch {
	case t.Before(open.Add(-LoginLead)):
		return Closed
	case t.Before(open):
		return PreOpen
	case t.Before(CloseTime(t)):
		return Open
	default:
		return Closed
	}
}

// IsOpen reports whether t is within a trading session.
func (c *Calendar) IsOpen(t time.Time) bool {
	return c.Phase(t) == Open
}

// NextOpen returns the first session open strictly after t, or today's open
// when t is earlier on a trading day.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	if open := OpenTime(t); t.Before(open) && c.IsTradingDay(t) {
		return open
	}
	d := t.In(IST)
	// weekends plus the longest holiday run stay well under two weeks
	for i := 0; i < 14; i++ {
		d = d.AddDate(0, 0, 1)
		if c.IsTradingDay(d) {
			return OpenTime(d)
		}
	}
	return OpenTime(t.In(IST).AddDate(0, 0, 1))
}

// Status is a one-line description for logs.
func (c *Calendar) Status(t time.Time) string {
	if c.IsOpen(t) {
		return fmt.Sprintf("market open, closes in %s", shortDur(CloseTime(t).Sub(t)))
	}
	next := c.NextOpen(t).In(IST)
	return fmt.Sprintf("market closed, opens %s %s (in %s)",
		next.Weekday().String()[:3], next.Format("15:04"), shortDur(next.Sub(t)))
}

// OpenTime is the session open on t's IST date.
func OpenTime(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
}

// CloseTime is the session close on t's IST date.
func CloseTime(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

func shortDur(d time.Duration) string {
	d = d.Round(time.Minute)
	if h := int(d.Hours()); h > 0 {
		return fmt.Sprintf("%dh%dm", h, int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}

func dateKey(t time.Time) string {
	return t.In(IST).Format(time.DateOnly)
}

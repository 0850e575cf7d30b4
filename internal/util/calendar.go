package util

import (
	"time"
)

// nyse is the exchange time zone. Loaded once; the zoneinfo database ships
// with the Go runtime via the tzdata fallback on the deployment image.
var nyse = mustLocation("America/New_York")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		// Fall back to a fixed offset; EST without DST is wrong for half the
		// year but keeps the process running on images without zoneinfo.
		return time.FixedZone("EST", -5*3600)
	}
	return loc
}

// TradingCalendar provides market-hours awareness for the regular US equity
// session, 9:30 to 16:00 Eastern on weekdays.
//
// TODO: account for exchange holidays and early closes.
type TradingCalendar struct {
	loc *time.Location
}

// NewTradingCalendar creates a TradingCalendar for the US equity session.
func NewTradingCalendar() *TradingCalendar {
	return &TradingCalendar{loc: nyse}
}

// DayStart returns midnight at the start of t's trading day in exchange
// time. Callers use it to scope "today" queries to the Eastern calendar day
// rather than the UTC one.
func (tc *TradingCalendar) DayStart(t time.Time) time.Time {
	local := t.In(tc.loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, tc.loc)
}

func (tc *TradingCalendar) sessionBounds(t time.Time) (open, close time.Time) {
	local := t.In(tc.loc)
	y, m, d := local.Date()
	open = time.Date(y, m, d, 9, 30, 0, 0, tc.loc)
	close = time.Date(y, m, d, 16, 0, 0, 0, tc.loc)
	return open, close
}

func isWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// IsMarketOpen returns whether the regular session is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	local := t.In(tc.loc)
	if !isWeekday(local) {
		return false
	}
	open, close := tc.sessionBounds(local)
	return !local.Before(open) && local.Before(close)
}

// NextOpen returns the next session open at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	local := t.In(tc.loc)
	for {
		open, _ := tc.sessionBounds(local)
		if isWeekday(local) && !open.Before(local) {
			return open
		}
		local = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, tc.loc).
			AddDate(0, 0, 1)
	}
}

// NextClose returns the next session close at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	local := t.In(tc.loc)
	for {
		_, close := tc.sessionBounds(local)
		if isWeekday(local) && !close.Before(local) {
			return close
		}
		local = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, tc.loc).
			AddDate(0, 0, 1)
	}
}

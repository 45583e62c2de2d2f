package utils

import (
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// MarketSession is the state of the F&O trading session.
type MarketSession string

const (
	SessionPreOpen MarketSession = "PRE_OPEN"
	SessionOpen    MarketSession = "OPEN"
	SessionClosed  MarketSession = "CLOSED"
)

// Session minutes since midnight IST.
const (
	preOpenMinute = 9 * 60
	openMinute    = 9*60 + 15
	closeMinute   = 15*60 + 30
)

// SessionAt returns the session state at t. Exchange holidays are not known
// here and read as open.
func SessionAt(t time.Time) MarketSession {
	now := t.In(IndiaLocation)
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return SessionClosed
	}

	minutes := now.Hour()*60 + now.Minute()
	switch {
	case minutes >= preOpenMinute && minutes < openMinute:
		return SessionPreOpen
	case minutes >= openMinute && minutes < closeMinute:
		return SessionOpen
	}
	return SessionClosed
}

// NextOpen returns the next session open strictly after t.
func NextOpen(t time.Time) time.Time {
	now := t.In(IndiaLocation)

	next := time.Date(now.Year(), now.Month(), now.Day(), 9, 15, 0, 0, IndiaLocation)
	if !now.Before(next) {
		next = next.AddDate(0, 0, 1)
	}
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

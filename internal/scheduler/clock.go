package scheduler

import "time"

// MarketClock answers market-hours/extended-hours/trading-day
// questions in the exchange's own timezone, DST-aware (spec §4.J:
// "all cron expressions MUST be interpreted in the market timezone").
type MarketClock struct {
	loc *time.Location
}

func NewMarketClock() (*MarketClock, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, err
	}
	return &MarketClock{loc: loc}, nil
}

func (c *MarketClock) now(ref time.Time) time.Time {
	return ref.In(c.loc)
}

func (c *MarketClock) IsWeekday(ref time.Time) bool {
	d := c.now(ref).Weekday()
	return d >= time.Monday && d <= time.Friday
}

// IsRegularHours reports 09:30-16:00 ET Mon-Fri.
func (c *MarketClock) IsRegularHours(ref time.Time) bool {
	if !c.IsWeekday(ref) {
		return false
	}
	t := c.now(ref)
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}

// IsExtendedHours reports the pre/post-market windows 04:00-09:30 and
// 16:00-20:00 ET, weekdays only.
func (c *MarketClock) IsExtendedHours(ref time.Time) bool {
	if !c.IsWeekday(ref) {
		return false
	}
	t := c.now(ref)
	minutes := t.Hour()*60 + t.Minute()
	preMarket := minutes >= 4*60 && minutes < 9*60+30
	afterHours := minutes >= 16*60 && minutes < 20*60
	return preMarket || afterHours
}

// AtOrAfterDailyTime reports whether ref, interpreted in market time,
// falls on or after hour:minute on a weekday. Used by the 21:00 ET
// signal-outcome-scoring job, which has no upper bound on its window
// (it runs once per day the first time the scheduler observes ref past
// the target time).
func (c *MarketClock) AtOrAfterDailyTime(ref time.Time, hour, minute int) bool {
	if !c.IsWeekday(ref) {
		return false
	}
	t := c.now(ref)
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= hour*60+minute
}

// MarketJustOpened reports whether ref falls within the first 15
// minutes of regular trading hours (09:30-09:45 ET), matching the
// composite_safety_recompute cadence so one of that job's ticks lands
// in the window each session. Used by the circuit-breaker auto-reset
// check (spec §4.D: "auto-reset at engaged_at+24h AND next market
// open").
func (c *MarketClock) MarketJustOpened(ref time.Time) bool {
	if !c.IsWeekday(ref) {
		return false
	}
	t := c.now(ref)
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= 9*60+30 && minutes < 9*60+45
}

// DateKey returns the market-local calendar date as YYYY-MM-DD, used to
// ensure once-daily jobs fire exactly once per trading day.
func (c *MarketClock) DateKey(ref time.Time) string {
	return c.now(ref).Format("2006-01-02")
}

package session

import (
	"fmt"
	"time"

	"optionrelay/internal/config"
)

// MarketClock answers "is the exchange open right now" and resolves expiry
// dates to their cutoff instant. It is pure configuration: open/close times
// in the exchange timezone, weekdays only.
type MarketClock struct {
	loc        *time.Location
	openH      int
	openM      int
	closeH     int
	closeM     int
	expiryHHMM string
}

// NewMarketClock parses the configured market hours. Config validation has
// already checked the formats, but the parse errors are still surfaced.
func NewMarketClock(cfg config.MarketConfig) (*MarketClock, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("market timezone: %w", err)
	}
	open, err := time.Parse("15:04", cfg.Open)
	if err != nil {
		return nil, fmt.Errorf("market open %q: %w", cfg.Open, err)
	}
	cls, err := time.Parse("15:04", cfg.Close)
	if err != nil {
		return nil, fmt.Errorf("market close %q: %w", cfg.Close, err)
	}
	return &MarketClock{
		loc:        loc,
		openH:      open.Hour(),
		openM:      open.Minute(),
		closeH:     cls.Hour(),
		closeM:     cls.Minute(),
		expiryHHMM: cfg.Close,
	}, nil
}

// IsOpen reports whether t falls inside market hours on a weekday.
func (c *MarketClock) IsOpen(t time.Time) bool {
	t = t.In(c.loc)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	open := time.Date(t.Year(), t.Month(), t.Day(), c.openH, c.openM, 0, 0, c.loc)
	cls := time.Date(t.Year(), t.Month(), t.Day(), c.closeH, c.closeM, 0, 0, c.loc)
	return !t.Before(open) && !t.After(cls)
}

// ExpiryTime resolves an ISO expiry date to the contract cutoff: market close
// in the exchange timezone on that day.
func (c *MarketClock) ExpiryTime(isoDate string) (time.Time, error) {
	day, err := time.ParseInLocation("2006-01-02", isoDate, c.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("expiry date %q: %w", isoDate, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), c.closeH, c.closeM, 0, 0, c.loc), nil
}

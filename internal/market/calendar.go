package market

import "github.com/aristath/astock-sentinel/internal/domain"

// Calendar is a thin derivation over the Store (C3): trading days and
// trading timestamps come entirely from which rows exist in the store.
// Weekend/holiday logic is never computed; presence of data is ground truth.
type Calendar struct {
	store *Store
}

// NewCalendar builds a Calendar backed by store.
func NewCalendar(store *Store) *Calendar {
	return &Calendar{store: store}
}

// TradingDays returns the sorted distinct dates present in daily bars.
func (c *Calendar) TradingDays() ([]domain.Timestamp, error) {
	return c.store.AllTradingDays()
}

// IsTradingDay reports whether any daily bar exists for date.
func (c *Calendar) IsTradingDay(date domain.Timestamp) (bool, error) {
	return c.store.IsTradingTimestamp(date)
}

// PreviousSession returns the trading day/hour immediately preceding t, or a
// zero Timestamp if t is the earliest known session.
func (c *Calendar) PreviousSession(t domain.Timestamp) (domain.Timestamp, error) {
	return c.store.PreviousTradingTimestamp(t)
}

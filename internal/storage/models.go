package storage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Dado-hash/fundings-screener/internal/market"
	"github.com/Dado-hash/fundings-screener/internal/opportunity"
)

// ErrInvalidInterval indicates a row or request without exactly one interval unit.
var ErrInvalidInterval = errors.New("storage: exactly one of interval hours or minutes must be set")

// IntervalUnit tags which variant an Interval carries.
type IntervalUnit int

const (
	UnitHours IntervalUnit = iota + 1
	UnitMinutes
)

// Interval is the delivery cadence of an alert: either Hours(n) or Minutes(n).
// The zero value is invalid.
type Interval struct {
	unit  IntervalUnit
	count int
}

// Hours builds an hourly interval.
func Hours(n int) Interval { return Interval{unit: UnitHours, count: n} }

// Minutes builds a minute interval.
func Minutes(n int) Interval { return Interval{unit: UnitMinutes, count: n} }

// IntervalFromColumns maps the nullable interval_hours / interval_minutes pair
// onto the variant.
func IntervalFromColumns(hours, minutes *int) (Interval, error) {
	switch {
	case hours != nil && minutes == nil:
		if *hours <= 0 {
			return Interval{}, ErrInvalidInterval
		}
		return Hours(*hours), nil
	case minutes != nil && hours == nil:
		if *minutes <= 0 {
			return Interval{}, ErrInvalidInterval
		}
		return Minutes(*minutes), nil
	default:
		return Interval{}, ErrInvalidInterval
	}
}

// Columns is the inverse of IntervalFromColumns.
func (i Interval) Columns() (hours, minutes *int) {
	n := i.count
	switch i.unit {
	case UnitHours:
		return &n, nil
	case UnitMinutes:
		return nil, &n
	}
	return nil, nil
}

// Unit reports which variant the interval carries; zero for an invalid interval.
func (i Interval) Unit() IntervalUnit { return i.unit }

// Count is the number of hours or minutes between deliveries.
func (i Interval) Count() int { return i.count }

// Valid reports whether the interval carries a unit and a positive count.
func (i Interval) Valid() bool {
	return (i.unit == UnitHours || i.unit == UnitMinutes) && i.count > 0
}

// Duration converts the interval to wall-clock time.
func (i Interval) Duration() time.Duration {
	switch i.unit {
	case UnitHours:
		return time.Duration(i.count) * time.Hour
	case UnitMinutes:
		return time.Duration(i.count) * time.Minute
	}
	return 0
}

func (i Interval) String() string {
	switch i.unit {
	case UnitHours:
		return plural(i.count, "hour")
	case UnitMinutes:
		return plural(i.count, "minute")
	}
	return "invalid"
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// ParseInterval accepts "<n>h" or "<n>m".
func ParseInterval(raw string) (Interval, error) {
	s := strings.TrimSpace(strings.ToLower(raw))
	if len(s) < 2 {
		return Interval{}, ErrInvalidInterval
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return Interval{}, ErrInvalidInterval
	}
	switch s[len(s)-1] {
	case 'h':
		return Hours(n), nil
	case 'm':
		return Minutes(n), nil
	}
	return Interval{}, ErrInvalidInterval
}

// Subscriber is a notification recipient, keyed by its Telegram chat id.
type Subscriber struct {
	ChatID    int64
	UserID    *int64
	Username  string
	Active    bool
	CreatedAt time.Time
}

// AlertConfig is a subscriber's filter plus its delivery cadence.
type AlertConfig struct {
	ID             int64
	SubscriberID   int64
	Name           string
	Interval       Interval
	MinSpread      float64
	MaxSpread      float64
	Sources        []market.Exchange
	ArbitrageOnly  bool
	HighSpreadOnly bool
	MaxResults     int
	LastSentAt     *time.Time
	Active         bool
	CreatedAt      time.Time
}

// DueAt is when the alert becomes eligible again. ok is false when it has never
// been sent, which makes it due immediately.
func (a AlertConfig) DueAt() (time.Time, bool) {
	if a.LastSentAt == nil {
		return time.Time{}, false
	}
	return a.LastSentAt.Add(a.Interval.Duration()), true
}

// IsDue reports whether now has reached the alert's due time.
func (a AlertConfig) IsDue(now time.Time) bool {
	dueAt, ok := a.DueAt()
	if !ok {
		return true
	}
	return !now.Before(dueAt)
}

// Criteria converts the alert into a filter for the opportunity engine.
func (a AlertConfig) Criteria(highSpreadThreshold float64) opportunity.Criteria {
	return opportunity.Criteria{
		Sources:             a.Sources,
		MinSpread:           a.MinSpread,
		MaxSpread:           a.MaxSpread,
		ArbitrageOnly:       a.ArbitrageOnly,
		HighSpreadOnly:      a.HighSpreadOnly,
		MaxResults:          a.MaxResults,
		HighSpreadThreshold: highSpreadThreshold,
	}
}

// Validate checks the invariants enforced before an alert is persisted.
func (a AlertConfig) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("alert name is required")
	}
	if !a.Interval.Valid() {
		return ErrInvalidInterval
	}
	if len(a.Sources) < 2 {
		return errors.New("alert needs at least two sources")
	}
	seen := make(map[market.Exchange]struct{}, len(a.Sources))
	for _, s := range a.Sources {
		if _, ok := market.ParseExchange(string(s)); !ok {
			return fmt.Errorf("unknown source %q", s)
		}
		if _, dup := seen[s]; dup {
			return fmt.Errorf("duplicate source %q", s)
		}
		seen[s] = struct{}{}
	}
	if a.MinSpread < 0 || a.MaxSpread < a.MinSpread {
		return fmt.Errorf("invalid spread range [%v, %v]", a.MinSpread, a.MaxSpread)
	}
	if a.MaxResults <= 0 {
		return errors.New("max results must be positive")
	}
	return nil
}

// DeliveryStatus is the outcome of one scheduled delivery.
type DeliveryStatus string

const (
	StatusSent   DeliveryStatus = "sent"
	StatusNoData DeliveryStatus = "no_data"
	StatusFailed DeliveryStatus = "failed"
)

// DeliveryRecord is an append-only log entry.
type DeliveryRecord struct {
	SubscriberID     int64
	AlertID          int64
	SentAt           time.Time
	OpportunityCount int
	Status           DeliveryStatus
}

// Stats summarises notification activity.
type Stats struct {
	ActiveSubscribers    int64
	ActiveAlerts         int64
	AlertsEverSent       int64
	TotalDeliveries      int64
	SuccessfulDeliveries int64
}

package wizard

import (
	"strings"
	"time"
)

// Policy holds the business constants of the booking flow.
type Policy struct {
	SessionTTL     time.Duration
	Slots          []string
	WindowDays     int
	WeekdaysOnly   bool
	Countries      []string
	PaymentMethods []string
	Debounce       time.Duration
}

// DefaultPolicy returns the reference flow: 4 hour drafts, two daily slots,
// 21 calendar days of weekday availability.
func DefaultPolicy() Policy {
	return Policy{
		SessionTTL:     4 * time.Hour,
		Slots:          []string{"10:00", "14:00"},
		WindowDays:     21,
		WeekdaysOnly:   true,
		Countries:      []string{"DE", "AT", "CH", "NL", "BE", "FR", "IT", "ES", "GB", "US"},
		PaymentMethods: []string{"card", "invoice"},
		Debounce:       500 * time.Millisecond,
	}
}

// AvailableDates lists the bookable days relative to now, formatted as ISO dates.
func (p Policy) AvailableDates(now time.Time) []string {
	first, last := bookingWindow(now, p.WindowDays)
	var dates []string
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		if p.WeekdaysOnly && isWeekend(day) {
			continue
		}
		dates = append(dates, day.Format(time.DateOnly))
	}
	return dates
}

// Preferences is the per-session presentation configuration handed to the controller.
type Preferences struct {
	Locale string `json:"locale"`
	Theme  string `json:"theme"`
}

// Region returns the upper-cased region subtag of the locale, e.g. "DE" for "de-DE".
// It is "" when the locale carries no region.
func (p Preferences) Region() string {
	locale := strings.ReplaceAll(p.Locale, "_", "-")
	parts := strings.Split(locale, "-")
	if len(parts) < 2 {
		return ""
	}
	region := strings.ToUpper(parts[len(parts)-1])
	if len(region) != 2 {
		return ""
	}
	return region
}

package wizard

import (
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RuleKind identifies a field validation rule.
type RuleKind string

const (
	RuleRequired     RuleKind = "required"
	RuleEmail        RuleKind = "email"
	RulePhone        RuleKind = "phone"
	RuleMinLength    RuleKind = "min-length"
	RuleMaxLength    RuleKind = "max-length"
	RuleNumericRange RuleKind = "numeric-range"
	RulePostalCode   RuleKind = "postal-code"
	RuleOneOf        RuleKind = "one-of"
	RuleBookingDate  RuleKind = "booking-date"
	RuleTimeSlot     RuleKind = "time-slot"
)

var knownRuleKinds = map[RuleKind]struct{}{
	RuleRequired: {}, RuleEmail: {}, RulePhone: {}, RuleMinLength: {}, RuleMaxLength: {},
	RuleNumericRange: {}, RulePostalCode: {}, RuleOneOf: {}, RuleBookingDate: {}, RuleTimeSlot: {},
}

// Known reports whether the kind has a validator.
func (k RuleKind) Known() bool {
	_, ok := knownRuleKinds[k]
	return ok
}

// Error keys returned in ValidationResult.ErrorKey.
const (
	ErrKeyRequired          = "required"
	ErrKeyInvalidEmail      = "invalid-email"
	ErrKeyInvalidPhone      = "invalid-phone"
	ErrKeyTooShort          = "too-short"
	ErrKeyTooLong           = "too-long"
	ErrKeyNotANumber        = "not-a-number"
	ErrKeyOutOfRange        = "out-of-range"
	ErrKeyInvalidPostalCode = "invalid-postal-code"
	ErrKeyInvalidOption     = "invalid-option"
	ErrKeyInvalidDate       = "invalid-date"
	ErrKeyDateOutsideWindow = "date-outside-window"
	ErrKeyDateNotWeekday    = "date-not-weekday"
	ErrKeyInvalidTimeSlot   = "invalid-time-slot"
)

// Rule is one validation applied to a field value. Only the parameters
// relevant to Kind are read.
type Rule struct {
	Kind RuleKind `json:"kind"`

	Length int     `json:"length,omitempty"`
	Min    float64 `json:"min,omitempty"`
	Max    float64 `json:"max,omitempty"`

	// Options lists accepted values for one-of and time-slot rules.
	Options []string `json:"options,omitempty"`

	// Country is the ISO 3166-1 alpha-2 code a postal code is checked against.
	// When empty, CountryField names the draft field that supplies it.
	Country      string   `json:"country,omitempty"`
	CountryField FieldKey `json:"country_field,omitempty"`

	WindowDays   int  `json:"window_days,omitempty"`
	WeekdaysOnly bool `json:"weekdays_only,omitempty"`

	// Now anchors booking-date windows. It is bound per evaluation, never stored in a registry.
	Now time.Time `json:"-"`
}

func Required() Rule { return Rule{Kind: RuleRequired} }
func Email() Rule { return Rule{Kind: RuleEmail} }
func Phone() Rule { return Rule{Kind: RulePhone} }
func MinLength(n int) Rule { return Rule{Kind: RuleMinLength, Length: n} }
func MaxLength(n int) Rule { return Rule{Kind: RuleMaxLength, Length: n} }
func OneOf(opts ...string) Rule { return Rule{Kind: RuleOneOf, Options: opts} }

// NumericRange accepts numbers in [lo, hi].
func NumericRange(lo, hi float64) Rule {
	return Rule{Kind: RuleNumericRange, Min: lo, Max: hi}
}

// TimeSlot accepts one of the given "HH:MM" slots.
func TimeSlot(slots ...string) Rule {
	return Rule{Kind: RuleTimeSlot, Options: slots}
}

// PostalCode checks a postal code against the country held in countryField.
func PostalCode(countryField FieldKey) Rule {
	return Rule{Kind: RulePostalCode, CountryField: countryField}
}

// BookingDate accepts ISO dates from tomorrow through windowDays days ahead.
func BookingDate(windowDays int, weekdaysOnly bool) Rule {
	return Rule{Kind: RuleBookingDate, WindowDays: windowDays, WeekdaysOnly: weekdaysOnly}
}

// ValidationResult is the outcome of validating one field.
type ValidationResult struct {
	Valid    bool   `json:"valid"`
	ErrorKey string `json:"error_key,omitempty"`
}

func pass() ValidationResult { return ValidationResult{Valid: true} }

func fail(key string) ValidationResult { return ValidationResult{Valid: false, ErrorKey: key} }

var (
	validate = validator.New()

	phonePattern      = regexp.MustCompile(`^\+?[0-9(][0-9 ()./-]{5,22}$`)
	loosePostalFormat = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 -]{1,9}$`)
	countryCode       = regexp.MustCompile(`^[A-Z]{2}$`)
)

// Validate applies rule to value. It is deterministic and performs no I/O.
// Unknown rule kinds pass; registries built in strict mode reject them up front.
func Validate(value string, rule Rule) ValidationResult {
	switch rule.Kind {
	case RuleRequired:
		if strings.TrimSpace(value) == "" {
			return fail(ErrKeyRequired)
		}
	case RuleEmail:
		if validate.Var(strings.TrimSpace(value), "required,email") != nil {
			return fail(ErrKeyInvalidEmail)
		}
	case RulePhone:
		if !validPhone(value) {
			return fail(ErrKeyInvalidPhone)
		}
	case RuleMinLength:
		if validate.Var(strings.TrimSpace(value), "min="+strconv.Itoa(rule.Length)) != nil {
			return fail(ErrKeyTooShort)
		}
	case RuleMaxLength:
		if validate.Var(strings.TrimSpace(value), "max="+strconv.Itoa(rule.Length)) != nil {
			return fail(ErrKeyTooLong)
		}
	case RuleNumericRange:
		n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return fail(ErrKeyNotANumber)
		}
		if n < rule.Min || n > rule.Max {
			return fail(ErrKeyOutOfRange)
		}
	case RulePostalCode:
		if !validPostalCode(strings.TrimSpace(value), rule.Country) {
			return fail(ErrKeyInvalidPostalCode)
		}
	case RuleOneOf:
		if !slices.Contains(rule.Options, strings.TrimSpace(value)) {
			return fail(ErrKeyInvalidOption)
		}
	case RuleBookingDate:
		return validateBookingDate(value, rule)
	case RuleTimeSlot:
		if !slices.Contains(rule.Options, strings.TrimSpace(value)) {
			return fail(ErrKeyInvalidTimeSlot)
		}
	}
	return pass()
}

// validPhone accepts loosely formatted international numbers with 7 to 15 digits.
func validPhone(value string) bool {
	value = strings.TrimSpace(value)
	if !phonePattern.MatchString(value) {
		return false
	}
	digits := 0
	for _, r := range value {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 7 && digits <= 15
}

func validPostalCode(value, country string) bool {
	country = strings.ToUpper(strings.TrimSpace(country))
	if country == "" {
		return loosePostalFormat.MatchString(value)
	}
	if !countryCode.MatchString(country) {
		return false
	}
	return validate.Var(value, "postcode_iso3166_alpha2="+country) == nil
}

// validateBookingDate checks an ISO date against the rolling window anchored at rule.Now.
// A zero Now skips the window check and leaves only the weekday check.
func validateBookingDate(value string, rule Rule) ValidationResult {
	day, err := time.Parse(time.DateOnly, strings.TrimSpace(value))
	if err != nil {
		return fail(ErrKeyInvalidDate)
	}

	if !rule.Now.IsZero() {
		first, last := bookingWindow(rule.Now, rule.WindowDays)
		day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, first.Location())
		if day.Before(first) || day.After(last) {
			return fail(ErrKeyDateOutsideWindow)
		}
	}

	if rule.WeekdaysOnly && isWeekend(day) {
		return fail(ErrKeyDateNotWeekday)
	}
	return pass()
}

// bookingWindow returns the first and last bookable calendar days: tomorrow
// through windowDays days from now, in now's location.
func bookingWindow(now time.Time, windowDays int) (time.Time, time.Time) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return today.AddDate(0, 0, 1), today.AddDate(0, 0, windowDays)
}

func isWeekend(day time.Time) bool {
	wd := day.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

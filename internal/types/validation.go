package types

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Validation constraint constants.
const (
	MaxNameLength = 100
	MDLayout      = "01-02"
)

// zoneCache memoizes time.LoadLocation, which reads zoneinfo on every call.
var zoneCache sync.Map // map[string]*time.Location

// LoadZone resolves an IANA timezone identifier. "Local" and the empty string
// are rejected so that a user's schedule never depends on the host's zone.
func LoadZone(name string) (*time.Location, error) {
	if cached, ok := zoneCache.Load(name); ok {
		return cached.(*time.Location), nil
	}
	if name == "" || name == "Local" {
		return nil, NewAppError(ErrCodeValidationInvalidTimezone,
			fmt.Sprintf("location %q is not an IANA timezone", name), nil)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, NewAppError(ErrCodeValidationInvalidTimezone,
			fmt.Sprintf("location %q is not a valid IANA timezone", name), err)
	}
	zoneCache.Store(name, loc)
	return loc, nil
}

// ValidateLocation checks that name resolves to a timezone.
func ValidateLocation(name string) error {
	_, err := LoadZone(name)
	return err
}

// ParseBirthday parses a YYYY-MM-DD birthday and rejects dates after now.
func ParseBirthday(s string, now time.Time) (time.Time, error) {
	t, err := time.Parse(BirthdayLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, NewAppError(ErrCodeValidationInvalidBirthday,
			fmt.Sprintf("birthday %q must be a date in YYYY-MM-DD format", s), err)
	}
	if t.After(now.UTC()) {
		return time.Time{}, NewAppError(ErrCodeValidationInvalidBirthday,
			"birthday must not be in the future", nil)
	}
	return t, nil
}

// BirthdayMD derives the "MM-DD" lookup key from a birthday.
func BirthdayMD(birthday time.Time) string {
	return birthday.Format(MDLayout)
}

// ValidateName checks a display name field.
func ValidateName(field, value string) error {
	v := strings.TrimSpace(value)
	if v == "" {
		return NewAppErrorWithDetails(ErrCodeValidationMissingField,
			fmt.Sprintf("%s is required", field), nil, map[string]any{"field": field})
	}
	if utf8.RuneCountInString(v) > MaxNameLength {
		return NewAppErrorWithDetails(ErrCodeValidationInvalidField,
			fmt.Sprintf("%s must be at most %d characters", field, MaxNameLength), nil,
			map[string]any{"field": field})
	}
	return nil
}

// ValidateUser checks every field of a fully-populated user.
func ValidateUser(u *User) error {
	if err := ValidateName("first_name", u.FirstName); err != nil {
		return err
	}
	if err := ValidateName("last_name", u.LastName); err != nil {
		return err
	}
	if u.Birthday.IsZero() {
		return NewAppError(ErrCodeValidationInvalidBirthday, "birthday is required", nil)
	}
	return ValidateLocation(u.Location)
}

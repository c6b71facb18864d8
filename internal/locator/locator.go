// Package locator decides which users are due for a birthday greeting.
//
// Candidates come from the user store by "MM-DD" key; the timezone-aware
// decision is made here so that it is independent of the storage engine.
package locator

import (
	"context"
	"time"

	"birthdaygreeter/internal/types"
)

// UserSource is the candidate query the locator needs from the user store.
type UserSource interface {
	ListByBirthdayMD(ctx context.Context, mds []string) ([]*types.User, error)
}

// Locator answers the due-now and due-today queries.
type Locator struct {
	users  UserSource
	hour   int
	window time.Duration
	logger types.Logger
}

// New creates a Locator that targets deliveryHour:00 local time with a
// [anchor, anchor+window) tolerance.
func New(users UserSource, deliveryHour int, window time.Duration, logger types.Logger) *Locator {
	return &Locator{
		users:  users,
		hour:   deliveryHour,
		window: window,
		logger: logger,
	}
}

// DueNow returns users whose local time at now falls inside the delivery
// window on their birthday and who have not been greeted this local year.
// Users whose location no longer resolves are logged and skipped.
func (l *Locator) DueNow(ctx context.Context, now time.Time) ([]*types.User, error) {
	utc := now.UTC()
	// Local dates are within a day of the UTC date for every real zone.
	mds := candidateMDs(utc.AddDate(0, 0, -1), utc, utc.AddDate(0, 0, 1))

	candidates, err := l.users.ListByBirthdayMD(ctx, mds)
	if err != nil {
		return nil, err
	}

	var due []*types.User
	for _, u := range candidates {
		ok, err := IsDueNow(u, now, l.hour, l.window)
		if err != nil {
			l.logger.Warn("skipping user with unresolvable location",
				"user_id", u.ID,
				"location", u.Location,
				"error", err.Error(),
			)
			continue
		}
		if ok {
			due = append(due, u)
		}
	}
	return due, nil
}

// DueToday returns users whose birthday month and day equal the UTC date of
// now, regardless of local time.
func (l *Locator) DueToday(ctx context.Context, now time.Time) ([]*types.User, error) {
	utc := now.UTC()
	candidates, err := l.users.ListByBirthdayMD(ctx, candidateMDs(utc))
	if err != nil {
		return nil, err
	}

	var due []*types.User
	for _, u := range candidates {
		if BirthdayOn(u.Birthday, utc) {
			due = append(due, u)
		}
	}
	return due, nil
}

// OccurrenceDate returns the delivery key date for u's greeting at now.
func (l *Locator) OccurrenceDate(u *types.User, now time.Time) (string, error) {
	anchor, err := Anchor(u, now, l.hour)
	if err != nil {
		return "", err
	}
	return types.OccurrenceDate(anchor), nil
}

// IsDueNow reports whether u should be greeted at now.
func IsDueNow(u *types.User, now time.Time, hour int, window time.Duration) (bool, error) {
	anchor, err := Anchor(u, now, hour)
	if err != nil {
		return false, err
	}
	if !BirthdayOn(u.Birthday, anchor) {
		return false, nil
	}
	if now.Before(anchor) || !now.Before(anchor.Add(window)) {
		return false, nil
	}

	if u.LastGreetingSentAt != nil {
		yearStart := time.Date(anchor.Year(), time.January, 1, 0, 0, 0, 0, anchor.Location())
		if !u.LastGreetingSentAt.Before(yearStart) {
			return false, nil
		}
	}
	return true, nil
}

// Anchor returns hour:00 on u's local calendar date at now, in u's zone.
// time.Date resolves the wall clock in the zone, so the anchor follows DST.
// Its UTC date is the occurrence date used in the delivery key, which keeps
// the key stable when a window straddles UTC midnight.
func Anchor(u *types.User, now time.Time, hour int) (time.Time, error) {
	loc, err := types.LoadZone(u.Location)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc), nil
}

// BirthdayOn reports whether a birthday falls on the calendar date of day.
// February 29 birthdays are observed on February 28 in common years.
func BirthdayOn(birthday, day time.Time) bool {
	if birthday.Month() == day.Month() && birthday.Day() == day.Day() {
		return true
	}
	return birthday.Month() == time.February && birthday.Day() == 29 &&
		day.Month() == time.February && day.Day() == 28 && !isLeap(day.Year())
}

// candidateMDs returns the "MM-DD" keys to fetch for the given dates,
// including 02-29 whenever one of them is February 28 of a common year.
func candidateMDs(days ...time.Time) []string {
	seen := make(map[string]bool, len(days)+1)
	var mds []string
	add := func(md string) {
		if !seen[md] {
			seen[md] = true
			mds = append(mds, md)
		}
	}
	for _, d := range days {
		add(d.Format(types.MDLayout))
		if d.Month() == time.February && d.Day() == 28 && !isLeap(d.Year()) {
			add("02-29")
		}
	}
	return mds
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

package types

import (
	"fmt"
	"time"
)

// BirthdayLayout is the wire and storage layout for User.Birthday.
const BirthdayLayout = "2006-01-02"

// User is a person who receives a birthday greeting.
type User struct {
	ID        string `json:"id" db:"id"`
	FirstName string `json:"first_name" db:"first_name"`
	LastName  string `json:"last_name" db:"last_name"`

	// Birthday keeps the year for display; only month and day drive scheduling.
	Birthday   time.Time `json:"-" db:"birthday"`
	BirthdayMD string    `json:"birthday_md" db:"birthday_md"`

	// Location is an IANA timezone identifier such as "America/New_York".
	Location string `json:"location" db:"location"`

	LastGreetingSentAt *time.Time `json:"last_greeting_sent_at,omitempty" db:"last_greeting_sent_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// BirthdayString renders Birthday in BirthdayLayout.
func (u *User) BirthdayString() string {
	return u.Birthday.Format(BirthdayLayout)
}

// FullName joins first and last name.
func (u *User) FullName() string {
	return u.FirstName + " " + u.LastName
}

// UserPatch carries a partial update. Nil fields are left untouched.
type UserPatch struct {
	FirstName *string
	LastName  *string
	Birthday  *time.Time
	Location  *string
}

// Empty reports whether the patch changes nothing.
func (p UserPatch) Empty() bool {
	return p.FirstName == nil && p.LastName == nil && p.Birthday == nil && p.Location == nil
}

// Apply returns a copy of u with the patch applied and BirthdayMD re-derived.
// The second return value reports whether a schedule-relevant field
// (birthday or location) actually changed.
func (p UserPatch) Apply(u *User) (*User, bool) {
	out := *u
	scheduleChanged := false

	if p.FirstName != nil {
		out.FirstName = *p.FirstName
	}
	if p.LastName != nil {
		out.LastName = *p.LastName
	}
	if p.Birthday != nil && !p.Birthday.Equal(u.Birthday) {
		out.Birthday = *p.Birthday
		out.BirthdayMD = BirthdayMD(*p.Birthday)
		scheduleChanged = true
	}
	if p.Location != nil && *p.Location != u.Location {
		out.Location = *p.Location
		scheduleChanged = true
	}
	return &out, scheduleChanged
}

// DeliveryRecord is the per-user, per-occurrence dedup and audit record.
type DeliveryRecord struct {
	Key            string         `json:"key" db:"key"`
	UserID         string         `json:"user_id" db:"user_id"`
	OccurrenceDate string         `json:"occurrence_date" db:"occurrence_date"`
	Status         DeliveryStatus `json:"status" db:"status"`
	Attempts       int            `json:"attempts" db:"attempts"`
	LeaseUntil     *time.Time     `json:"lease_until,omitempty" db:"lease_until"`
	LastError      string         `json:"last_error,omitempty" db:"last_error"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
	ExpiresAt      time.Time      `json:"expires_at" db:"expires_at"`
}

// OccurrenceLayout formats the date component of a delivery key.
const OccurrenceLayout = "2006-01-02"

// OccurrenceDate returns the UTC calendar date used as the dedup boundary.
func OccurrenceDate(t time.Time) string {
	return t.UTC().Format(OccurrenceLayout)
}

// DeliveryKey builds the "{userId}_{YYYY-MM-DD}" record key.
func DeliveryKey(userID, occurrenceDate string) string {
	return fmt.Sprintf("%s_%s", userID, occurrenceDate)
}

// GreetingPayload is the JSON body POSTed to the greeting webhook.
type GreetingPayload struct {
	UserID    string `json:"userId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Location  string `json:"location"`
	Message   string `json:"message"`
}

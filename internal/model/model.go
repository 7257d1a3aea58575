package model

import (
	"time"

	"github.com/google/uuid"
)

// RegistrationStatus is the lifecycle state of a booking.
type RegistrationStatus string

const (
	StatusPending   RegistrationStatus = "pending"
	StatusConfirmed RegistrationStatus = "confirmed"
	StatusCheckedIn RegistrationStatus = "checked-in"
	StatusCancelled RegistrationStatus = "cancelled"
)

// Active reports whether the status counts against slot capacity.
func (s RegistrationStatus) Active() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCheckedIn:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
// checked-in still admits an explicit staff cancellation.
func (s RegistrationStatus) Terminal() bool {
	return s == StatusCancelled
}

type Event struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description,omitempty" json:"description,omitempty"`
	Location    string    `db:"location,omitempty" json:"location,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

type EventSlot struct {
	ID        int64      `db:"id" json:"id"`
	EventID   int64      `db:"event_id" json:"event_id"`
	StartTime time.Time  `db:"start_time" json:"start_time"`
	EndTime   *time.Time `db:"end_time" json:"end_time,omitempty"`
	Capacity  int        `db:"capacity" json:"capacity"`
	Notes     string     `db:"notes,omitempty" json:"notes,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

type EventRegistration struct {
	ID        int64              `db:"id" json:"id"`
	SlotID    int64              `db:"slot_id" json:"slot_id"`
	CreatedBy uuid.UUID          `db:"created_by" json:"created_by"`
	Status    RegistrationStatus `db:"status" json:"status"`
	Signature string             `db:"signature" json:"signature"`
	FullName  string             `db:"full_name" json:"full_name"`
	Email     string             `db:"email" json:"email"`
	Phone     string             `db:"phone,omitempty" json:"phone,omitempty"`
	CreatedAt time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt time.Time          `db:"updated_at" json:"updated_at"`
}

// RegistrationLog is one append-only status transition record.
// Rows are never updated or deleted.
type RegistrationLog struct {
	ID             int64              `db:"id" json:"id"`
	RegistrationID int64              `db:"registration_id" json:"registration_id"`
	Actor          string             `db:"actor" json:"actor"`
	StatusBefore   RegistrationStatus `db:"status_before" json:"status_before"`
	StatusAfter    RegistrationStatus `db:"status_after" json:"status_after"`
	ChangedAt      time.Time          `db:"changed_at" json:"changed_at"`
}

// Identity is a participant. Created anonymous; claimed in place once the
// email is proven, or merged into the confirmed identity that already owns it.
type Identity struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	IsAnonymous      bool       `db:"is_anonymous" json:"is_anonymous"`
	Email            *string    `db:"email" json:"email,omitempty"`
	EmailConfirmedAt *time.Time `db:"email_confirmed_at" json:"email_confirmed_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}

// Confirmed reports whether the identity owns a proven email address.
func (i *Identity) Confirmed() bool {
	return !i.IsAnonymous && i.Email != nil && i.EmailConfirmedAt != nil
}

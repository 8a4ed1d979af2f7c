package models

import "time"

type NotificationStatus string

const (
	NotificationStatusPending   NotificationStatus = "pending"
	NotificationStatusFired     NotificationStatus = "fired"
	NotificationStatusCancelled NotificationStatus = "cancelled"
	// NotificationStatusAbandoned only appears in the archive.
	NotificationStatusAbandoned NotificationStatus = "abandoned"
)

// Notification is a pending reminder owned by a single recipient.
// FireAt and CreatedAt are always stored and returned in UTC.
type Notification struct {
	Seq           int64              `json:"-" db:"seq"`
	Handle        string             `json:"handle" db:"handle"`
	OwnerID       string             `json:"owner_id" db:"owner_id"`
	Body          string             `json:"text" db:"body"`
	Status        NotificationStatus `json:"status" db:"status"`
	FireAt        time.Time          `json:"fire_at" db:"fire_at"`
	CreatedAt     time.Time          `json:"created_at" db:"created_at"`
	Attempts      int                `json:"attempts" db:"attempts"`
	NextAttemptAt *time.Time         `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
	LastError     *string            `json:"last_error,omitempty" db:"last_error"`
}

// Due returns the instant the scheduler should next attempt delivery.
func (n Notification) Due() time.Time {
	if n.NextAttemptAt != nil && !n.NextAttemptAt.IsZero() {
		return *n.NextAttemptAt
	}
	return n.FireAt
}

// ArchivedNotification is a resolved notification kept as history.
type ArchivedNotification struct {
	Handle     string             `json:"handle" db:"handle"`
	OwnerID    string             `json:"owner_id" db:"owner_id"`
	Body       string             `json:"text" db:"body"`
	Status     NotificationStatus `json:"status" db:"status"`
	FireAt     time.Time          `json:"fire_at" db:"fire_at"`
	CreatedAt  time.Time          `json:"created_at" db:"created_at"`
	ResolvedAt time.Time          `json:"resolved_at" db:"resolved_at"`
	Attempts   int                `json:"attempts" db:"attempts"`
	Reason     *string            `json:"reason,omitempty" db:"reason"`
}

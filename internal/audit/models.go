package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - actor and ip capture are best-effort; do not block critical flows on audit failures.
// - OTP codes are never written to audit records.

type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated operator causing the event (if applicable).
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	// IPAddress is the client IP as resolved by gin.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	CallID      string `json:"call_id,omitempty" db:"call_id"`
	PhoneNumber string `json:"phone_number,omitempty" db:"phone_number"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallTriggered EventType = "call_triggered"
	EventTypeTokenIssued   EventType = "token_issued"
)

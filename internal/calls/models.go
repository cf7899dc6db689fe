package calls

import "time"

// Call is one outbound OTP call attempt.
//
// ID is assigned locally at trigger time and never changes. ProviderCallID is
// filled in once the provider accepts the call; until then it is empty.
// PhoneNumber, OTPCode, Language and TransferNumber are immutable inputs.
//
// Records are never deleted; they are the audit trail of every attempt.
type Call struct {
	ID             string `json:"id"`
	ProviderCallID string `json:"providerCallId,omitempty"`

	PhoneNumber    string `json:"phoneNumber"`
	OTPCode        string `json:"otpCode"`
	Language       string `json:"language"`
	TransferNumber string `json:"transferNumber,omitempty"`

	Status Status `json:"status"`

	DTMFInput    string `json:"dtmfInput,omitempty"`
	DTMFAttempts int    `json:"dtmfAttempts"`
	Verified     bool   `json:"verified"`

	CreatedAt      time.Time  `json:"createdAt"`
	AnsweredAt     *time.Time `json:"answeredAt,omitempty"`
	DTMFReceivedAt *time.Time `json:"dtmfReceivedAt,omitempty"`
	VerifiedAt     *time.Time `json:"verifiedAt,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`

	// Duration is in seconds and only set when the call completes.
	Duration *int `json:"duration,omitempty"`
}

// TranscriptEntry is an append-only speech-to-text fragment owned by one call.
type TranscriptEntry struct {
	ID         string    `json:"id"`
	CallID     string    `json:"callId"`
	Text       string    `json:"text"`
	Confidence *float64  `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Status is the call lifecycle state.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in_progress"
	StatusAnswered   Status = "answered"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRejected   Status = "rejected"
	StatusUnanswered Status = "unanswered"
	StatusBusy       Status = "busy"
)

// IsTerminal reports whether s absorbs all further status changes.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected, StatusUnanswered, StatusBusy:
		return true
	}
	return false
}

// rank orders the non-terminal progression initiated < ringing < in_progress < answered.
// Terminal states rank above all of them.
func (s Status) rank() int {
	switch s {
	case StatusInitiated:
		return 0
	case StatusRinging:
		return 1
	case StatusInProgress:
		return 2
	case StatusAnswered:
		return 3
	}
	return 4
}

// CanTransition reports whether a record in status from may move to status to.
// Terminal states are absorbing, terminal targets are reachable from any
// non-terminal state, and non-terminal targets only move forward.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to.IsTerminal() {
		return true
	}
	return to.rank() > from.rank()
}

// Patch is a typed partial update. Nil fields are left untouched; the set
// fields are applied to one record atomically by the Store.
type Patch struct {
	ProviderCallID *string
	Status         *Status

	DTMFInput    *string
	DTMFAttempts *int
	Verified     *bool

	AnsweredAt     *time.Time
	DTMFReceivedAt *time.Time
	VerifiedAt     *time.Time
	EndedAt        *time.Time
	Duration       *int
}

// IsEmpty reports whether the patch would change nothing.
func (p Patch) IsEmpty() bool {
	return p.ProviderCallID == nil && p.Status == nil &&
		p.DTMFInput == nil && p.DTMFAttempts == nil && p.Verified == nil &&
		p.AnsweredAt == nil && p.DTMFReceivedAt == nil && p.VerifiedAt == nil &&
		p.EndedAt == nil && p.Duration == nil
}

// Apply writes the set fields onto c.
func (p Patch) Apply(c *Call) {
	if p.ProviderCallID != nil {
		c.ProviderCallID = *p.ProviderCallID
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.DTMFInput != nil {
		c.DTMFInput = *p.DTMFInput
	}
	if p.DTMFAttempts != nil {
		c.DTMFAttempts = *p.DTMFAttempts
	}
	if p.Verified != nil {
		c.Verified = *p.Verified
	}
	if p.AnsweredAt != nil {
		t := *p.AnsweredAt
		c.AnsweredAt = &t
	}
	if p.DTMFReceivedAt != nil {
		t := *p.DTMFReceivedAt
		c.DTMFReceivedAt = &t
	}
	if p.VerifiedAt != nil {
		t := *p.VerifiedAt
		c.VerifiedAt = &t
	}
	if p.EndedAt != nil {
		t := *p.EndedAt
		c.EndedAt = &t
	}
	if p.Duration != nil {
		d := *p.Duration
		c.Duration = &d
	}
}

func ptr[T any](v T) *T { return &v }

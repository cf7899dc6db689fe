package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
// Callers should treat audit logging as best-effort.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogCallTriggered records which operator placed a verification call.
func (s *Service) LogCallTriggered(ctx context.Context, actorUserID, actorRole, ip, callID, phoneNumber string) error {
	if callID == "" {
		return ErrInvalidEvent
	}
	return s.Append(ctx, Event{
		Type:        EventTypeCallTriggered,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		CallID:      callID,
		PhoneNumber: phoneNumber,
		Message:     "verification call triggered",
	})
}

// LogTokenIssued records an API key exchange.
func (s *Service) LogTokenIssued(ctx context.Context, userID, role, ip string) error {
	if userID == "" {
		return ErrInvalidEvent
	}
	return s.Append(ctx, Event{
		Type:        EventTypeTokenIssued,
		ActorUserID: userID,
		ActorRole:   role,
		IPAddress:   ip,
		Message:     "access token issued",
	})
}

package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"vonage-outbound-otp/internal/events"
	"vonage-outbound-otp/internal/flow"
	"vonage-outbound-otp/internal/metrics"
	"vonage-outbound-otp/pkg/logger"
)

// Transport places outbound calls. callID is the local ID the provider's
// callbacks will carry.
type Transport interface {
	PlaceCall(ctx context.Context, callID, to string) (providerCallID string, err error)
}

const (
	DefaultLanguage        = "en-US"
	DefaultProviderTimeout = 10 * time.Second
	DefaultMaxDTMFAttempts = 3
	DefaultListLimit       = 100
	MaxListLimit           = 500

	// DefaultDTMFReplayWindow bounds how long an identical keypad submission is
	// treated as a redelivered webhook rather than a new attempt. It must stay
	// shorter than the failure prompt that precedes a real retry.
	DefaultDTMFReplayWindow = 5 * time.Second

	// settleTimeout bounds record writes that must outlive the caller's request.
	settleTimeout = 5 * time.Second
)

// Options tunes a Service. Zero values take the defaults.
type Options struct {
	ProviderTimeout time.Duration
	MaxDTMFAttempts int
	Logger          *slog.Logger
	Now             func() time.Time

	// DTMFReplayWindow of zero takes the default; a negative value disables
	// replay detection.
	DTMFReplayWindow time.Duration
}

// Service is the call lifecycle orchestrator. It is the only writer of call
// records; every mutation of one record runs under that record's lock and
// re-reads it first, so the Store is the only state carried between events.

type Service struct {
	store     Store
	locker    Locker
	transport Transport
	flows     *flow.Generator
	pub       events.Publisher

	providerTimeout time.Duration
	maxAttempts     int
	replayWindow    time.Duration
	validate        *validator.Validate
	log             *slog.Logger
	clock           func() time.Time
}

func NewService(store Store, locker Locker, transport Transport, flows *flow.Generator, pub events.Publisher, opts Options) *Service {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if pub == nil {
		pub = events.Discard
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = DefaultProviderTimeout
	}
	if opts.MaxDTMFAttempts <= 0 {
		opts.MaxDTMFAttempts = DefaultMaxDTMFAttempts
	}
	if opts.DTMFReplayWindow == 0 {
		opts.DTMFReplayWindow = DefaultDTMFReplayWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:           store,
		locker:          locker,
		transport:       transport,
		flows:           flows,
		pub:             pub,
		providerTimeout: opts.ProviderTimeout,
		maxAttempts:     opts.MaxDTMFAttempts,
		replayWindow:    opts.DTMFReplayWindow,
		validate:        newValidator(),
		log:             opts.Logger,
		clock:           opts.Now,
	}
}

var (
	digitsRe   = regexp.MustCompile(`^[0-9]+$`)
	dialableRe = regexp.MustCompile(`^\+?[0-9]+$`)
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("digits", func(fl validator.FieldLevel) bool {
		return digitsRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("dialable", func(fl validator.FieldLevel) bool {
		return dialableRe.MatchString(fl.Field().String())
	})
	return v
}

// TriggerRequest is the input of TriggerCall.
type TriggerRequest struct {
	PhoneNumber    string `json:"phoneNumber" validate:"required,min=6,max=20,dialable"`
	OTPCode        string `json:"otpCode" validate:"required,max=16,digits"`
	Language       string `json:"language,omitempty"`
	TransferNumber string `json:"transferNumber,omitempty" validate:"omitempty,min=6,max=20,dialable"`
}

// TriggerResult identifies a placed call.
type TriggerResult struct {
	LocalID        string `json:"localId"`
	ProviderCallID string `json:"providerCallId"`
}

// ValidationError lists the offending fields. It wraps ErrValidation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(e.Fields, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func cleanNumber(s string) string {
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "").Replace(strings.TrimSpace(s))
}

func (s *Service) checkTrigger(req *TriggerRequest) error {
	req.PhoneNumber = cleanNumber(req.PhoneNumber)
	req.OTPCode = strings.TrimSpace(req.OTPCode)
	req.Language = strings.TrimSpace(req.Language)
	req.TransferNumber = cleanNumber(req.TransferNumber)
	if req.Language == "" {
		req.Language = DefaultLanguage
	}

	if req.PhoneNumber == "" || req.OTPCode == "" {
		return &ValidationError{Fields: []string{"phoneNumber and otpCode are required"}}
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fieldMessage(fe))
		}
		return &ValidationError{Fields: fields}
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	name := fe.Field()
	switch fe.Field() {
	case "PhoneNumber":
		name = "phoneNumber"
	case "OTPCode":
		name = "otpCode"
	case "TransferNumber":
		name = "transferNumber"
	}
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "digits":
		return name + " must contain only digits"
	case "dialable":
		return name + " must contain only digits and an optional leading +"
	case "min":
		return name + " must be at least " + fe.Param() + " characters"
	case "max":
		return name + " must be at most " + fe.Param() + " characters"
	}
	return name + " is invalid"
}

// TriggerCall creates a call record and asks the provider to dial it.
//
// On provider failure the record is closed as failed and the returned error
// wraps ErrProvider. Persistence failures wrap ErrStore.
func (s *Service) TriggerCall(ctx context.Context, req TriggerRequest) (TriggerResult, error) {
	log := logger.From(ctx, s.log)
	if err := s.checkTrigger(&req); err != nil {
		metrics.CallsTriggered.WithLabelValues("invalid").Inc()
		return TriggerResult{}, err
	}

	call := Call{
		ID:             uuid.NewString(),
		PhoneNumber:    req.PhoneNumber,
		OTPCode:        req.OTPCode,
		Language:       req.Language,
		TransferNumber: req.TransferNumber,
		Status:         StatusInitiated,
		CreatedAt:      s.clock().UTC(),
	}
	if err := s.store.Create(ctx, call); err != nil {
		metrics.CallsTriggered.WithLabelValues("store_error").Inc()
		return TriggerResult{}, fmt.Errorf("%w: create call: %v", ErrStore, err)
	}
	log = log.With("call_id", call.ID)

	pctx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	start := time.Now()
	providerID, err := s.transport.PlaceCall(pctx, call.ID, call.PhoneNumber)
	cancel()
	metrics.ProviderPlaceCallDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		detail := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			detail = fmt.Sprintf("provider did not answer within %s: %v", s.providerTimeout, err)
		}
		log.Error("outbound call failed", "err", err)
		metrics.CallsTriggered.WithLabelValues("provider_error").Inc()
		s.closeFailed(ctx, call.ID)
		return TriggerResult{LocalID: call.ID}, fmt.Errorf("%w: %s", ErrProvider, detail)
	}

	// The provider is already dialing, so the correlation is stored even if
	// the caller has gone away.
	res := TriggerResult{LocalID: call.ID, ProviderCallID: providerID}
	sctx, scancel := settleContext(ctx)
	defer scancel()
	err = s.withLock(sctx, call.ID, func(cur Call) (Patch, error) {
		p := Patch{ProviderCallID: ptr(providerID)}
		if CanTransition(cur.Status, StatusRinging) {
			p.Status = ptr(StatusRinging)
		}
		return p, nil
	})
	if err != nil {
		metrics.CallsTriggered.WithLabelValues("store_error").Inc()
		return res, err
	}

	metrics.CallsTriggered.WithLabelValues("placed").Inc()
	log.Info("outbound call placed", "provider_call_id", providerID)
	s.pub.Publish(events.New(events.TypeCallInitiated, map[string]any{
		"callId":         call.ID,
		"providerCallId": providerID,
		"phoneNumber":    call.PhoneNumber,
	}))
	return res, nil
}

// settleContext detaches ctx from its cancellation and bounds it with
// settleTimeout.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (s *Service) closeFailed(ctx context.Context, id string) {
	sctx, cancel := settleContext(ctx)
	defer cancel()
	err := s.withLock(sctx, id, func(cur Call) (Patch, error) {
		if cur.Status.IsTerminal() {
			return Patch{}, nil
		}
		return Patch{Status: ptr(StatusFailed), EndedAt: ptr(s.clock().UTC())}, nil
	})
	if err != nil {
		logger.From(ctx, s.log).Error("mark call failed", "call_id", id, "err", err)
	}
	s.pub.Publish(events.New(events.TypeCallEvent, map[string]any{
		"callId": id,
		"event":  string(StatusFailed),
	}))
}

// withLock runs fn against a fresh read of call id under its lock and
// applies the returned patch.
func (s *Service) withLock(ctx context.Context, id string, fn func(cur Call) (Patch, error)) error {
	_, err := s.mutate(ctx, id, fn)
	return err
}

func (s *Service) mutate(ctx context.Context, id string, fn func(cur Call) (Patch, error)) (Call, error) {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return Call{}, fmt.Errorf("%w: lock call %s: %v", ErrStore, id, err)
	}
	defer unlock()

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Call{}, err
		}
		return Call{}, fmt.Errorf("%w: read call %s: %v", ErrStore, id, err)
	}
	p, err := fn(cur)
	if err != nil {
		return cur, err
	}
	if p.IsEmpty() {
		return cur, nil
	}
	updated, err := s.store.Update(ctx, id, p)
	if err != nil {
		return cur, fmt.Errorf("%w: update call %s: %v", ErrStore, id, err)
	}
	return updated, nil
}

func toFlowCall(c Call) flow.Call {
	return flow.Call{ID: c.ID, OTPCode: c.OTPCode, Language: c.Language, TransferNumber: c.TransferNumber}
}

// HandleAnswered records that the callee picked up and returns the flow
// that reads the code. It never fails: unknown calls get the not-found flow
// and internal errors the apology flow.
//
// A call already in a terminal state is left untouched and no call_answered
// is published, but the code is still read.
func (s *Service) HandleAnswered(ctx context.Context, id string) flow.Flow {
	log := logger.From(ctx, s.log).With("call_id", id)
	now := s.clock().UTC()

	var late bool
	c, err := s.mutate(ctx, id, func(cur Call) (Patch, error) {
		if cur.Status.IsTerminal() {
			late = true
			return Patch{}, nil
		}
		var p Patch
		if CanTransition(cur.Status, StatusAnswered) {
			p.Status = ptr(StatusAnswered)
		}
		if cur.AnsweredAt == nil {
			p.AnsweredAt = ptr(now)
		}
		return p, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Warn("answer callback for unknown call")
			return flow.NotFound()
		}
		log.Error("answer callback failed", "err", err)
		return flow.Apology()
	}

	if late {
		log.Warn("answer callback after call ended", "status", c.Status)
		return s.flows.Build(toFlowCall(c), flow.StageDeliverCode)
	}

	log.Info("call answered")
	s.pub.Publish(events.New(events.TypeCallAnswered, map[string]any{
		"callId":      c.ID,
		"phoneNumber": c.PhoneNumber,
	}))
	return s.flows.Build(toFlowCall(c), flow.StageDeliverCode)
}

// DtmfInput is one keypad submission. ProviderCallID is tried first, then LocalID.
type DtmfInput struct {
	ProviderCallID string
	LocalID        string
	Digits         string
}

func (s *Service) resolve(ctx context.Context, providerCallID, localID string) (Call, error) {
	if providerCallID != "" {
		c, err := s.store.GetByProviderID(ctx, providerCallID)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Call{}, fmt.Errorf("%w: lookup provider call %s: %v", ErrStore, providerCallID, err)
		}
	}
	if localID == "" {
		return Call{}, ErrNotFound
	}
	c, err := s.store.Get(ctx, localID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Call{}, fmt.Errorf("%w: read call %s: %v", ErrStore, localID, err)
	}
	return c, err
}

// HandleDtmf verifies keypad input against the call's code and returns the
// next flow. Status is never changed here.
func (s *Service) HandleDtmf(ctx context.Context, in DtmfInput) flow.Flow {
	log := logger.From(ctx, s.log).With("provider_call_id", in.ProviderCallID, "local_id", in.LocalID)

	target, err := s.resolve(ctx, in.ProviderCallID, in.LocalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Warn("dtmf callback for unknown call")
			return flow.NotFound()
		}
		log.Error("dtmf callback lookup failed", "err", err)
		return flow.Apology()
	}

	now := s.clock().UTC()
	var verified, replay bool
	c, err := s.mutate(ctx, target.ID, func(cur Call) (Patch, error) {
		if s.isReplay(cur, in.Digits, now) {
			replay = true
			verified = cur.Verified
			return Patch{}, nil
		}
		verified = in.Digits == cur.OTPCode
		p := Patch{
			DTMFInput:      ptr(in.Digits),
			DTMFReceivedAt: ptr(now),
			DTMFAttempts:   ptr(cur.DTMFAttempts + 1),
			Verified:       ptr(verified),
		}
		if verified {
			p.VerifiedAt = ptr(now)
		}
		return p, nil
	})
	if err != nil {
		log.Error("dtmf callback failed", "call_id", target.ID, "err", err)
		return flow.Apology()
	}

	if replay {
		log.Info("duplicate dtmf callback ignored", "call_id", c.ID, "attempt", c.DTMFAttempts)
		return s.dtmfFlow(c, verified)
	}

	result := "rejected"
	if verified {
		result = "verified"
	}
	metrics.DTMFSubmissions.WithLabelValues(result).Inc()
	log.Info("dtmf received", "call_id", c.ID, "verified", verified, "attempt", c.DTMFAttempts)
	s.pub.Publish(events.New(events.TypeDTMFReceived, map[string]any{
		"callId":  c.ID,
		"dtmf":    in.Digits,
		"isValid": verified,
		"attempt": c.DTMFAttempts,
	}))
	return s.dtmfFlow(c, verified)
}

func (s *Service) dtmfFlow(c Call, verified bool) flow.Flow {
	switch {
	case verified:
		return s.flows.Build(toFlowCall(c), flow.StageConfirmSuccess)
	case c.DTMFAttempts < s.maxAttempts:
		return s.flows.Build(toFlowCall(c), flow.StageConfirmFailure)
	default:
		return s.flows.Build(toFlowCall(c), flow.StageAttemptsExhausted)
	}
}

// isReplay reports whether digits repeat the last recorded submission within
// the replay window, as a redelivered webhook would.
func (s *Service) isReplay(cur Call, digits string, now time.Time) bool {
	if s.replayWindow <= 0 || cur.DTMFReceivedAt == nil || cur.DTMFAttempts == 0 {
		return false
	}
	if cur.DTMFInput != digits {
		return false
	}
	age := now.Sub(*cur.DTMFReceivedAt)
	return age >= 0 && age < s.replayWindow
}

// ProviderEvent is a provider status notification.
type ProviderEvent struct {
	ProviderCallID string
	Status         string
	Duration       *int
}

var providerStatuses = map[string]Status{
	"started":    StatusInProgress,
	"ringing":    StatusRinging,
	"answered":   StatusAnswered,
	"completed":  StatusCompleted,
	"failed":     StatusFailed,
	"rejected":   StatusRejected,
	"unanswered": StatusUnanswered,
	"timeout":    StatusUnanswered,
	"busy":       StatusBusy,
	"cancelled":  StatusFailed,
}

// HandleProviderEvent applies a provider status to the matching record.
// Unknown calls and unknown statuses are no-ops. A call_event is published
// for every notification.
func (s *Service) HandleProviderEvent(ctx context.Context, ev ProviderEvent) error {
	log := logger.From(ctx, s.log).With("provider_call_id", ev.ProviderCallID, "status", ev.Status)

	payload := map[string]any{"providerCallId": ev.ProviderCallID, "event": ev.Status}
	defer func() { s.pub.Publish(events.New(events.TypeCallEvent, payload)) }()

	target, ok := providerStatuses[ev.Status]
	if !ok {
		metrics.ProviderEvents.WithLabelValues("unknown").Inc()
		log.Info("ignoring unknown provider status")
		return nil
	}
	metrics.ProviderEvents.WithLabelValues(ev.Status).Inc()

	c, err := s.resolve(ctx, ev.ProviderCallID, "")
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Debug("provider event for unknown call")
			return nil
		}
		return err
	}
	payload["callId"] = c.ID

	now := s.clock().UTC()
	_, err = s.mutate(ctx, c.ID, func(cur Call) (Patch, error) {
		var p Patch
		if !CanTransition(cur.Status, target) {
			if target == StatusAnswered && cur.AnsweredAt == nil && !cur.Status.IsTerminal() {
				p.AnsweredAt = ptr(now)
			}
			return p, nil
		}
		p.Status = ptr(target)
		switch {
		case target == StatusAnswered:
			if cur.AnsweredAt == nil {
				p.AnsweredAt = ptr(now)
			}
		case target.IsTerminal():
			p.EndedAt = ptr(now)
			if target == StatusCompleted && ev.Duration != nil {
				p.Duration = ptr(*ev.Duration)
			}
		}
		return p, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	log.Info("provider event applied", "call_id", c.ID)
	return nil
}

// RecordTranscript appends a transcription fragment to call id.
func (s *Service) RecordTranscript(ctx context.Context, id, text string, confidence *float64) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: empty transcript", ErrValidation)
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: read call %s: %v", ErrStore, id, err)
	}
	e := TranscriptEntry{
		ID:         uuid.NewString(),
		CallID:     id,
		Text:       text,
		Confidence: confidence,
		Timestamp:  s.clock().UTC(),
	}
	if err := s.store.AppendTranscript(ctx, e); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: append transcript: %v", ErrStore, err)
	}
	metrics.TranscriptFragments.Inc()

	payload := map[string]any{"callId": id, "text": text}
	if confidence != nil {
		payload["confidence"] = *confidence
	}
	s.pub.Publish(events.New(events.TypeTranscript, payload))
	return nil
}

// CallLanguage returns the language a call is spoken in.
func (s *Service) CallLanguage(ctx context.Context, id string) (string, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return c.Language, nil
}

func (s *Service) Get(ctx context.Context, id string) (Call, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Call{}, fmt.Errorf("%w: read call %s: %v", ErrStore, id, err)
	}
	return c, err
}

// List returns the most recent calls. limit is clamped to (0, MaxListLimit].
func (s *Service) List(ctx context.Context, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	out, err := s.store.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list calls: %v", ErrStore, err)
	}
	return out, nil
}

func (s *Service) Transcripts(ctx context.Context, id string) ([]TranscriptEntry, error) {
	out, err := s.store.Transcripts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: list transcripts: %v", ErrStore, err)
	}
	return out, nil
}

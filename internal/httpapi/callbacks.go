package httpapi

import (
	"context"

	"vonage-outbound-otp/internal/calls"
	"vonage-outbound-otp/internal/flow"
	"vonage-outbound-otp/internal/telephony"
)

// CallCallbacks adapts the call orchestrator to the provider webhook handler.
type CallCallbacks struct {
	Service *calls.Service
}

var _ telephony.Callbacks = CallCallbacks{}

func (cb CallCallbacks) Answered(ctx context.Context, callID string) flow.Flow {
	return cb.Service.HandleAnswered(ctx, callID)
}

// Digits prefers the provider call ID from the body and falls back to the
// local ID in the callback path. A timed-out input counts as an empty entry.
func (cb CallCallbacks) Digits(ctx context.Context, callID string, in telephony.DigitInput) flow.Flow {
	return cb.Service.HandleDtmf(ctx, calls.DtmfInput{
		ProviderCallID: in.ProviderCallID,
		LocalID:        callID,
		Digits:         in.Digits,
	})
}

func (cb CallCallbacks) Event(ctx context.Context, ev telephony.CallEvent) error {
	return cb.Service.HandleProviderEvent(ctx, calls.ProviderEvent{
		ProviderCallID: ev.ProviderCallID,
		Status:         ev.Status,
		Duration:       ev.Duration,
	})
}

package telephony

import (
	"context"
	"strconv"
	"strings"
)

// Provider is the outbound telephony boundary used by the call orchestrator.
//
// Rules:
// - No provider wire formats outside telephony adapters.
// - Request/response types stay provider-agnostic.
type Provider interface {
	Name() string
	HealthCheck(ctx context.Context) error

	// PlaceCall dials to and returns the provider's call ID. callID is the
	// local ID used to build the callback URLs.
	PlaceCall(ctx context.Context, callID, to string) (providerCallID string, err error)
}

// CallEvent is a provider status notification.
type CallEvent struct {
	ProviderCallID string
	Status         string
	// Duration is in seconds when the provider reports one.
	Duration *int
	Raw      string
}

// DigitInput is a keypad submission reported by the provider.
type DigitInput struct {
	ProviderCallID string
	Digits         string
	TimedOut       bool
}

// normalizeNumber strips formatting characters. Vonage expects bare digits.
func normalizeNumber(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func parseDuration(s string) *int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

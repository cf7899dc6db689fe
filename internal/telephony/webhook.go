package telephony

import (
	"errors"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Vonage posts JSON webhooks. Field types drift between API versions
// (duration arrives as a string or a number, dtmf as an object or a string),
// so the flexible fields are decoded from raw JSON.

type vonageEventPayload struct {
	UUID           string          `json:"uuid"`
	ProviderCallID string          `json:"providerCallId"`
	Status         string          `json:"status"`
	Duration       json.RawMessage `json:"duration"`
}

type vonageInputPayload struct {
	UUID   string          `json:"uuid"`
	DTMF   json.RawMessage `json:"dtmf"`
	Digits string          `json:"digits"`
}

type vonageDTMF struct {
	Digits   string `json:"digits"`
	TimedOut bool   `json:"timed_out"`
}

// ParseEvent decodes a call status webhook body.
func ParseEvent(body []byte) (CallEvent, error) {
	var p vonageEventPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return CallEvent{}, err
	}
	ev := CallEvent{
		ProviderCallID: strings.TrimSpace(p.UUID),
		Status:         strings.ToLower(strings.TrimSpace(p.Status)),
		Duration:       decodeDuration(p.Duration),
		Raw:            string(body),
	}
	if ev.ProviderCallID == "" {
		ev.ProviderCallID = strings.TrimSpace(p.ProviderCallID)
	}
	if ev.ProviderCallID == "" {
		return CallEvent{}, errors.New("telephony: event missing call uuid")
	}
	return ev, nil
}

func decodeDuration(raw json.RawMessage) *int {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseDuration(s)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil && f >= 0 {
		n := int(f)
		return &n
	}
	return nil
}

// ParseDigits decodes an input action webhook body. An empty body or a
// submission without digits yields empty Digits, not an error.
func ParseDigits(body []byte) (DigitInput, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return DigitInput{}, nil
	}
	var p vonageInputPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return DigitInput{}, err
	}
	in := DigitInput{ProviderCallID: strings.TrimSpace(p.UUID), Digits: p.Digits}

	if len(p.DTMF) > 0 && string(p.DTMF) != "null" {
		var obj vonageDTMF
		if err := json.Unmarshal(p.DTMF, &obj); err == nil {
			in.Digits = obj.Digits
			in.TimedOut = obj.TimedOut
		} else {
			var s string
			if err := json.Unmarshal(p.DTMF, &s); err == nil {
				in.Digits = s
			} else {
				var n uint64
				if err := json.Unmarshal(p.DTMF, &n); err == nil {
					in.Digits = strconv.FormatUint(n, 10)
				}
			}
		}
	}
	in.Digits = strings.TrimSpace(in.Digits)
	return in, nil
}

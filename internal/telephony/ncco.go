package telephony

import (
	"errors"
	"fmt"
	"strings"

	"vonage-outbound-otp/internal/flow"
)

// NCCO is the Vonage Call Control Object: a JSON array of actions.
// Only the actions the OTP flows need are modelled here.

type nccoTalk struct {
	Action   string `json:"action"`
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Style    int    `json:"style"`
}

type nccoInput struct {
	Action      string   `json:"action"`
	Type        []string `json:"type"`
	DTMF        nccoDTMF `json:"dtmf"`
	EventURL    []string `json:"eventUrl"`
	EventMethod string   `json:"eventMethod"`
}

type nccoDTMF struct {
	MaxDigits    int  `json:"maxDigits"`
	TimeOut      int  `json:"timeOut"`
	SubmitOnHash bool `json:"submitOnHash"`
}

type nccoConnect struct {
	Action   string         `json:"action"`
	From     string         `json:"from,omitempty"`
	Endpoint []nccoEndpoint `json:"endpoint"`
}

type nccoEndpoint struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

const talkStyle = 1

// RenderNCCO maps a flow to Vonage NCCO actions. from is used as caller ID
// on connect actions.
func RenderNCCO(f flow.Flow, from string) ([]any, error) {
	if len(f) == 0 {
		return nil, errors.New("telephony: empty flow")
	}
	out := make([]any, 0, len(f))
	for i, in := range f {
		switch in.Kind {
		case flow.KindSpeak:
			if strings.TrimSpace(in.Text) == "" {
				return nil, fmt.Errorf("telephony: speak instruction %d has no text", i)
			}
			out = append(out, nccoTalk{Action: "talk", Text: in.Text, Language: in.Language, Style: talkStyle})
		case flow.KindCollectDigits:
			if in.CallbackURL == "" {
				return nil, fmt.Errorf("telephony: collect instruction %d has no callback url", i)
			}
			timeout := int(in.Timeout.Seconds())
			if timeout <= 0 {
				timeout = int(flow.DigitTimeout.Seconds())
			}
			out = append(out, nccoInput{
				Action: "input",
				Type:   []string{"dtmf"},
				DTMF: nccoDTMF{
					MaxDigits:    in.MaxDigits,
					TimeOut:      timeout,
					SubmitOnHash: in.Terminator == "#",
				},
				EventURL:    []string{in.CallbackURL},
				EventMethod: "POST",
			})
		case flow.KindConnect:
			number := normalizeNumber(in.Number)
			if number == "" {
				return nil, fmt.Errorf("telephony: connect instruction %d has no number", i)
			}
			out = append(out, nccoConnect{
				Action:   "connect",
				From:     normalizeNumber(from),
				Endpoint: []nccoEndpoint{{Type: "phone", Number: number}},
			})
		default:
			return nil, fmt.Errorf("telephony: unknown instruction kind %q", in.Kind)
		}
	}
	return out, nil
}

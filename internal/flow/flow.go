package flow

import (
	"strings"
	"time"
)

// Kind names one instruction type understood by the telephony renderer.
type Kind string

const (
	KindSpeak         Kind = "speak"
	KindCollectDigits Kind = "collect_digits"
	KindConnect       Kind = "connect"
)

// Instruction is one provider-agnostic call control step.
//
// Speak uses Text and Language. CollectDigits uses MaxDigits, Timeout,
// Terminator and CallbackURL. Connect uses Number.
type Instruction struct {
	Kind Kind

	Text     string
	Language string

	MaxDigits   int
	Timeout     time.Duration
	Terminator  string
	CallbackURL string

	Number string
}

// Flow is an ordered instruction list returned to the provider.
type Flow []Instruction

// CollectsDigits reports whether the flow ends waiting for keypad input.
func (f Flow) CollectsDigits() bool {
	for _, in := range f {
		if in.Kind == KindCollectDigits {
			return true
		}
	}
	return false
}

// Stage selects which flow to build for a call.
type Stage string

const (
	StageDeliverCode       Stage = "deliver-code"
	StageConfirmSuccess    Stage = "confirm-success"
	StageConfirmFailure    Stage = "confirm-failure"
	StageAttemptsExhausted Stage = "attempts-exhausted"
)

// Call is the subset of a call record the generator reads.
type Call struct {
	ID             string
	OTPCode        string
	Language       string
	TransferNumber string
}

const (
	DigitTimeout    = 10 * time.Second
	DigitTerminator = "#"
)

// Generator builds flows. It holds only the public base URL used for callbacks,
// so Build is a pure function of its inputs.

type Generator struct {
	baseURL string
}

func NewGenerator(publicBaseURL string) *Generator {
	return &Generator{baseURL: strings.TrimRight(publicBaseURL, "/")}
}

// DTMFCallbackURL is the URL the provider posts keypad input to for callID.
func (g *Generator) DTMFCallbackURL(callID string) string {
	return g.baseURL + "/calls/" + callID + "/dtmf-callback"
}

// Build returns the flow for stage. Unknown stages yield the apology flow.
func (g *Generator) Build(c Call, stage Stage) Flow {
	lang := ResolveLocale(c.Language)
	m := messagesFor(lang)
	spelled := SpellDigits(c.OTPCode)

	switch stage {
	case StageDeliverCode:
		return Flow{speak(m.greeting(spelled), lang), g.collect(c)}
	case StageConfirmSuccess:
		return Flow{speak(m.success, lang)}
	case StageConfirmFailure:
		return Flow{speak(m.failure(spelled), lang), g.collect(c)}
	case StageAttemptsExhausted:
		if c.TransferNumber != "" {
			return Flow{
				speak(m.transferring, lang),
				{Kind: KindConnect, Number: c.TransferNumber},
			}
		}
		return Flow{speak(m.goodbye, lang)}
	}
	return Apology()
}

func (g *Generator) collect(c Call) Instruction {
	maxDigits := len(c.OTPCode)
	if maxDigits == 0 {
		maxDigits = 1
	}
	return Instruction{
		Kind:        KindCollectDigits,
		MaxDigits:   maxDigits,
		Timeout:     DigitTimeout,
		Terminator:  DigitTerminator,
		CallbackURL: g.DTMFCallbackURL(c.ID),
	}
}

// NotFound is returned to the provider for callbacks about unknown calls.
func NotFound() Flow {
	return Flow{speak("Call not found.", DefaultLocale)}
}

// Apology is returned when processing a callback failed internally.
func Apology() Flow {
	return Flow{speak("An error occurred.", DefaultLocale)}
}

// SpellDigits separates each character so text-to-speech reads digits one by one.
// "1234" becomes "1, 2, 3, 4".
func SpellDigits(code string) string {
	if code == "" {
		return ""
	}
	parts := make([]string, 0, len(code))
	for _, r := range code {
		parts = append(parts, string(r))
	}
	return strings.Join(parts, ", ")
}

func speak(text, lang string) Instruction {
	return Instruction{Kind: KindSpeak, Text: text, Language: lang}
}

package events

import (
	"time"

	"github.com/goccy/go-json"
)

// Event types sent to subscribers.
const (
	TypeConnected     = "connected"
	TypePong          = "pong"
	TypeCallInitiated = "call_initiated"
	TypeCallAnswered  = "call_answered"
	TypeCallEvent     = "call_event"
	TypeDTMFReceived  = "dtmf_received"
	TypeTranscript    = "transcript"
)

// Event is a typed notification. On the wire it is one flat JSON object:
// the payload fields plus "type" and "timestamp".
type Event struct {
	Type      string
	Payload   map[string]any
	Timestamp time.Time
}

func New(typ string, payload map[string]any) Event {
	return Event{Type: typ, Payload: payload, Timestamp: time.Now().UTC()}
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["type"] = e.Type
	out["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	return json.Marshal(out)
}

// Publisher accepts events for fan-out. Publish must not block the caller.
type Publisher interface {
	Publish(e Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

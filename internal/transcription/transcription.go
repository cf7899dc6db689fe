package transcription

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Fragment is one recognized piece of speech.
type Fragment struct {
	Text       string
	Confidence *float64
	Final      bool
}

// Stream is one live transcription session fed with raw audio.
type Stream interface {
	Send(audio []byte) error
	Close() error
}

// Provider opens live transcription streams. onFragment is called from the
// stream's own goroutine for every final fragment with text.
type Provider interface {
	Open(ctx context.Context, language string, onFragment func(Fragment)) (Stream, error)
}

var (
	ErrDisabled      = errors.New("transcription: disabled")
	ErrNoSession     = errors.New("transcription: no session for call")
	ErrSessionActive = errors.New("transcription: call already streaming")
)

// Registry tracks the live stream of each call on this instance.

type Registry struct {
	provider Provider
	log      *slog.Logger

	mu      sync.Mutex
	streams map[string]Stream
}

// pending holds a call's slot while its stream is being opened.
type pending struct{ callID string }

func (*pending) Send([]byte) error { return ErrNoSession }
func (*pending) Close() error      { return nil }

// NewRegistry returns a registry; a nil provider disables transcription.
func NewRegistry(provider Provider, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{provider: provider, log: log, streams: map[string]Stream{}}
}

func (r *Registry) Enabled() bool { return r != nil && r.provider != nil }

// Start opens a stream for callID. A call has at most one stream; starting
// it again returns ErrSessionActive and leaves the existing stream alone.
func (r *Registry) Start(ctx context.Context, callID, language string, onFragment func(Fragment)) error {
	if !r.Enabled() {
		return ErrDisabled
	}
	slot := &pending{callID: callID}
	r.mu.Lock()
	if _, ok := r.streams[callID]; ok {
		r.mu.Unlock()
		return ErrSessionActive
	}
	r.streams[callID] = slot
	r.mu.Unlock()

	s, err := r.provider.Open(ctx, language, onFragment)

	r.mu.Lock()
	held := r.streams[callID] == Stream(slot)
	switch {
	case err != nil:
		if held {
			delete(r.streams, callID)
		}
		r.mu.Unlock()
		return err
	case !held:
		// Stopped while dialing.
		r.mu.Unlock()
		_ = s.Close()
		return ErrNoSession
	}
	r.streams[callID] = s
	r.mu.Unlock()
	r.log.Info("transcription started", "call_id", callID, "language", language)
	return nil
}

func (r *Registry) Send(callID string, audio []byte) error {
	r.mu.Lock()
	s, ok := r.streams[callID]
	r.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(audio)
}

// Stop closes and forgets the stream of callID.
func (r *Registry) Stop(callID string) {
	r.mu.Lock()
	s, ok := r.streams[callID]
	delete(r.streams, callID)
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := s.Close(); err != nil {
		r.log.Warn("transcription close failed", "call_id", callID, "err", err)
	}
	r.log.Info("transcription stopped", "call_id", callID)
}

// Active reports the number of live streams.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// CloseAll stops every stream, used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Stop(id)
	}
}

package calls

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and local development.

type MemoryStore struct {
	mu          sync.RWMutex
	calls       map[string]Call
	byProvider  map[string]string
	transcripts map[string][]TranscriptEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:       map[string]Call{},
		byProvider:  map[string]string{},
		transcripts: map[string][]TranscriptEntry{},
	}
}

func (s *MemoryStore) Create(ctx context.Context, c Call) error {
	if c.ID == "" {
		return errors.New("calls: id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[c.ID]; ok {
		return errors.New("calls: duplicate id")
	}
	s.calls[c.ID] = c
	if c.ProviderCallID != "" {
		s.byProvider[c.ProviderCallID] = c.ID
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) GetByProviderID(ctx context.Context, providerCallID string) (Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byProvider[providerCallID]
	if !ok {
		return Call{}, ErrNotFound
	}
	return s.calls[id], nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, p Patch) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	p.Apply(&c)
	s.calls[id] = c
	if c.ProviderCallID != "" {
		s.byProvider[c.ProviderCallID] = id
	}
	return c, nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]Call, error) {
	s.mu.RLock()
	out := make([]Call, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendTranscript(ctx context.Context, e TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[e.CallID]; !ok {
		return ErrNotFound
	}
	s.transcripts[e.CallID] = append(s.transcripts[e.CallID], e)
	return nil
}

func (s *MemoryStore) Transcripts(ctx context.Context, callID string) ([]TranscriptEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.transcripts[callID]
	out := make([]TranscriptEntry, len(src))
	copy(out, src)
	return out, nil
}

package queue

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a non-durable in-memory Store. It backs tests and the
// best-effort fallback used when no durable backend is configured.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]Message)}
}

// Init is a no-op for the in-memory store.
func (s *MemoryStore) Init(ctx context.Context) error {
	return nil
}

// Enqueue inserts the message and evicts past capacity under one lock, so
// eviction is atomic with respect to concurrent enqueues.
func (s *MemoryStore) Enqueue(ctx context.Context, msg Message, capacity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[msg.ID] = msg

	if len(s.messages) <= capacity {
		return nil
	}

	all := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool { return survivorLess(all[i], all[j]) })

	for _, victim := range all[capacity:] {
		delete(s.messages, victim.ID)
	}
	return nil
}

// Session returns all messages for a session.
func (s *MemoryStore) Session(ctx context.Context, sessionID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

// All returns every stored message.
func (s *MemoryStore) All(ctx context.Context) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	return out, nil
}

// Remove deletes a message by ID.
func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	return nil
}

// IncrementAttempt bumps the attempt counter.
func (s *MemoryStore) IncrementAttempt(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.messages[id]; ok {
		m.AttemptCount++
		s.messages[id] = m
	}
	return nil
}

// ClearSession deletes all messages for a session.
func (s *MemoryStore) ClearSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, m := range s.messages {
		if m.SessionID == sessionID {
			delete(s.messages, id)
		}
	}
	return nil
}

// ClearAll deletes everything.
func (s *MemoryStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string]Message)
	return nil
}

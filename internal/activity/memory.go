package activity

import (
	"context"
	"sync"

	"github.com/rpattn/journaled/internal/domain"
)

// MemorySink keeps every event in memory. Used by tests and the memory
// driver.
type MemorySink struct {
	mu     sync.RWMutex
	events []domain.ActivityEvent
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Notify(_ context.Context, event domain.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of the recorded events in arrival order.
func (s *MemorySink) Events() []domain.ActivityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ActivityEvent, len(s.events))
	copy(out, s.events)
	return out
}

// ForEntity returns the events recorded for ref.
func (s *MemorySink) ForEntity(ref domain.EntityRef) []domain.ActivityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ActivityEvent
	for _, event := range s.events {
		if event.Entity == ref {
			out = append(out, event)
		}
	}
	return out
}

func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActivityEvent is emitted after a new journal entry has been committed.
// Consumers own all filtering and indexing.
type ActivityEvent struct {
	EntryID   uuid.UUID  `json:"entry_id"`
	Entity    EntityRef  `json:"entity"`
	Version   int64      `json:"version"`
	AuthorID  *uuid.UUID `json:"author_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Notes     string     `json:"notes,omitempty"`
}

// NewActivityEvent builds the event describing entry.
func NewActivityEvent(entry JournalEntry) ActivityEvent {
	return ActivityEvent{
		EntryID:   entry.ID,
		Entity:    entry.Entity,
		Version:   entry.Version,
		AuthorID:  entry.AuthorID,
		Timestamp: entry.CreatedAt,
		Notes:     entry.Notes,
	}
}

package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// JournalEntry is one recorded change of an entity. Version is unique per
// entity and gapless starting at 1. Entries are immutable once committed,
// except for amendments made from an append window or a notes edit.
type JournalEntry struct {
	ID        uuid.UUID  `json:"id"`
	Entity    EntityRef  `json:"entity"`
	Version   int64      `json:"version"`
	AuthorID  *uuid.UUID `json:"author_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Notes     string     `json:"notes,omitempty"`
	Changeset Changeset  `json:"changeset"`
}

// IsInitial reports whether the entry records the entity's initial state.
func (e JournalEntry) IsInitial() bool {
	return e.Version == 1
}

// HasNotes reports whether the entry carries a non-blank annotation.
func (e JournalEntry) HasNotes() bool {
	return !IsBlank(e.Notes)
}

// Clone returns a copy whose changeset can be modified independently.
func (e JournalEntry) Clone() JournalEntry {
	out := e
	out.Changeset = e.Changeset.Clone()
	if e.AuthorID != nil {
		author := *e.AuthorID
		out.AuthorID = &author
	}
	return out
}

// CompareEntries orders entries by version, then created_at, then id.
func CompareEntries(a, b JournalEntry) int {
	switch {
	case a.Version < b.Version:
		return -1
	case a.Version > b.Version:
		return 1
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID.String() < b.ID.String():
		return -1
	case a.ID.String() > b.ID.String():
		return 1
	}
	return 0
}

// SortEntries sorts entries ascending using CompareEntries.
func SortEntries(entries []JournalEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return CompareEntries(entries[i], entries[j]) < 0
	})
}

// Actor identifies who performs a mutation. The zero value is anonymous.
type Actor struct {
	ID *uuid.UUID
}

// ActorFromID builds an actor for a known user.
func ActorFromID(id uuid.UUID) Actor {
	return Actor{ID: &id}
}

// Anonymous returns an actor with no identity.
func Anonymous() Actor {
	return Actor{}
}

// IsAnonymous reports whether the actor carries no identity.
func (a Actor) IsAnonymous() bool {
	return a.ID == nil || *a.ID == uuid.Nil
}

// AuthorID returns a copy of the actor's id suitable for JournalEntry.AuthorID.
func (a Actor) AuthorID() *uuid.UUID {
	if a.IsAnonymous() {
		return nil
	}
	id := *a.ID
	return &id
}

// Is reports whether the actor authored the entry.
func (a Actor) Is(author *uuid.UUID) bool {
	if a.IsAnonymous() || author == nil {
		return false
	}
	return *a.ID == *author
}

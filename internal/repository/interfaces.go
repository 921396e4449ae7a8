package repository

import (
	"context"
	"time"

	"github.com/rpattn/journaled/internal/domain"

	"github.com/google/uuid"
)

// JournalRepository persists journal entries. Implementations enforce
// uniqueness of (entity kind, entity id, version) and report a collision from
// SaveEntry as domain.ErrConflict.
type JournalRepository interface {
	// SaveEntry inserts a new entry and returns it with its stored id and timestamp.
	SaveEntry(ctx context.Context, entry domain.JournalEntry) (domain.JournalEntry, error)
	// UpdateEntry amends an existing entry in place. Version is untouched.
	UpdateEntry(ctx context.Context, id uuid.UUID, changeset domain.Changeset, notes string, author *uuid.UUID) error
	// LoadEntries returns every entry of the entity in ascending version order.
	LoadEntries(ctx context.Context, ref domain.EntityRef) ([]domain.JournalEntry, error)
	GetEntry(ctx context.Context, ref domain.EntityRef, version int64) (domain.JournalEntry, error)
	GetEntryByID(ctx context.Context, id uuid.UUID) (domain.JournalEntry, error)
	// LastEntry returns the highest version entry or domain.ErrNotFound.
	LastEntry(ctx context.Context, ref domain.EntityRef) (domain.JournalEntry, error)
	// EntriesInRange returns entries with from <= version <= to, ascending.
	EntriesInRange(ctx context.Context, ref domain.EntityRef, from, to int64) ([]domain.JournalEntry, error)
	// LatestAtOrBefore returns the newest entry created at or before at, or
	// domain.ErrNotFound.
	LatestAtOrBefore(ctx context.Context, ref domain.EntityRef, at time.Time) (domain.JournalEntry, error)
	// MaxVersion returns 0 when the entity has no entries.
	MaxVersion(ctx context.Context, ref domain.EntityRef) (int64, error)
	// MaxVersions batches MaxVersion. Entities without entries map to 0.
	MaxVersions(ctx context.Context, refs []domain.EntityRef) (map[domain.EntityRef]int64, error)
}

// EntityRepository persists the journaled entities themselves.
type EntityRepository interface {
	// GetByRef returns domain.ErrNotFound for unknown entities.
	GetByRef(ctx context.Context, ref domain.EntityRef) (domain.VersionedEntity, error)
	// Save inserts or replaces the entity row.
	Save(ctx context.Context, entity domain.VersionedEntity) (domain.VersionedEntity, error)
	// ListByKind pages through entities of one kind ordered by creation time.
	ListByKind(ctx context.Context, kind domain.EntityKind, limit, offset int) ([]domain.VersionedEntity, error)
}

// Transactor runs fn inside a transaction carried by the context. Calls made
// with a context that already carries a transaction join it.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store bundles the repositories the journaling engine needs.
type Store interface {
	Transactor
	Journal() JournalRepository
	Entities() EntityRepository
}

const defaultListLimit = 200

// NormalizePage applies the default page size and clamps the offset.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/journaled/internal/domain"
	"github.com/rpattn/journaled/internal/repository"

	"github.com/google/uuid"
)

// EditableFunc is the host's journal_editable_by predicate.
type EditableFunc func(entry domain.JournalEntry, actor domain.Actor) bool

// AuthorOnly allows notes edits by the entry's author.
func AuthorOnly(entry domain.JournalEntry, actor domain.Actor) bool {
	return actor.Is(entry.AuthorID)
}

// Store is the per-entity append-only journal. It assigns version numbers
// and keeps created_at strictly increasing with version.
type Store struct {
	repo     repository.JournalRepository
	clock    func() time.Time
	resolver *Resolver
}

// NewStore wraps a journal repository.
func NewStore(repo repository.JournalRepository, clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	s := &Store{repo: repo, clock: clock}
	s.resolver = NewResolver(s)
	return s
}

// Resolver returns the locator resolver bound to this store.
func (s *Store) Resolver() *Resolver {
	return s.resolver
}

// Repository exposes the underlying persistence collaborator.
func (s *Store) Repository() repository.JournalRepository {
	return s.repo
}

// Append records the next version for ref. A concurrent writer that claimed
// the same version surfaces as domain.ErrConflict.
func (s *Store) Append(ctx context.Context, ref domain.EntityRef, changeset domain.Changeset, author *uuid.UUID, notes string) (domain.JournalEntry, error) {
	if err := ref.Validate(); err != nil {
		return domain.JournalEntry{}, err
	}
	last, err := s.Last(ctx, ref)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.JournalEntry{}, err
	}
	hasLast := err == nil

	createdAt := s.clock().UTC().Truncate(time.Microsecond)
	var next int64 = 1
	if hasLast {
		next = last.Version + 1
		if !createdAt.After(last.CreatedAt) {
			createdAt = last.CreatedAt.Add(time.Microsecond)
		}
	}

	entry := domain.JournalEntry{
		ID:        uuid.New(),
		Entity:    ref,
		Version:   next,
		AuthorID:  author,
		CreatedAt: createdAt,
		Notes:     notes,
		Changeset: changeset.Clone(),
	}
	saved, err := s.repo.SaveEntry(ctx, entry)
	if err != nil {
		return domain.JournalEntry{}, fmt.Errorf("append %s version %d: %w", ref, next, err)
	}
	return saved, nil
}

// UpdateLast amends the most recent entry of ref in place. The version is
// unchanged. It fails with domain.ErrValidation when ref has no entries.
func (s *Store) UpdateLast(ctx context.Context, ref domain.EntityRef, changeset domain.Changeset, notes string, author *uuid.UUID) (domain.JournalEntry, error) {
	last, err := s.Last(ctx, ref)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.JournalEntry{}, fmt.Errorf("%w: %s has no journal entry to amend", domain.ErrValidation, ref)
	}
	if err != nil {
		return domain.JournalEntry{}, err
	}
	if err := s.repo.UpdateEntry(ctx, last.ID, changeset, notes, author); err != nil {
		return domain.JournalEntry{}, fmt.Errorf("amend %s version %d: %w", ref, last.Version, err)
	}
	last.Changeset = changeset.Clone()
	last.Notes = notes
	last.AuthorID = author
	return last, nil
}

// EntriesBetween returns the entries with versions in the closed range
// [from, to], ascending when from <= to and descending otherwise.
func (s *Store) EntriesBetween(ctx context.Context, ref domain.EntityRef, from, to int64) ([]domain.JournalEntry, error) {
	entries, err := s.repo.EntriesInRange(ctx, ref, min(from, to), max(from, to))
	if err != nil {
		return nil, err
	}
	domain.SortEntries(entries)
	if from > to {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	return entries, nil
}

// MaxVersion returns 0 when ref has no entries.
func (s *Store) MaxVersion(ctx context.Context, ref domain.EntityRef) (int64, error) {
	return s.repo.MaxVersion(ctx, ref)
}

// Last returns the newest entry or domain.ErrNotFound.
func (s *Store) Last(ctx context.Context, ref domain.EntityRef) (domain.JournalEntry, error) {
	return s.repo.LastEntry(ctx, ref)
}

// Entries returns the full journal of ref in ascending order.
func (s *Store) Entries(ctx context.Context, ref domain.EntityRef) ([]domain.JournalEntry, error) {
	entries, err := s.repo.LoadEntries(ctx, ref)
	if err != nil {
		return nil, err
	}
	domain.SortEntries(entries)
	return entries, nil
}

// Get returns the entry recorded for version.
func (s *Store) Get(ctx context.Context, ref domain.EntityRef, version int64) (domain.JournalEntry, error) {
	return s.repo.GetEntry(ctx, ref, version)
}

// Before returns entries older than version, ascending.
func (s *Store) Before(ctx context.Context, ref domain.EntityRef, version int64) ([]domain.JournalEntry, error) {
	if version <= 1 {
		return []domain.JournalEntry{}, nil
	}
	return s.EntriesBetween(ctx, ref, 1, version-1)
}

// After returns entries newer than version, ascending.
func (s *Store) After(ctx context.Context, ref domain.EntityRef, version int64) ([]domain.JournalEntry, error) {
	latest, err := s.MaxVersion(ctx, ref)
	if err != nil {
		return nil, err
	}
	if version >= latest {
		return []domain.JournalEntry{}, nil
	}
	return s.EntriesBetween(ctx, ref, version+1, latest)
}

// At returns the entry a locator designates.
func (s *Store) At(ctx context.Context, ref domain.EntityRef, locator domain.Locator) (domain.JournalEntry, error) {
	version, err := s.resolver.Resolve(ctx, ref, locator)
	if err != nil {
		return domain.JournalEntry{}, err
	}
	return s.Get(ctx, ref, version)
}

// EditNotes replaces the notes of one entry after the host predicate allows
// actor to edit it. A nil predicate denies every edit.
func (s *Store) EditNotes(ctx context.Context, ref domain.EntityRef, version int64, actor domain.Actor, notes string, editable EditableFunc) (domain.JournalEntry, error) {
	entry, err := s.Get(ctx, ref, version)
	if err != nil {
		return domain.JournalEntry{}, err
	}
	if editable == nil || !editable(entry, actor) {
		return domain.JournalEntry{}, fmt.Errorf("%s version %d: %w", ref, version, domain.ErrNotEditable)
	}
	if err := s.repo.UpdateEntry(ctx, entry.ID, entry.Changeset, notes, entry.AuthorID); err != nil {
		return domain.JournalEntry{}, fmt.Errorf("edit notes of %s version %d: %w", ref, version, err)
	}
	entry.Notes = notes
	return entry, nil
}

// Package memory keeps journal entries and entities in process memory. It is
// used by tests and by the server's memory driver.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rpattn/journaled/internal/domain"
	"github.com/rpattn/journaled/internal/repository"

	"github.com/google/uuid"
)

type txKey struct{}

// Store implements repository.Store. Transactions are serialized and roll
// back by restoring a copy of the data taken when they began.
type Store struct {
	txMu sync.Mutex

	mu       sync.RWMutex
	entries  map[domain.EntityRef][]domain.JournalEntry
	entities map[domain.EntityRef]domain.VersionedEntity

	journal  *journalRepository
	entityRp *entityRepository
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{
		entries:  map[domain.EntityRef][]domain.JournalEntry{},
		entities: map[domain.EntityRef]domain.VersionedEntity{},
	}
	s.journal = &journalRepository{store: s}
	s.entityRp = &entityRepository{store: s}
	return s
}

func (s *Store) Journal() repository.JournalRepository { return s.journal }
func (s *Store) Entities() repository.EntityRepository { return s.entityRp }

// Clear drops all data.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = map[domain.EntityRef][]domain.JournalEntry{}
	s.entities = map[domain.EntityRef]domain.VersionedEntity{}
}

// WithinTx runs fn with exclusive access to the store, joining a
// transaction already carried by ctx.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	entries, entities := s.copyState()
	defer func() {
		if p := recover(); p != nil {
			s.restore(entries, entities)
			panic(p)
		}
		if err != nil {
			s.restore(entries, entities)
		}
	}()

	return fn(context.WithValue(ctx, txKey{}, struct{}{}))
}

func (s *Store) copyState() (map[domain.EntityRef][]domain.JournalEntry, map[domain.EntityRef]domain.VersionedEntity) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make(map[domain.EntityRef][]domain.JournalEntry, len(s.entries))
	for ref, list := range s.entries {
		entries[ref] = cloneEntries(list)
	}
	entities := make(map[domain.EntityRef]domain.VersionedEntity, len(s.entities))
	for ref, entity := range s.entities {
		entities[ref] = entity.Clone()
	}
	return entries, entities
}

func (s *Store) restore(entries map[domain.EntityRef][]domain.JournalEntry, entities map[domain.EntityRef]domain.VersionedEntity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
	s.entities = entities
}

func cloneEntries(list []domain.JournalEntry) []domain.JournalEntry {
	out := make([]domain.JournalEntry, len(list))
	for i, entry := range list {
		out[i] = entry.Clone()
	}
	return out
}

type journalRepository struct {
	store *Store
}

func (r *journalRepository) SaveEntry(_ context.Context, entry domain.JournalEntry) (domain.JournalEntry, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.entries[entry.Entity]
	for _, existing := range list {
		if existing.Version == entry.Version {
			return domain.JournalEntry{}, fmt.Errorf("insert %s version %d: %w", entry.Entity, entry.Version, domain.ErrConflict)
		}
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	stored := entry.Clone()
	list = append(list, stored)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	s.entries[entry.Entity] = list
	return stored.Clone(), nil
}

func (r *journalRepository) UpdateEntry(_ context.Context, id uuid.UUID, changeset domain.Changeset, notes string, author *uuid.UUID) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for ref, list := range s.entries {
		for i := range list {
			if list[i].ID != id {
				continue
			}
			updated := list[i]
			updated.Changeset = changeset.Clone()
			updated.Notes = notes
			updated.AuthorID = nil
			if author != nil {
				a := *author
				updated.AuthorID = &a
			}
			s.entries[ref][i] = updated
			return nil
		}
	}
	return fmt.Errorf("journal entry %s: %w", id, domain.ErrNotFound)
}

func (r *journalRepository) LoadEntries(_ context.Context, ref domain.EntityRef) ([]domain.JournalEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return cloneEntries(r.store.entries[ref]), nil
}

func (r *journalRepository) GetEntry(_ context.Context, ref domain.EntityRef, version int64) (domain.JournalEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, entry := range r.store.entries[ref] {
		if entry.Version == version {
			return entry.Clone(), nil
		}
	}
	return domain.JournalEntry{}, fmt.Errorf("get %s version %d: %w", ref, version, domain.ErrNotFound)
}

func (r *journalRepository) GetEntryByID(_ context.Context, id uuid.UUID) (domain.JournalEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, list := range r.store.entries {
		for _, entry := range list {
			if entry.ID == id {
				return entry.Clone(), nil
			}
		}
	}
	return domain.JournalEntry{}, fmt.Errorf("get journal entry %s: %w", id, domain.ErrNotFound)
}

func (r *journalRepository) LastEntry(_ context.Context, ref domain.EntityRef) (domain.JournalEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	list := r.store.entries[ref]
	if len(list) == 0 {
		return domain.JournalEntry{}, fmt.Errorf("get last entry of %s: %w", ref, domain.ErrNotFound)
	}
	return list[len(list)-1].Clone(), nil
}

func (r *journalRepository) EntriesInRange(_ context.Context, ref domain.EntityRef, from, to int64) ([]domain.JournalEntry, error) {
	if from > to {
		from, to = to, from
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := []domain.JournalEntry{}
	for _, entry := range r.store.entries[ref] {
		if entry.Version >= from && entry.Version <= to {
			out = append(out, entry.Clone())
		}
	}
	return out, nil
}

func (r *journalRepository) LatestAtOrBefore(_ context.Context, ref domain.EntityRef, at time.Time) (domain.JournalEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var (
		found domain.JournalEntry
		ok    bool
	)
	for _, entry := range r.store.entries[ref] {
		if entry.CreatedAt.After(at) {
			continue
		}
		if !ok || !entry.CreatedAt.Before(found.CreatedAt) {
			found, ok = entry, true
		}
	}
	if !ok {
		return domain.JournalEntry{}, fmt.Errorf("find %s entry before %s: %w", ref, at.Format(time.RFC3339), domain.ErrNotFound)
	}
	return found.Clone(), nil
}

func (r *journalRepository) MaxVersion(_ context.Context, ref domain.EntityRef) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	list := r.store.entries[ref]
	if len(list) == 0 {
		return 0, nil
	}
	return list[len(list)-1].Version, nil
}

func (r *journalRepository) MaxVersions(ctx context.Context, refs []domain.EntityRef) (map[domain.EntityRef]int64, error) {
	out := make(map[domain.EntityRef]int64, len(refs))
	for _, ref := range refs {
		version, err := r.MaxVersion(ctx, ref)
		if err != nil {
			return nil, err
		}
		out[ref] = version
	}
	return out, nil
}

type entityRepository struct {
	store *Store
}

func (r *entityRepository) GetByRef(_ context.Context, ref domain.EntityRef) (domain.VersionedEntity, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	entity, ok := r.store.entities[ref]
	if !ok {
		return domain.VersionedEntity{}, fmt.Errorf("get entity %s: %w", ref, domain.ErrNotFound)
	}
	return entity.Clone(), nil
}

func (r *entityRepository) Save(_ context.Context, entity domain.VersionedEntity) (domain.VersionedEntity, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := r.store.entities[entity.Ref]; ok {
		entity.CreatedAt = existing.CreatedAt
	} else if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now
	stored := entity.Clone()
	r.store.entities[entity.Ref] = stored
	return stored.Clone(), nil
}

func (r *entityRepository) ListByKind(_ context.Context, kind domain.EntityKind, limit, offset int) ([]domain.VersionedEntity, error) {
	limit, offset = repository.NormalizePage(limit, offset)
	r.store.mu.RLock()
	matched := []domain.VersionedEntity{}
	for ref, entity := range r.store.entities {
		if ref.Kind == kind {
			matched = append(matched, entity.Clone())
		}
	}
	r.store.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].Ref.ID.String() < matched[j].Ref.ID.String()
	})
	if offset >= len(matched) {
		return []domain.VersionedEntity{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

var (
	_ repository.Store             = (*Store)(nil)
	_ repository.JournalRepository = (*journalRepository)(nil)
	_ repository.EntityRepository  = (*entityRepository)(nil)
)

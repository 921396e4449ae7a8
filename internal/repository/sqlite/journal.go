package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rpattn/journaled/internal/domain"

	"github.com/google/uuid"
)

const journalColumns = `id, entity_kind, entity_id, version, author_id, notes, changeset, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type journalRepository struct {
	store *Store
}

func (r *journalRepository) SaveEntry(ctx context.Context, entry domain.JournalEntry) (domain.JournalEntry, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	stamp := formatTime(entry.CreatedAt)
	// store only timestamps that read back
	createdAt, err := parseTime(stamp)
	if err != nil {
		return domain.JournalEntry{}, fmt.Errorf("encoding created_at: %w", err)
	}
	changeset, err := json.Marshal(entry.Changeset)
	if err != nil {
		return domain.JournalEntry{}, fmt.Errorf("encoding changeset: %w", err)
	}

	_, err = r.store.conn(ctx).ExecContext(ctx,
		`INSERT INTO journal_entries (`+journalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(),
		string(entry.Entity.Kind),
		entry.Entity.ID.String(),
		entry.Version,
		nullableID(entry.AuthorID),
		entry.Notes,
		string(changeset),
		stamp,
	)
	if err != nil {
		return domain.JournalEntry{}, translateError(err, fmt.Sprintf("inserting %s version %d", entry.Entity, entry.Version))
	}
	entry.CreatedAt = createdAt
	return entry.Clone(), nil
}

func (r *journalRepository) UpdateEntry(ctx context.Context, id uuid.UUID, changeset domain.Changeset, notes string, author *uuid.UUID) error {
	encoded, err := json.Marshal(changeset)
	if err != nil {
		return fmt.Errorf("encoding changeset: %w", err)
	}
	result, err := r.store.conn(ctx).ExecContext(ctx,
		`UPDATE journal_entries SET changeset = ?, notes = ?, author_id = ? WHERE id = ?`,
		string(encoded), notes, nullableID(author), id.String(),
	)
	if err != nil {
		return translateError(err, "updating journal entry")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("journal entry %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *journalRepository) LoadEntries(ctx context.Context, ref domain.EntityRef) ([]domain.JournalEntry, error) {
	return r.query(ctx, "loading journal entries",
		`SELECT `+journalColumns+` FROM journal_entries
		 WHERE entity_kind = ? AND entity_id = ?
		 ORDER BY version, created_at, id`,
		string(ref.Kind), ref.ID.String(),
	)
}

func (r *journalRepository) GetEntry(ctx context.Context, ref domain.EntityRef, version int64) (domain.JournalEntry, error) {
	return r.queryOne(ctx, fmt.Sprintf("getting %s version %d", ref, version),
		`SELECT `+journalColumns+` FROM journal_entries
		 WHERE entity_kind = ? AND entity_id = ? AND version = ?`,
		string(ref.Kind), ref.ID.String(), version,
	)
}

func (r *journalRepository) GetEntryByID(ctx context.Context, id uuid.UUID) (domain.JournalEntry, error) {
	return r.queryOne(ctx, fmt.Sprintf("getting journal entry %s", id),
		`SELECT `+journalColumns+` FROM journal_entries WHERE id = ?`,
		id.String(),
	)
}

func (r *journalRepository) LastEntry(ctx context.Context, ref domain.EntityRef) (domain.JournalEntry, error) {
	return r.queryOne(ctx, fmt.Sprintf("getting last entry of %s", ref),
		`SELECT `+journalColumns+` FROM journal_entries
		 WHERE entity_kind = ? AND entity_id = ?
		 ORDER BY version DESC LIMIT 1`,
		string(ref.Kind), ref.ID.String(),
	)
}

func (r *journalRepository) EntriesInRange(ctx context.Context, ref domain.EntityRef, from, to int64) ([]domain.JournalEntry, error) {
	if from > to {
		from, to = to, from
	}
	return r.query(ctx, "loading journal range",
		`SELECT `+journalColumns+` FROM journal_entries
		 WHERE entity_kind = ? AND entity_id = ? AND version BETWEEN ? AND ?
		 ORDER BY version`,
		string(ref.Kind), ref.ID.String(), from, to,
	)
}

func (r *journalRepository) LatestAtOrBefore(ctx context.Context, ref domain.EntityRef, at time.Time) (domain.JournalEntry, error) {
	return r.queryOne(ctx, fmt.Sprintf("finding %s entry before %s", ref, at.Format(time.RFC3339)),
		`SELECT `+journalColumns+` FROM journal_entries
		 WHERE entity_kind = ? AND entity_id = ? AND created_at <= ?
		 ORDER BY created_at DESC, version DESC LIMIT 1`,
		string(ref.Kind), ref.ID.String(), formatTime(at),
	)
}

func (r *journalRepository) MaxVersion(ctx context.Context, ref domain.EntityRef) (int64, error) {
	var version int64
	err := r.store.conn(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM journal_entries WHERE entity_kind = ? AND entity_id = ?`,
		string(ref.Kind), ref.ID.String(),
	).Scan(&version)
	if err != nil {
		return 0, translateError(err, "reading max version")
	}
	return version, nil
}

func (r *journalRepository) MaxVersions(ctx context.Context, refs []domain.EntityRef) (map[domain.EntityRef]int64, error) {
	out := make(map[domain.EntityRef]int64, len(refs))
	if len(refs) == 0 {
		return out, nil
	}
	conditions := make([]string, len(refs))
	args := make([]any, 0, len(refs)*2)
	for i, ref := range refs {
		conditions[i] = "(entity_kind = ? AND entity_id = ?)"
		args = append(args, string(ref.Kind), ref.ID.String())
		out[ref] = 0
	}

	rows, err := r.store.conn(ctx).QueryContext(ctx,
		`SELECT entity_kind, entity_id, MAX(version) FROM journal_entries
		 WHERE `+strings.Join(conditions, " OR ")+`
		 GROUP BY entity_kind, entity_id`,
		args...,
	)
	if err != nil {
		return nil, translateError(err, "reading max versions")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kind, id string
			version  int64
		)
		if err := rows.Scan(&kind, &id, &version); err != nil {
			return nil, fmt.Errorf("scanning max version: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parsing entity id: %w", err)
		}
		out[domain.NewEntityRef(domain.EntityKind(kind), parsed)] = version
	}
	return out, rows.Err()
}

func (r *journalRepository) query(ctx context.Context, op, query string, args ...any) ([]domain.JournalEntry, error) {
	rows, err := r.store.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translateError(err, op)
	}
	defer rows.Close()

	entries := []domain.JournalEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return entries, nil
}

func (r *journalRepository) queryOne(ctx context.Context, op, query string, args ...any) (domain.JournalEntry, error) {
	entry, err := scanEntry(r.store.conn(ctx).QueryRowContext(ctx, query, args...))
	if err != nil {
		return domain.JournalEntry{}, translateError(err, op)
	}
	return entry, nil
}

func scanEntry(row rowScanner) (domain.JournalEntry, error) {
	var (
		entry     domain.JournalEntry
		id        string
		kind      string
		entityID  string
		notes     string
		changeset string
		createdAt string
		author    sql.NullString
	)
	if err := row.Scan(&id, &kind, &entityID, &entry.Version, &author, &notes, &changeset, &createdAt); err != nil {
		return domain.JournalEntry{}, err
	}

	var err error
	if entry.ID, err = uuid.Parse(id); err != nil {
		return domain.JournalEntry{}, fmt.Errorf("parsing entry id: %w", err)
	}
	parsedEntity, err := uuid.Parse(entityID)
	if err != nil {
		return domain.JournalEntry{}, fmt.Errorf("parsing entity id: %w", err)
	}
	entry.Entity = domain.NewEntityRef(domain.EntityKind(kind), parsedEntity)
	if author.Valid && author.String != "" {
		authorID, err := uuid.Parse(author.String)
		if err != nil {
			return domain.JournalEntry{}, fmt.Errorf("parsing author id: %w", err)
		}
		entry.AuthorID = &authorID
	}
	entry.Notes = notes
	if err := json.Unmarshal([]byte(changeset), &entry.Changeset); err != nil {
		return domain.JournalEntry{}, fmt.Errorf("decoding changeset: %w", err)
	}
	if entry.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.JournalEntry{}, err
	}
	return entry, nil
}

func nullableID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

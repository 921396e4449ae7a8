package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rpattn/journaled/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const journalColumns = `id, entity_kind, entity_id, version, author_id, notes, changeset, created_at`

type journalRepository struct {
	pool *pgxpool.Pool
}

// NewJournalRepository wires a journal repository backed by pgxpool.
func NewJournalRepository(pool *pgxpool.Pool) JournalRepository {
	return &journalRepository{pool: pool}
}

func (r *journalRepository) SaveEntry(ctx context.Context, entry domain.JournalEntry) (domain.JournalEntry, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	changeset, err := json.Marshal(entry.Changeset)
	if err != nil {
		return domain.JournalEntry{}, fmt.Errorf("failed to encode changeset: %w", err)
	}

	row := pick(ctx, r.pool).QueryRow(
		ctx,
		`INSERT INTO journal_entries (`+journalColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+journalColumns,
		entry.ID,
		string(entry.Entity.Kind),
		entry.Entity.ID,
		entry.Version,
		nullableUUID(entry.AuthorID),
		entry.Notes,
		changeset,
		entry.CreatedAt,
	)
	saved, err := scanEntry(row)
	if err != nil {
		return domain.JournalEntry{}, translateError(err, "insert journal entry")
	}
	return saved, nil
}

func (r *journalRepository) UpdateEntry(ctx context.Context, id uuid.UUID, changeset domain.Changeset, notes string, author *uuid.UUID) error {
	encoded, err := json.Marshal(changeset)
	if err != nil {
		return fmt.Errorf("failed to encode changeset: %w", err)
	}
	tag, err := pick(ctx, r.pool).Exec(
		ctx,
		`UPDATE journal_entries SET changeset = $2, notes = $3, author_id = $4 WHERE id = $1`,
		id,
		encoded,
		notes,
		nullableUUID(author),
	)
	if err != nil {
		return translateError(err, "update journal entry")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("journal entry %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *journalRepository) LoadEntries(ctx context.Context, ref domain.EntityRef) ([]domain.JournalEntry, error) {
	return r.queryEntries(ctx, "load journal entries",
		`SELECT `+journalColumns+` FROM journal_entries
		 WHERE entity_kind = $1 AND entity_id = $2
		 ORDER BY version, created_at, id`,
		string(ref.Kind), ref.ID,
	)
}

func (r *journalRepository) GetEntry(ctx context.Context, ref domain.EntityRef, version int64) (domain.JournalEntry, error) {
	row := pick(ctx, r.pool).QueryRow(
		ctx,
		`SELECT `+journalColumns+` FROM journal_entries
		 WHERE entity_kind = $1 AND entity_id = $2 AND version = $3`,
		string(ref.Kind), ref.ID, version,
	)
	entry, err := scanEntry(row)
	if err != nil {
		return domain.JournalEntry{}, translateError(err, fmt.Sprintf("get %s version %d", ref, version))
	}
	return entry, nil
}

func (r *journalRepository) GetEntryByID(ctx context.Context, id uuid.UUID) (domain.JournalEntry, error) {
	row := pick(ctx, r.pool).QueryRow(ctx, `SELECT `+journalColumns+` FROM journal_entries WHERE id = $1`, id)
	entry, err := scanEntry(row)
	if err != nil {
		return domain.JournalEntry{}, translateError(err, fmt.Sprintf("get journal entry %s", id))
	}
	return entry, nil
}

func (r *journalRepository) LastEntry(ctx context.Context, ref domain.EntityRef) (domain.JournalEntry, error) {
	row := pick(ctx, r.pool).QueryRow(
		ctx,
		`SELECT `+journalColumns+` FROM journal_entries
		 WHERE entity_kind = $1 AND entity_id = $2
		 ORDER BY version DESC
		 LIMIT 1`,
		string(ref.Kind), ref.ID,
	)
	entry, err := scanEntry(row)
	if err != nil {
		return domain.JournalEntry{}, translateError(err, fmt.Sprintf("get last entry of %s", ref))
	}
	return entry, nil
}

func (r *journalRepository) EntriesInRange(ctx context.Context, ref domain.EntityRef, from, to int64) ([]domain.JournalEntry, error) {
	if from > to {
		from, to = to, from
	}
	return r.queryEntries(ctx, "load journal range",
		`SELECT `+journalColumns+` FROM journal_entries
		 WHERE entity_kind = $1 AND entity_id = $2 AND version BETWEEN $3 AND $4
		 ORDER BY version`,
		string(ref.Kind), ref.ID, from, to,
	)
}

func (r *journalRepository) LatestAtOrBefore(ctx context.Context, ref domain.EntityRef, at time.Time) (domain.JournalEntry, error) {
	row := pick(ctx, r.pool).QueryRow(
		ctx,
		`SELECT `+journalColumns+` FROM journal_entries
		 WHERE entity_kind = $1 AND entity_id = $2 AND created_at <= $3
		 ORDER BY created_at DESC, version DESC
		 LIMIT 1`,
		string(ref.Kind), ref.ID, at,
	)
	entry, err := scanEntry(row)
	if err != nil {
		return domain.JournalEntry{}, translateError(err, fmt.Sprintf("find %s entry before %s", ref, at.Format(time.RFC3339)))
	}
	return entry, nil
}

func (r *journalRepository) MaxVersion(ctx context.Context, ref domain.EntityRef) (int64, error) {
	var version int64
	err := pick(ctx, r.pool).QueryRow(
		ctx,
		`SELECT COALESCE(MAX(version), 0) FROM journal_entries WHERE entity_kind = $1 AND entity_id = $2`,
		string(ref.Kind), ref.ID,
	).Scan(&version)
	if err != nil {
		return 0, translateError(err, "read max version")
	}
	return version, nil
}

func (r *journalRepository) MaxVersions(ctx context.Context, refs []domain.EntityRef) (map[domain.EntityRef]int64, error) {
	out := make(map[domain.EntityRef]int64, len(refs))
	if len(refs) == 0 {
		return out, nil
	}
	kinds := make([]string, len(refs))
	ids := make([]string, len(refs))
	for i, ref := range refs {
		kinds[i] = string(ref.Kind)
		ids[i] = ref.ID.String()
		out[ref] = 0
	}

	rows, err := pick(ctx, r.pool).Query(
		ctx,
		`SELECT j.entity_kind, j.entity_id, MAX(j.version)
		 FROM journal_entries j
		 JOIN unnest($1::text[], $2::text[]) AS wanted(kind, id)
		   ON j.entity_kind = wanted.kind AND j.entity_id = wanted.id::uuid
		 GROUP BY j.entity_kind, j.entity_id`,
		kinds, ids,
	)
	if err != nil {
		return nil, translateError(err, "read max versions")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kind    string
			id      uuid.UUID
			version int64
		)
		if err := rows.Scan(&kind, &id, &version); err != nil {
			return nil, fmt.Errorf("failed to scan max version: %w", err)
		}
		out[domain.NewEntityRef(domain.EntityKind(kind), id)] = version
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate max versions: %w", err)
	}
	return out, nil
}

func (r *journalRepository) queryEntries(ctx context.Context, op, sql string, args ...any) ([]domain.JournalEntry, error) {
	rows, err := pick(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, translateError(err, op)
	}
	defer rows.Close()

	entries := []domain.JournalEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate journal entries: %w", err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (domain.JournalEntry, error) {
	var (
		entry     domain.JournalEntry
		kind      string
		author    pgtype.UUID
		changeset []byte
		createdAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&entry.ID,
		&kind,
		&entry.Entity.ID,
		&entry.Version,
		&author,
		&entry.Notes,
		&changeset,
		&createdAt,
	); err != nil {
		return domain.JournalEntry{}, err
	}
	entry.Entity.Kind = domain.EntityKind(kind)
	if author.Valid {
		id := uuid.UUID(author.Bytes)
		entry.AuthorID = &id
	}
	if createdAt.Valid {
		entry.CreatedAt = createdAt.Time.UTC()
	}
	if len(changeset) > 0 {
		if err := json.Unmarshal(changeset, &entry.Changeset); err != nil {
			return domain.JournalEntry{}, fmt.Errorf("failed to decode changeset: %w", err)
		}
	}
	return entry, nil
}

func nullableUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: [16]byte(*id), Valid: true}
}

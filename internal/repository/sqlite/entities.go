package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/journaled/internal/domain"
	"github.com/rpattn/journaled/internal/repository"

	"github.com/google/uuid"
)

const entityColumns = `entity_kind, entity_id, attributes, collections, version, created_at, updated_at`

type entityRepository struct {
	store *Store
}

func (r *entityRepository) GetByRef(ctx context.Context, ref domain.EntityRef) (domain.VersionedEntity, error) {
	row := r.store.conn(ctx).QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM journaled_entities WHERE entity_kind = ? AND entity_id = ?`,
		string(ref.Kind), ref.ID.String(),
	)
	entity, err := scanEntity(row)
	if err != nil {
		return domain.VersionedEntity{}, translateError(err, fmt.Sprintf("getting entity %s", ref))
	}
	return entity, nil
}

func (r *entityRepository) Save(ctx context.Context, entity domain.VersionedEntity) (domain.VersionedEntity, error) {
	attributes, err := entity.AttributesJSON()
	if err != nil {
		return domain.VersionedEntity{}, fmt.Errorf("encoding attributes: %w", err)
	}
	collections, err := entity.CollectionsJSON()
	if err != nil {
		return domain.VersionedEntity{}, fmt.Errorf("encoding collections: %w", err)
	}
	now := time.Now().UTC()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}

	_, err = r.store.conn(ctx).ExecContext(ctx,
		`INSERT INTO journaled_entities (`+entityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entity_kind, entity_id) DO UPDATE SET
		   attributes = excluded.attributes,
		   collections = excluded.collections,
		   version = excluded.version,
		   updated_at = excluded.updated_at`,
		string(entity.Ref.Kind),
		entity.Ref.ID.String(),
		string(attributes),
		string(collections),
		entity.Version,
		formatTime(entity.CreatedAt),
		formatTime(now),
	)
	if err != nil {
		return domain.VersionedEntity{}, translateError(err, "saving entity")
	}
	return r.GetByRef(ctx, entity.Ref)
}

func (r *entityRepository) ListByKind(ctx context.Context, kind domain.EntityKind, limit, offset int) ([]domain.VersionedEntity, error) {
	limit, offset = repository.NormalizePage(limit, offset)
	rows, err := r.store.conn(ctx).QueryContext(ctx,
		`SELECT `+entityColumns+` FROM journaled_entities
		 WHERE entity_kind = ?
		 ORDER BY created_at, entity_id
		 LIMIT ? OFFSET ?`,
		string(kind), limit, offset,
	)
	if err != nil {
		return nil, translateError(err, "listing entities")
	}
	defer rows.Close()

	entities := []domain.VersionedEntity{}
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, rows.Err()
}

func scanEntity(row rowScanner) (domain.VersionedEntity, error) {
	var (
		entity     domain.VersionedEntity
		kind       string
		id         string
		attributes string
		collected  string
		createdAt  string
		updatedAt  string
	)
	if err := row.Scan(&kind, &id, &attributes, &collected, &entity.Version, &createdAt, &updatedAt); err != nil {
		return domain.VersionedEntity{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return domain.VersionedEntity{}, fmt.Errorf("parsing entity id: %w", err)
	}
	entity.Ref = domain.NewEntityRef(domain.EntityKind(kind), parsed)
	if entity.Attributes, err = domain.DecodeAttributes([]byte(attributes)); err != nil {
		return domain.VersionedEntity{}, fmt.Errorf("decoding attributes: %w", err)
	}
	if entity.Collections, err = domain.DecodeCollections([]byte(collected)); err != nil {
		return domain.VersionedEntity{}, fmt.Errorf("decoding collections: %w", err)
	}
	if entity.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.VersionedEntity{}, err
	}
	if entity.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.VersionedEntity{}, err
	}
	return entity, nil
}

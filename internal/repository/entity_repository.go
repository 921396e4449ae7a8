package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/journaled/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entityColumns = `entity_kind, entity_id, attributes, collections, version, created_at, updated_at`

type entityRepository struct {
	pool *pgxpool.Pool
}

// NewEntityRepository wires an entity repository backed by pgxpool.
func NewEntityRepository(pool *pgxpool.Pool) EntityRepository {
	return &entityRepository{pool: pool}
}

func (r *entityRepository) GetByRef(ctx context.Context, ref domain.EntityRef) (domain.VersionedEntity, error) {
	row := pick(ctx, r.pool).QueryRow(
		ctx,
		`SELECT `+entityColumns+` FROM journaled_entities WHERE entity_kind = $1 AND entity_id = $2`,
		string(ref.Kind), ref.ID,
	)
	entity, err := scanEntity(row)
	if err != nil {
		return domain.VersionedEntity{}, translateError(err, fmt.Sprintf("get entity %s", ref))
	}
	return entity, nil
}

func (r *entityRepository) Save(ctx context.Context, entity domain.VersionedEntity) (domain.VersionedEntity, error) {
	attributes, err := entity.AttributesJSON()
	if err != nil {
		return domain.VersionedEntity{}, fmt.Errorf("failed to encode attributes: %w", err)
	}
	collections, err := entity.CollectionsJSON()
	if err != nil {
		return domain.VersionedEntity{}, fmt.Errorf("failed to encode collections: %w", err)
	}
	now := time.Now().UTC()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}

	row := pick(ctx, r.pool).QueryRow(
		ctx,
		`INSERT INTO journaled_entities (`+entityColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (entity_kind, entity_id) DO UPDATE SET
		   attributes = EXCLUDED.attributes,
		   collections = EXCLUDED.collections,
		   version = EXCLUDED.version,
		   updated_at = EXCLUDED.updated_at
		 RETURNING `+entityColumns,
		string(entity.Ref.Kind),
		entity.Ref.ID,
		[]byte(attributes),
		[]byte(collections),
		entity.Version,
		entity.CreatedAt,
		now,
	)
	saved, err := scanEntity(row)
	if err != nil {
		return domain.VersionedEntity{}, translateError(err, "save entity")
	}
	return saved, nil
}

func (r *entityRepository) ListByKind(ctx context.Context, kind domain.EntityKind, limit, offset int) ([]domain.VersionedEntity, error) {
	limit, offset = NormalizePage(limit, offset)
	rows, err := pick(ctx, r.pool).Query(
		ctx,
		`SELECT `+entityColumns+` FROM journaled_entities
		 WHERE entity_kind = $1
		 ORDER BY created_at, entity_id
		 LIMIT $2 OFFSET $3`,
		string(kind), limit, offset,
	)
	if err != nil {
		return nil, translateError(err, "list entities")
	}
	defer rows.Close()

	entities := []domain.VersionedEntity{}
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entities: %w", err)
	}
	return entities, nil
}

func scanEntity(row pgx.Row) (domain.VersionedEntity, error) {
	var (
		entity      domain.VersionedEntity
		kind        string
		attributes  []byte
		collections []byte
		createdAt   pgtype.Timestamptz
		updatedAt   pgtype.Timestamptz
	)
	if err := row.Scan(&kind, &entity.Ref.ID, &attributes, &collections, &entity.Version, &createdAt, &updatedAt); err != nil {
		return domain.VersionedEntity{}, err
	}
	entity.Ref.Kind = domain.EntityKind(kind)

	var err error
	if entity.Attributes, err = domain.DecodeAttributes(attributes); err != nil {
		return domain.VersionedEntity{}, fmt.Errorf("failed to decode attributes: %w", err)
	}
	if entity.Collections, err = domain.DecodeCollections(collections); err != nil {
		return domain.VersionedEntity{}, fmt.Errorf("failed to decode collections: %w", err)
	}
	if createdAt.Valid {
		entity.CreatedAt = createdAt.Time.UTC()
	}
	if updatedAt.Valid {
		entity.UpdatedAt = updatedAt.Time.UTC()
	}
	return entity, nil
}

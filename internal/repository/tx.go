package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpattn/journaled/internal/db"
	"github.com/rpattn/journaled/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

func withTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txFrom(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

func pick(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx, ok := txFrom(ctx); ok {
		return tx
	}
	return pool
}

// PostgresStore wires the pgx repositories behind one connection.
type PostgresStore struct {
	conn     *db.Connection
	journal  JournalRepository
	entities EntityRepository
}

// NewPostgresStore wires a Store backed by pgxpool.
func NewPostgresStore(conn *db.Connection) *PostgresStore {
	return &PostgresStore{
		conn:     conn,
		journal:  NewJournalRepository(conn.Pool),
		entities: NewEntityRepository(conn.Pool),
	}
}

func (s *PostgresStore) Journal() JournalRepository { return s.journal }
func (s *PostgresStore) Entities() EntityRepository { return s.entities }

// WithinTx runs fn in a transaction, joining one already carried by ctx.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFrom(ctx); ok {
		return fn(ctx)
	}
	return s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(withTx(ctx, tx))
	})
}

const uniqueViolation = "23505"

// translateError maps driver errors onto the domain sentinels.
func translateError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w: %s", op, domain.ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

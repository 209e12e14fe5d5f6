// Package pg implementa el Store sobre PostgreSQL usando pgxpool.
package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropDatabas3/keybridge/internal/store/core"
)

type Store struct {
	pool *pgxpool.Pool
}

// Config del adapter.
type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// Connect abre el pool, verifica conectividad y asegura el schema.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pg: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	} else {
		poolCfg.MaxConns = 10
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	} else {
		poolCfg.MinConns = 2
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pg: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Users() core.UserRepository               { return &userRepo{pool: s.pool} }
func (s *Store) Keys() core.APIKeyRepository              { return &keyRepo{pool: s.pool} }
func (s *Store) Integrations() core.IntegrationRepository { return &integrationRepo{pool: s.pool} }
func (s *Store) Ping(ctx context.Context) error           { return s.pool.Ping(ctx) }
func (s *Store) Close()                                   { s.pool.Close() }

// mapErr traduce errores de pgx a los sentinels del core.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		return core.ErrConflict
	}
	return err
}

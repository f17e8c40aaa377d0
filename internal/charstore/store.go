// Package charstore implements the persistent storage collaborator
// (§4.7, §1): resolving an authenticated account/character pair to a
// character slot, backed by PostgreSQL via pgx and migrated with goose —
// the same stack the teacher uses for its account store.
package charstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgx connection pool for character-slot persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and returns a Store handle.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("charstore: connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("charstore: pinging database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool returns the underlying pgx pool. RunMigrations does not use it; it
// opens its own database/sql connection from the DSN.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// ResolveCharacter implements loginsm.CharacterResolver: it looks up the
// slot already bound to (accountID, characterID), or assigns the next
// free slot and records it as newly created (§4.7 step 2).
func (s *Store) ResolveCharacter(accountID, characterID uint32) (slot uint32, isNew bool, err error) {
	ctx := context.Background()

	var existing uint32
	err = s.pool.QueryRow(ctx,
		`SELECT slot FROM character_slots WHERE account_id = $1 AND character_id = $2`,
		accountID, characterID,
	).Scan(&existing)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("charstore: querying character slot: %w", err)
	}

	var assigned uint32
	err = s.pool.QueryRow(ctx,
		`INSERT INTO character_slots (account_id, character_id, slot)
		 VALUES ($1, $2, nextval('character_slot_seq'))
		 RETURNING slot`,
		accountID, characterID,
	).Scan(&assigned)
	if err != nil {
		return 0, false, fmt.Errorf("charstore: assigning character slot: %w", err)
	}
	return assigned, true, nil
}

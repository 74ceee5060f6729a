// Package postgres provides the PostgreSQL implementation of kv.Store.
//
// Keys and values live in a single kv_entries table. Commit runs in one
// transaction: condition keys are locked (advisory lock plus
// SELECT ... FOR UPDATE) and compared before any write is applied, so
// concurrent committers serialize on the keys they condition on.
package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avdeenkov/remindrelay/internal/kv"
)

// Store implements kv.Store using PostgreSQL.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a new PostgreSQL-backed store.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(ctx, `SELECT value FROM kv_entries WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("get key: %w", err)
	}
	return value, nil
}

// Commit applies the batch in a single transaction.
func (s *Store) Commit(ctx context.Context, batch *kv.Batch) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// Lock condition keys in a stable order so two commits conditioning
	// on the same keys cannot deadlock.
	conditions := append([]kv.Condition(nil), batch.Conditions()...)
	sort.Slice(conditions, func(i, j int) bool {
		return bytes.Compare(conditions[i].Key, conditions[j].Key) < 0
	})

	for _, cond := range conditions {
		// FOR UPDATE cannot lock a row that does not exist yet, so an
		// absence condition needs a transaction-scoped advisory lock on
		// the key to serialize concurrent creators.
		_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended(encode($1, 'hex'), 0))`, cond.Key)
		if err != nil {
			return fmt.Errorf("lock condition key: %w", err)
		}

		var stored []byte
		err = tx.QueryRow(ctx, `SELECT value FROM kv_entries WHERE key = $1 FOR UPDATE`, cond.Key).Scan(&stored)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if cond.Value != nil {
				return kv.ErrConditionFailed
			}
		case err != nil:
			return fmt.Errorf("lock condition key: %w", err)
		default:
			if cond.Value == nil || !bytes.Equal(stored, cond.Value) {
				return kv.ErrConditionFailed
			}
		}
	}

	for _, entry := range batch.Puts() {
		_, err := tx.Exec(ctx, `
			INSERT INTO kv_entries (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
		`, entry.Key, entry.Value)
		if err != nil {
			return fmt.Errorf("put key: %w", err)
		}
	}

	for _, key := range batch.Deletes() {
		if _, err := tx.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
			return fmt.Errorf("delete key: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Scan returns entries in [start, end) in ascending key order.
func (s *Store) Scan(ctx context.Context, start, end []byte, limit int) ([]kv.Entry, error) {
	if start == nil {
		start = []byte{}
	}
	query := `SELECT key, value FROM kv_entries WHERE key >= $1`
	args := []any{start}
	if end != nil {
		query += ` AND key < $2`
		args = append(args, end)
	}
	query += ` ORDER BY key`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan range: %w", err)
	}
	defer rows.Close()

	entries := make([]kv.Entry, 0)
	for rows.Next() {
		var entry kv.Entry
		if err := rows.Scan(&entry.Key, &entry.Value); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan rows: %w", err)
	}
	return entries, nil
}

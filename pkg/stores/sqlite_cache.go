package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/flowgraph/pkg/cache"
	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// Put implements cache.Store. The entry and its outputs are replaced in
// one transaction.
func (s *SQLiteStore) Put(ctx context.Context, wf uuid.UUID, node workflow.NodeID, entry cache.Entry) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cache_outputs WHERE workflow_id = ? AND node_id = ?`,
		wf.String(), int64(node),
	); err != nil {
		return fmt.Errorf("failed to delete cache outputs: %w", err)
	}

	upsert := `
		INSERT INTO cache_entries (workflow_id, node_id, fingerprint, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (workflow_id, node_id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			updated_at = excluded.updated_at
	`
	// SQLite integers are signed; the fingerprint round-trips through int64.
	if _, err := tx.ExecContext(ctx, upsert,
		wf.String(), int64(node), int64(entry.Fingerprint), time.Now(),
	); err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}

	insert := `
		INSERT INTO cache_outputs (workflow_id, node_id, connector_id, type, value)
		VALUES (?, ?, ?, ?, ?)
	`
	for _, r := range entry.Outputs {
		value := r.Value
		if value == nil {
			value = []byte{}
		}
		if _, err := tx.ExecContext(ctx, insert,
			wf.String(), int64(node), int64(r.Connector), r.Type, value,
		); err != nil {
			return fmt.Errorf("failed to insert cache output %d: %w", r.Connector, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache entry: %w", err)
	}
	return nil
}

// Get implements cache.Store.
func (s *SQLiteStore) Get(ctx context.Context, wf uuid.UUID, node workflow.NodeID) (cache.Entry, error) {
	var fingerprint int64
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint FROM cache_entries WHERE workflow_id = ? AND node_id = ?`,
		wf.String(), int64(node),
	).Scan(&fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Entry{}, cache.ErrNotFound
	}
	if err != nil {
		return cache.Entry{}, fmt.Errorf("failed to get cache entry: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT connector_id, type, value
		FROM cache_outputs
		WHERE workflow_id = ? AND node_id = ?
		ORDER BY connector_id ASC
	`, wf.String(), int64(node))
	if err != nil {
		return cache.Entry{}, fmt.Errorf("failed to get cache outputs: %w", err)
	}
	defer rows.Close()

	entry := cache.Entry{Fingerprint: uint64(fingerprint)}
	for rows.Next() {
		var (
			connector int64
			r         cache.OutputRecord
		)
		if err := rows.Scan(&connector, &r.Type, &r.Value); err != nil {
			return cache.Entry{}, fmt.Errorf("failed to scan cache output: %w", err)
		}
		r.Connector = workflow.ConnectorID(connector)
		entry.Outputs = append(entry.Outputs, r)
	}
	if err := rows.Err(); err != nil {
		return cache.Entry{}, fmt.Errorf("error iterating cache outputs: %w", err)
	}

	return entry, nil
}

// Delete implements cache.Store.
func (s *SQLiteStore) Delete(ctx context.Context, wf uuid.UUID, node workflow.NodeID) error {
	return s.deleteEntries(ctx,
		`WHERE workflow_id = ? AND node_id = ?`, wf.String(), int64(node))
}

// Clear implements cache.Store.
func (s *SQLiteStore) Clear(ctx context.Context, wf uuid.UUID) error {
	return s.deleteEntries(ctx, `WHERE workflow_id = ?`, wf.String())
}

func (s *SQLiteStore) deleteEntries(ctx context.Context, where string, args ...any) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_outputs `+where, args...); err != nil {
		return fmt.Errorf("failed to delete cache outputs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries `+where, args...); err != nil {
		return fmt.Errorf("failed to delete cache entries: %w", err)
	}
	return tx.Commit()
}

// CacheEntries returns the number of cache entries of a workflow.
func (s *SQLiteStore) CacheEntries(ctx context.Context, wf uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE workflow_id = ?`, wf.String(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return count, nil
}

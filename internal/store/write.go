package store

import (
	"context"
	"fmt"

	"github.com/roach88/autowiki/internal/ir"
)

// Append inserts a change record, stamping CreatedAt with the store's
// insertion clock.
//
// Uses ON CONFLICT(hash) DO NOTHING for idempotency: a record already
// present, or already folded into a snapshot, returns ir.Duplicate.
// The record row and its dependency rows commit in one transaction.
func (s *Store) Append(ctx context.Context, rec ir.ChangeRecord) (ir.AppendOutcome, error) {
	if err := s.check(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append %s: begin tx: %w", rec.Hash, err)
	}
	defer tx.Rollback() // No-op if committed

	var folded int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM folded WHERE hash = ?`, rec.Hash).Scan(&folded)
	if err != nil {
		return 0, fmt.Errorf("append %s: check folded: %w", rec.Hash, err)
	}
	if folded > 0 {
		return ir.Duplicate, nil
	}

	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}
	result, err := tx.ExecContext(ctx, `
		INSERT INTO records (hash, document_id, payload, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, rec.Hash, rec.DocumentID, payload, int64(s.clock.Next()))
	if err != nil {
		return 0, fmt.Errorf("append %s: insert: %w", rec.Hash, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("append %s: rows affected: %w", rec.Hash, err)
	}
	if rowsAffected == 0 {
		return ir.Duplicate, nil
	}

	for _, dep := range ir.NormalizeHashes(append([]ir.ContentHash(nil), rec.Dependencies...)) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO record_deps (hash, dependency) VALUES (?, ?)
		`, rec.Hash, dep); err != nil {
			return 0, fmt.Errorf("append %s: insert dependency: %w", rec.Hash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append %s: commit: %w", rec.Hash, err)
	}
	s.unsynced.Add(1)
	return ir.Stored, nil
}

// PutSnapshot replaces the document's snapshot and records its folded
// hashes in one transaction. Folded hashes are only ever added.
func (s *Store) PutSnapshot(ctx context.Context, snap ir.Snapshot) error {
	if err := s.check(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put snapshot %s: begin tx: %w", snap.DocumentID, err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (document_id, state, covered_up_to)
		VALUES (?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			state = excluded.state,
			covered_up_to = excluded.covered_up_to
	`, snap.DocumentID, snap.State, int64(snap.CoveredUpTo))
	if err != nil {
		return fmt.Errorf("put snapshot %s: upsert: %w", snap.DocumentID, err)
	}

	for _, h := range snap.Folded {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO folded (hash, document_id) VALUES (?, ?)
			ON CONFLICT(hash) DO NOTHING
		`, h, snap.DocumentID); err != nil {
			return fmt.Errorf("put snapshot %s: fold %s: %w", snap.DocumentID, h, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put snapshot %s: commit: %w", snap.DocumentID, err)
	}

	// The snapshot must survive a crash before any folded record is deleted.
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(FULL)"); err != nil {
		return fmt.Errorf("put snapshot %s: checkpoint: %w", snap.DocumentID, err)
	}
	return nil
}

// DeleteFolded removes the document's records stamped at or before
// coveredUpTo whose hashes are folded into its snapshot. Pending records
// are never folded, so they survive. Returns the number of deleted records.
func (s *Store) DeleteFolded(ctx context.Context, doc ir.DocumentID, coveredUpTo ir.Timestamp) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM records
		WHERE document_id = ?
		  AND created_at <= ?
		  AND hash IN (SELECT hash FROM folded WHERE document_id = ?)
	`, doc, int64(coveredUpTo), doc)
	if err != nil {
		return 0, fmt.Errorf("delete folded %s: %w", doc, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete folded %s: rows affected: %w", doc, err)
	}
	if n > 0 {
		s.unsynced.Add(1)
	}
	return int(n), nil
}

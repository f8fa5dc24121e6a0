package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/autowiki/internal/ir"
)

// RecordsFor returns the document's unfolded records whose dependencies
// are all visible. Results are ordered by created_at, then hash.
//
// Returns an empty slice (not nil) if the document has no visible records.
func (s *Store) RecordsFor(ctx context.Context, doc ir.DocumentID) ([]ir.ChangeRecord, error) {
	recs, err := s.Unfolded(ctx, doc)
	if err != nil {
		return nil, err
	}
	folded, err := s.foldedSet(ctx, doc)
	if err != nil {
		return nil, err
	}
	visible, _ := ir.SplitVisible(recs, folded)
	if visible == nil {
		visible = []ir.ChangeRecord{}
	}
	return visible, nil
}

// AllRecords returns the visible records of every document.
func (s *Store) AllRecords(ctx context.Context) ([]ir.ChangeRecord, error) {
	docs, err := s.Documents(ctx)
	if err != nil {
		return nil, err
	}
	out := []ir.ChangeRecord{}
	for _, d := range docs {
		recs, err := s.RecordsFor(ctx, d)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// Unfolded returns every stored record of the document not yet folded into
// its snapshot, including pending records.
func (s *Store) Unfolded(ctx context.Context, doc ir.DocumentID) ([]ir.ChangeRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	// Deterministic ordering - ORDER BY created_at ASC, hash COLLATE BINARY ASC
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.hash, r.document_id, r.payload, r.created_at, d.dependency
		FROM records r
		LEFT JOIN record_deps d ON d.hash = r.hash
		WHERE r.document_id = ?
		  AND r.hash NOT IN (SELECT hash FROM folded WHERE document_id = ?)
		ORDER BY r.created_at ASC, r.hash COLLATE BINARY ASC, d.dependency COLLATE BINARY ASC
	`, doc, doc)
	if err != nil {
		return nil, fmt.Errorf("query records %s: %w", doc, err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("query records %s: %w", doc, err)
	}
	return recs, nil
}

// scanRecords groups joined record/dependency rows into records.
func scanRecords(rows *sql.Rows) ([]ir.ChangeRecord, error) {
	recs := []ir.ChangeRecord{}
	for rows.Next() {
		var (
			rec     ir.ChangeRecord
			created int64
			dep     sql.NullString
		)
		if err := rows.Scan(&rec.Hash, &rec.DocumentID, &rec.Payload, &created, &dep); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.CreatedAt = ir.Timestamp(created)

		if n := len(recs); n > 0 && recs[n-1].Hash == rec.Hash {
			if dep.Valid {
				recs[n-1].Dependencies = append(recs[n-1].Dependencies, ir.ContentHash(dep.String))
			}
			continue
		}
		rec.Dependencies = []ir.ContentHash{}
		if dep.Valid {
			rec.Dependencies = append(rec.Dependencies, ir.ContentHash(dep.String))
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return recs, nil
}

// Has reports whether a record is stored or folded into a snapshot.
func (s *Store) Has(ctx context.Context, h ir.ContentHash) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM records WHERE hash = ?)
		     + (SELECT COUNT(*) FROM folded WHERE hash = ?)
	`, h, h).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("has %s: %w", h, err)
	}
	return count > 0, nil
}

// Documents returns the ids of all documents with records or a snapshot.
func (s *Store) Documents(ctx context.Context) ([]ir.DocumentID, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id FROM records
		UNION
		SELECT document_id FROM snapshots
		ORDER BY 1 COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := []ir.DocumentID{}
	for rows.Next() {
		var d ir.DocumentID
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// Snapshot returns the document's snapshot, if any. Folded hashes are
// sorted.
func (s *Store) Snapshot(ctx context.Context, doc ir.DocumentID) (ir.Snapshot, bool, error) {
	if err := s.check(); err != nil {
		return ir.Snapshot{}, false, err
	}

	snap := ir.Snapshot{DocumentID: doc}
	var covered int64
	err := s.db.QueryRowContext(ctx, `
		SELECT state, covered_up_to FROM snapshots WHERE document_id = ?
	`, doc).Scan(&snap.State, &covered)
	if err == sql.ErrNoRows {
		return ir.Snapshot{}, false, nil
	}
	if err != nil {
		return ir.Snapshot{}, false, fmt.Errorf("query snapshot %s: %w", doc, err)
	}
	snap.CoveredUpTo = ir.Timestamp(covered)

	folded, err := s.foldedSet(ctx, doc)
	if err != nil {
		return ir.Snapshot{}, false, err
	}
	snap.Folded = make([]ir.ContentHash, 0, len(folded))
	for h := range folded {
		snap.Folded = append(snap.Folded, h)
	}
	snap.Folded = ir.NormalizeHashes(snap.Folded)
	return snap, true, nil
}

func (s *Store) foldedSet(ctx context.Context, doc ir.DocumentID) (map[ir.ContentHash]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash FROM folded WHERE document_id = ?`, doc)
	if err != nil {
		return nil, fmt.Errorf("query folded %s: %w", doc, err)
	}
	defer rows.Close()

	set := make(map[ir.ContentHash]bool)
	for rows.Next() {
		var h ir.ContentHash
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan folded: %w", err)
		}
		set[h] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate folded: %w", err)
	}
	return set, nil
}

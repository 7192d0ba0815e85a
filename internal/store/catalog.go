package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ManifestRecord is a cataloged database manifest.
type ManifestRecord struct {
	Hash  string
	Name  string
	Type  string
	Block []byte
}

// EntryRecord places one entry hash in a log.
type EntryRecord struct {
	Hash  string
	Clock int64
	Seq   int64
}

// Rejection remembers an entry that failed validation.
type Rejection struct {
	Hash   string
	Code   string
	Reason string
}

// WriteManifest records a manifest. Re-recording the same hash is a no-op.
func (s *Store) WriteManifest(ctx context.Context, m ManifestRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO manifests (hash, name, type, block, seq)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM manifests))
		ON CONFLICT(hash) DO NOTHING
	`, m.Hash, m.Name, m.Type, m.Block)
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest returns the manifest with the given hash or ErrNotFound.
func (s *Store) ReadManifest(ctx context.Context, hash string) (ManifestRecord, error) {
	var m ManifestRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT hash, name, type, block FROM manifests WHERE hash = ?
	`, hash).Scan(&m.Hash, &m.Name, &m.Type, &m.Block)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	return m, nil
}

// FindManifests returns manifests with the given local name, newest first.
func (s *Store) FindManifests(ctx context.Context, name string) ([]ManifestRecord, error) {
	return s.queryManifests(ctx, `
		SELECT hash, name, type, block FROM manifests
		WHERE name = ?
		ORDER BY seq DESC, hash COLLATE BINARY ASC
	`, name)
}

// ListManifests returns every cataloged manifest in the order it was recorded.
func (s *Store) ListManifests(ctx context.Context) ([]ManifestRecord, error) {
	return s.queryManifests(ctx, `
		SELECT hash, name, type, block FROM manifests
		ORDER BY seq ASC, hash COLLATE BINARY ASC
	`)
}

func (s *Store) queryManifests(ctx context.Context, query string, args ...any) ([]ManifestRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query manifests: %w", err)
	}
	defer rows.Close()

	out := []ManifestRecord{}
	for rows.Next() {
		var m ManifestRecord
		if err := rows.Scan(&m.Hash, &m.Name, &m.Type, &m.Block); err != nil {
			return nil, fmt.Errorf("scan manifest: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate manifests: %w", err)
	}
	return out, nil
}

// CommitEntry records an accepted entry and replaces the log's heads in one
// transaction, so the persisted heads always describe the persisted entries.
func (s *Store) CommitEntry(ctx context.Context, logID string, rec EntryRecord, heads []string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entries (log_id, hash, clock) VALUES (?, ?, ?)
			ON CONFLICT(log_id, hash) DO NOTHING
		`, logID, rec.Hash, rec.Clock); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM heads WHERE log_id = ?`, logID); err != nil {
			return fmt.Errorf("clear heads: %w", err)
		}
		for _, h := range heads {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO heads (log_id, hash) VALUES (?, ?)
				ON CONFLICT DO NOTHING
			`, logID, h); err != nil {
				return fmt.Errorf("insert head: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit entry %s: %w", rec.Hash, err)
	}
	return nil
}

// ReadEntries returns the entries of a log in arrival order.
func (s *Store) ReadEntries(ctx context.Context, logID string) ([]EntryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, clock, seq FROM entries
		WHERE log_id = ?
		ORDER BY seq ASC, hash COLLATE BINARY ASC
	`, logID)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	out := []EntryRecord{}
	for rows.Next() {
		var rec EntryRecord
		if err := rows.Scan(&rec.Hash, &rec.Clock, &rec.Seq); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

// ReadHeads returns the persisted heads of a log, sorted by hash.
func (s *Store) ReadHeads(ctx context.Context, logID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash FROM heads WHERE log_id = ? ORDER BY hash COLLATE BINARY ASC
	`, logID)
	if err != nil {
		return nil, fmt.Errorf("query heads: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan head: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate heads: %w", err)
	}
	return out, nil
}

// RecordRejection remembers a rejected entry. The first reason wins.
func (s *Store) RecordRejection(ctx context.Context, logID string, r Rejection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rejections (log_id, hash, code, reason) VALUES (?, ?, ?, ?)
		ON CONFLICT(log_id, hash) DO NOTHING
	`, logID, r.Hash, r.Code, r.Reason)
	if err != nil {
		return fmt.Errorf("record rejection: %w", err)
	}
	return nil
}

// ReadRejections returns the rejected entries of a log in the order they were refused.
func (s *Store) ReadRejections(ctx context.Context, logID string) ([]Rejection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, code, reason FROM rejections
		WHERE log_id = ?
		ORDER BY seq ASC, hash COLLATE BINARY ASC
	`, logID)
	if err != nil {
		return nil, fmt.Errorf("query rejections: %w", err)
	}
	defer rows.Close()

	out := []Rejection{}
	for rows.Next() {
		var r Rejection
		if err := rows.Scan(&r.Hash, &r.Code, &r.Reason); err != nil {
			return nil, fmt.Errorf("scan rejection: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rejections: %w", err)
	}
	return out, nil
}

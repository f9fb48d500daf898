package blockstore

import (
	"context"
	"database/sql"

	"github.com/mootikins/crucible/internal/domain"
)

// SetOwner records that a note currently points at a root and a raw content
// hash. When the note's previous root loses its last owner, that tree's hash
// list is dropped so GC can reclaim its blocks.
func (s *Store) SetOwner(ctx context.Context, notePath string, root, contentHash domain.Hash) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: "set_owner", Reason: "begin failed", Transient: true, Err: err}
	}
	defer tx.Rollback()

	var previous string
	err = tx.QueryRowContext(ctx, `SELECT root_hash FROM tree_owners WHERE note_path = ?`, notePath).Scan(&previous)
	if err != nil && err != sql.ErrNoRows {
		return &domain.StorageError{Op: "set_owner", Reason: "query failed", Transient: true, Err: err}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tree_owners (note_path, root_hash, content_hash) VALUES (?, ?, ?)
		ON CONFLICT(note_path) DO UPDATE SET root_hash = excluded.root_hash, content_hash = excluded.content_hash
	`, notePath, root.String(), contentHash.String()); err != nil {
		return &domain.StorageError{Op: "set_owner", Reason: "upsert failed", Transient: true, Err: err}
	}

	if previous != "" && previous != root.String() {
		if err := dropOrphanTreeTx(ctx, tx, previous); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return &domain.StorageError{Op: "set_owner", Reason: "commit failed", Transient: true, Err: err}
	}
	return nil
}

// Owner returns the root a note points at, or the zero hash.
func (s *Store) Owner(ctx context.Context, notePath string) (domain.Hash, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT root_hash FROM tree_owners WHERE note_path = ?`, notePath).Scan(&raw)
	if err == sql.ErrNoRows {
		return domain.Hash{}, nil
	}
	if err != nil {
		return domain.Hash{}, &domain.StorageError{Op: "owner", Reason: "query failed", Transient: true, Err: err}
	}
	return domain.ParseHash(raw)
}

// RemoveOwner detaches a note from its root, dropping the tree when the note
// was its last owner.
func (s *Store) RemoveOwner(ctx context.Context, notePath string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: "remove_owner", Reason: "begin failed", Transient: true, Err: err}
	}
	defer tx.Rollback()

	var root string
	err = tx.QueryRowContext(ctx, `SELECT root_hash FROM tree_owners WHERE note_path = ?`, notePath).Scan(&root)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return &domain.StorageError{Op: "remove_owner", Reason: "query failed", Transient: true, Err: err}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tree_owners WHERE note_path = ?`, notePath); err != nil {
		return &domain.StorageError{Op: "remove_owner", Reason: "delete failed", Transient: true, Err: err}
	}

	if err := dropOrphanTreeTx(ctx, tx, root); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &domain.StorageError{Op: "remove_owner", Reason: "commit failed", Transient: true, Err: err}
	}
	return nil
}

// dropOrphanTreeTx removes a tree's hash list once no note owns it.
func dropOrphanTreeTx(ctx context.Context, tx *sql.Tx, root string) error {
	var owners int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tree_owners WHERE root_hash = ?`, root).Scan(&owners); err != nil {
		return &domain.StorageError{Op: "drop_tree", Reason: "owner count failed", Transient: true, Err: err}
	}
	if owners > 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM trees WHERE root_hash = ?`, root); err != nil {
		return &domain.StorageError{Op: "drop_tree", Reason: "delete failed", Transient: true, Err: err}
	}
	return nil
}

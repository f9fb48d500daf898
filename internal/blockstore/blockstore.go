// Package blockstore provides content-addressed storage of parsed blocks and
// of the ordered block-hash lists (trees) that notes reference. Blocks are
// keyed by their deterministic hash, so storing the same block twice is a
// no-op and two peers storing the same content converge on identical rows.
package blockstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mootikins/crucible/internal/domain"
)

// Store is the content-addressed block store over the shared database.
type Store struct {
	db *sql.DB
}

// Stats summarizes store contents.
type Stats struct {
	BlockCount int   `json:"blockCount"`
	TreeCount  int   `json:"treeCount"`
	TotalBytes int64 `json:"totalBytes"`
}

// New creates a Store. The database must already be migrated.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// PutBlock stores a block keyed by its hash. Idempotent: storing an
// already-present hash is a no-op and returns success.
func (s *Store) PutBlock(ctx context.Context, block *domain.Block) (domain.Hash, error) {
	if block.Hash.IsZero() {
		return domain.Hash{}, &domain.StorageError{Op: "put_block", Reason: "block has no hash"}
	}

	metadata, err := json.Marshal(block.Metadata)
	if err != nil {
		return domain.Hash{}, &domain.StorageError{Op: "put_block", Reason: "failed to serialize metadata", Err: err}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO blocks (hash, type, content, metadata, start_offset, end_offset, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, block.Hash.String(), string(block.Type), block.Content, string(metadata), block.Start, block.End, time.Now())
	if err != nil {
		return domain.Hash{}, &domain.StorageError{Op: "put_block", Reason: "insert failed", Transient: true, Err: err}
	}

	return block.Hash, nil
}

// GetBlock retrieves a block by hash. Returns nil when absent.
func (s *Store) GetBlock(ctx context.Context, h domain.Hash) (*domain.Block, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT type, content, metadata, start_offset, end_offset FROM blocks WHERE hash = ?
	`, h.String())

	var (
		blockType string
		content   string
		metadata  string
		start     int
		end       int
	)
	err := row.Scan(&blockType, &content, &metadata, &start, &end)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "get_block", Reason: "query failed", Transient: true, Err: err}
	}

	block := &domain.Block{
		Type:    domain.BlockType(blockType),
		Content: content,
		Start:   start,
		End:     end,
		Hash:    h,
	}
	if err := json.Unmarshal([]byte(metadata), &block.Metadata); err != nil {
		return nil, &domain.StorageError{Op: "get_block", Reason: "corrupt metadata", Err: err}
	}
	if block.Metadata == nil {
		block.Metadata = map[string]any{}
	}

	return block, nil
}

// Exists reports whether a block hash is present.
func (s *Store) Exists(ctx context.Context, h domain.Hash) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM blocks WHERE hash = ?`, h.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, &domain.StorageError{Op: "exists", Reason: "query failed", Transient: true, Err: err}
	}
	return true, nil
}

// PutTree persists the ordered block-hash list for a Merkle root, replacing
// any previous list stored under the same root. Every referenced block must
// already be present; a dangling reference is a fatal consistency error.
func (s *Store) PutTree(ctx context.Context, root domain.Hash, hashes []domain.Hash) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: "put_tree", Reason: "begin failed", Transient: true, Err: err}
	}
	defer tx.Rollback()

	for _, h := range hashes {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM blocks WHERE hash = ?`, h.String()).Scan(&one)
		if err == sql.ErrNoRows {
			return &domain.StorageError{Op: "put_tree", Reason: fmt.Sprintf("tree references missing block %s", h)}
		}
		if err != nil {
			return &domain.StorageError{Op: "put_tree", Reason: "existence check failed", Transient: true, Err: err}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM trees WHERE root_hash = ?`, root.String()); err != nil {
		return &domain.StorageError{Op: "put_tree", Reason: "delete failed", Transient: true, Err: err}
	}

	for i, h := range hashes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trees (root_hash, position, block_hash) VALUES (?, ?, ?)
		`, root.String(), i, h.String()); err != nil {
			return &domain.StorageError{Op: "put_tree", Reason: "insert failed", Transient: true, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &domain.StorageError{Op: "put_tree", Reason: "commit failed", Transient: true, Err: err}
	}
	return nil
}

// GetTree returns the ordered block hashes stored under a root, or nil when
// the root is unknown.
func (s *Store) GetTree(ctx context.Context, root domain.Hash) ([]domain.Hash, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT block_hash FROM trees WHERE root_hash = ? ORDER BY position
	`, root.String())
	if err != nil {
		return nil, &domain.StorageError{Op: "get_tree", Reason: "query failed", Transient: true, Err: err}
	}
	defer rows.Close()

	var hashes []domain.Hash
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, &domain.StorageError{Op: "get_tree", Reason: "scan failed", Err: err}
		}
		h, err := domain.ParseHash(raw)
		if err != nil {
			return nil, &domain.StorageError{Op: "get_tree", Reason: "corrupt hash", Err: err}
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "get_tree", Reason: "iteration failed", Transient: true, Err: err}
	}

	return hashes, nil
}

// DeleteTree removes the hash list stored under a root. Blocks stay until GC.
func (s *Store) DeleteTree(ctx context.Context, root domain.Hash) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM trees WHERE root_hash = ?`, root.String()); err != nil {
		return &domain.StorageError{Op: "delete_tree", Reason: "delete failed", Transient: true, Err: err}
	}
	return nil
}

// GC deletes blocks whose hashes appear in no persisted tree and back no
// note's raw content. Safe to run concurrently with reads; a referenced
// block is never removed. Returns the number of blocks collected.
func (s *Store) GC(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM blocks
		WHERE hash NOT IN (SELECT DISTINCT block_hash FROM trees)
		  AND hash NOT IN (SELECT content_hash FROM tree_owners)
	`)
	if err != nil {
		return 0, &domain.StorageError{Op: "gc", Reason: "delete failed", Transient: true, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

// Stats reports block and tree counts plus total stored content bytes.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(LENGTH(content)), 0) FROM blocks
	`).Scan(&stats.BlockCount, &stats.TotalBytes)
	if err != nil {
		return Stats{}, &domain.StorageError{Op: "stats", Reason: "query failed", Transient: true, Err: err}
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT root_hash) FROM trees`).Scan(&stats.TreeCount)
	if err != nil {
		return Stats{}, &domain.StorageError{Op: "stats", Reason: "query failed", Transient: true, Err: err}
	}

	return stats, nil
}

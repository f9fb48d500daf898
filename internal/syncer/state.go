package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mootikins/crucible/internal/domain"
)

// State persists per-note vector clocks, the local peer identity, and known
// peers in the private database. Nothing here ever touches user files.
type State struct {
	db *sql.DB
}

// NewState creates a State. The database must already be migrated.
func NewState(db *sql.DB) *State {
	return &State{db: db}
}

// PeerID returns the stable identity of this kiln, generating one on first
// use.
func (s *State) PeerID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = 'peer_id'`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", &domain.StorageError{Op: "peer_id", Reason: "query failed", Transient: true, Err: err}
	}

	id = uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES ('peer_id', ?)
		ON CONFLICT(key) DO NOTHING
	`, id); err != nil {
		return "", &domain.StorageError{Op: "peer_id", Reason: "insert failed", Transient: true, Err: err}
	}
	// Re-read in case a concurrent writer won the insert.
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = 'peer_id'`).Scan(&id); err != nil {
		return "", &domain.StorageError{Op: "peer_id", Reason: "query failed", Transient: true, Err: err}
	}
	return id, nil
}

// Clock returns the stored clock for a path, empty when unknown.
func (s *State) Clock(ctx context.Context, path string) (VectorClock, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT clock FROM sync_clocks WHERE path = ?`, path).Scan(&raw)
	if err == sql.ErrNoRows {
		return VectorClock{}, nil
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "clock", Reason: "query failed", Transient: true, Err: err}
	}

	clock := VectorClock{}
	if err := json.Unmarshal([]byte(raw), &clock); err != nil {
		return nil, &domain.StorageError{Op: "clock", Reason: "corrupt clock", Err: err}
	}
	return clock, nil
}

// SetClock stores a clock and the content hash it was applied with, clearing
// any deletion tombstone.
func (s *State) SetClock(ctx context.Context, path string, clock VectorClock, appliedHash domain.Hash) error {
	return s.setClock(ctx, path, clock, appliedHash.String(), false, time.Now())
}

func (s *State) setClock(ctx context.Context, path string, clock VectorClock, appliedHash string, deleted bool, modifiedAt time.Time) error {
	raw, err := json.Marshal(clock)
	if err != nil {
		return &domain.StorageError{Op: "set_clock", Reason: "encoding failed", Err: err}
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_clocks (path, clock, applied_hash, deleted, modified_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			clock = excluded.clock,
			applied_hash = excluded.applied_hash,
			deleted = excluded.deleted,
			modified_at = excluded.modified_at
	`, path, string(raw), appliedHash, deleted, modifiedAt); err != nil {
		return &domain.StorageError{Op: "set_clock", Reason: "upsert failed", Transient: true, Err: err}
	}
	return nil
}

// Tombstone is a deleted note remembered for sync.
type Tombstone struct {
	Path      string
	Clock     VectorClock
	DeletedAt time.Time
}

// MarkDeleted records a local deletion: the clock bumps and the path turns
// into a tombstone the next inventory advertises.
func (s *State) MarkDeleted(ctx context.Context, path string) error {
	peer, err := s.PeerID(ctx)
	if err != nil {
		return err
	}
	clock, err := s.Clock(ctx, path)
	if err != nil {
		return err
	}
	clock.Bump(peer)
	return s.setClock(ctx, path, clock, "", true, time.Now())
}

// IsTombstoned reports whether a path is currently marked deleted.
func (s *State) IsTombstoned(ctx context.Context, path string) (bool, error) {
	var deleted bool
	err := s.db.QueryRowContext(ctx, `SELECT deleted FROM sync_clocks WHERE path = ?`, path).Scan(&deleted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, &domain.StorageError{Op: "is_tombstoned", Reason: "query failed", Transient: true, Err: err}
	}
	return deleted, nil
}

// Tombstones lists deleted paths with their clocks.
func (s *State) Tombstones(ctx context.Context) ([]Tombstone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, clock, modified_at FROM sync_clocks WHERE deleted = 1 ORDER BY path
	`)
	if err != nil {
		return nil, &domain.StorageError{Op: "tombstones", Reason: "query failed", Transient: true, Err: err}
	}
	defer rows.Close()

	var out []Tombstone
	for rows.Next() {
		var (
			t   Tombstone
			raw string
			at  sql.NullTime
		)
		if err := rows.Scan(&t.Path, &raw, &at); err != nil {
			return nil, &domain.StorageError{Op: "tombstones", Reason: "scan failed", Err: err}
		}
		t.Clock = VectorClock{}
		if err := json.Unmarshal([]byte(raw), &t.Clock); err != nil {
			return nil, &domain.StorageError{Op: "tombstones", Reason: "corrupt clock", Err: err}
		}
		if at.Valid {
			t.DeletedAt = at.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AppliedHash returns the content hash last written by sync for a path.
// Used to tell a sync echo apart from a genuine local edit.
func (s *State) AppliedHash(ctx context.Context, path string) (string, error) {
	var h string
	err := s.db.QueryRowContext(ctx, `SELECT applied_hash FROM sync_clocks WHERE path = ?`, path).Scan(&h)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", &domain.StorageError{Op: "applied_hash", Reason: "query failed", Transient: true, Err: err}
	}
	return h, nil
}

// BumpLocal increments this peer's counter for a path after a local edit.
func (s *State) BumpLocal(ctx context.Context, path string, contentHash domain.Hash) error {
	peer, err := s.PeerID(ctx)
	if err != nil {
		return err
	}

	clock, err := s.Clock(ctx, path)
	if err != nil {
		return err
	}
	clock.Bump(peer)
	return s.SetClock(ctx, path, clock, contentHash)
}

// DeleteClock forgets a path, after its note is deleted.
func (s *State) DeleteClock(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_clocks WHERE path = ?`, path); err != nil {
		return &domain.StorageError{Op: "delete_clock", Reason: "delete failed", Transient: true, Err: err}
	}
	return nil
}

// RecordPeer remembers a peer and its last successful sync time.
func (s *State) RecordPeer(ctx context.Context, id, url string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_peers (id, url, last_sync) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET url = excluded.url, last_sync = excluded.last_sync
	`, id, url, time.Now()); err != nil {
		return &domain.StorageError{Op: "record_peer", Reason: "upsert failed", Transient: true, Err: err}
	}
	return nil
}

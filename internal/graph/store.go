// Package graph persists notes, tags, and typed edges (wikilink,
// tagged_with) in the shared database and exposes the query primitives the
// query engine composes. All mutating operations are transactional: a failed
// upsert leaves no partial edges or counts behind.
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/mootikins/crucible/internal/domain"
)

// Store is the graph store over the shared database.
type Store struct {
	db *sql.DB

	// caseSensitive controls wikilink name matching.
	caseSensitive bool
}

// Option configures a Store.
type Option func(*Store)

// WithCaseSensitiveNames disables case folding during wikilink resolution.
func WithCaseSensitiveNames() Option {
	return func(s *Store) { s.caseSensitive = true }
}

// New creates a Store. The database must already be migrated.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// noteName derives the resolution name of a note path: the base name without
// the .md extension, case-folded unless configured otherwise.
func (s *Store) noteName(p string) string {
	name := strings.TrimSuffix(path.Base(p), ".md")
	if !s.caseSensitive {
		name = strings.ToLower(name)
	}
	return name
}

// UpsertNote writes or updates a note and replaces its outgoing wikilink and
// tagged_with edges in a single transaction. The note's row version bumps
// only when the content hash actually changed, so repeated identical upserts
// are observably idempotent.
func (s *Store) UpsertNote(ctx context.Context, note *domain.Note, links []domain.Wikilink) error {
	frontmatter, err := json.Marshal(note.Frontmatter)
	if err != nil {
		return &domain.StorageError{Op: "upsert_note", Reason: "failed to serialize frontmatter", Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: "upsert_note", Reason: "begin failed", Transient: true, Err: err}
	}
	defer tx.Rollback()

	indexedAt := note.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO notes (path, name, title, content, frontmatter, modified_at, indexed_at, merkle_root, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			frontmatter = excluded.frontmatter,
			modified_at = excluded.modified_at,
			indexed_at = excluded.indexed_at,
			merkle_root = excluded.merkle_root,
			content_hash = excluded.content_hash,
			row_version = row_version + (excluded.content_hash != notes.content_hash)
	`, note.Path, s.noteName(note.Path), note.Title, note.Content, string(frontmatter),
		note.ModifiedAt, indexedAt, note.MerkleRoot.String(), note.ContentHash.String()); err != nil {
		return &domain.StorageError{Op: "upsert_note", Reason: "note write failed", Transient: true, Err: err}
	}

	if err := s.setWikilinksTx(ctx, tx, note.Path, links); err != nil {
		return err
	}

	if err := s.setTagsTx(ctx, tx, note.Path, note.Tags); err != nil {
		return err
	}

	// Resolve older dangling links that were waiting for this note to appear.
	if err := s.adoptDanglingLinksTx(ctx, tx, note.Path); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &domain.StorageError{Op: "upsert_note", Reason: "commit failed", Transient: true, Err: err}
	}
	return nil
}

// GetNoteByPath retrieves a note by its kiln-relative path.
// Returns nil when absent.
func (s *Store) GetNoteByPath(ctx context.Context, notePath string) (*domain.Note, error) {
	return s.scanNote(s.db.QueryRowContext(ctx, `
		SELECT path, title, content, frontmatter, modified_at, indexed_at, merkle_root, content_hash
		FROM notes WHERE path = ?
	`, notePath))
}

// GetNoteByName retrieves a note by its resolution name. When several notes
// share the name, an ErrAmbiguousTarget lists the candidates.
func (s *Store) GetNoteByName(ctx context.Context, name string) (*domain.Note, error) {
	if !s.caseSensitive {
		name = strings.ToLower(strings.TrimSuffix(name, ".md"))
	} else {
		name = strings.TrimSuffix(name, ".md")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT path FROM notes WHERE name = ? ORDER BY path`, name)
	if err != nil {
		return nil, &domain.StorageError{Op: "get_note_by_name", Reason: "query failed", Transient: true, Err: err}
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, &domain.StorageError{Op: "get_note_by_name", Reason: "scan failed", Err: err}
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "get_note_by_name", Reason: "iteration failed", Transient: true, Err: err}
	}

	switch len(paths) {
	case 0:
		return nil, nil
	case 1:
		return s.GetNoteByPath(ctx, paths[0])
	default:
		return nil, &domain.ErrAmbiguousTarget{Target: name, Candidates: paths}
	}
}

// DeleteNote removes the note and all its outgoing edges, decrementing tag
// usage counts. Incoming edges stay behind as broken links until their source
// notes are re-indexed or deleted.
func (s *Store) DeleteNote(ctx context.Context, notePath string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: "delete_note", Reason: "begin failed", Transient: true, Err: err}
	}
	defer tx.Rollback()

	tags, err := noteTagsTx(ctx, tx, notePath)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE path = ?`, notePath)
	if err != nil {
		return &domain.StorageError{Op: "delete_note", Reason: "delete failed", Transient: true, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.ErrNotFound{Resource: "note", ID: notePath}
	}

	// Outgoing links and note_tags rows cascade with the note row; the tag
	// counters are maintained here.
	if err := s.decrementTagsTx(ctx, tx, tags); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &domain.StorageError{Op: "delete_note", Reason: "commit failed", Transient: true, Err: err}
	}
	return nil
}

// ListNotes returns summaries for notes under a folder. An empty folder lists
// the whole kiln; recursive extends the listing into subfolders.
func (s *Store) ListNotes(ctx context.Context, folder string, recursive bool) ([]domain.NoteSummary, error) {
	query := `SELECT path, title, merkle_root, modified_at FROM notes ORDER BY path`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &domain.StorageError{Op: "list_notes", Reason: "query failed", Transient: true, Err: err}
	}
	defer rows.Close()

	folder = strings.Trim(folder, "/")
	summaries := []domain.NoteSummary{}
	for rows.Next() {
		var (
			summary domain.NoteSummary
			root    string
		)
		if err := rows.Scan(&summary.Path, &summary.Title, &root, &summary.ModifiedAt); err != nil {
			return nil, &domain.StorageError{Op: "list_notes", Reason: "scan failed", Err: err}
		}

		if !inFolder(summary.Path, folder, recursive) {
			continue
		}

		if h, err := domain.ParseHash(root); err == nil {
			summary.MerkleRoot = h
		}
		summary.Tags, err = s.tagsForNote(ctx, summary.Path)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "list_notes", Reason: "iteration failed", Transient: true, Err: err}
	}

	return summaries, nil
}

// inFolder reports whether a path sits inside folder, optionally recursively.
func inFolder(notePath, folder string, recursive bool) bool {
	dir := strings.Trim(path.Dir(notePath), "/")
	if dir == "." {
		dir = ""
	}
	if folder == "" {
		return recursive || dir == ""
	}
	if dir == folder {
		return true
	}
	return recursive && strings.HasPrefix(dir, folder+"/")
}

// scanNote reads a full note row.
func (s *Store) scanNote(row *sql.Row) (*domain.Note, error) {
	var (
		note        domain.Note
		frontmatter string
		root        string
		contentHash string
	)
	err := row.Scan(&note.Path, &note.Title, &note.Content, &frontmatter,
		&note.ModifiedAt, &note.IndexedAt, &root, &contentHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "get_note", Reason: "scan failed", Transient: true, Err: err}
	}

	if err := json.Unmarshal([]byte(frontmatter), &note.Frontmatter); err != nil {
		return nil, &domain.StorageError{Op: "get_note", Reason: "corrupt frontmatter", Err: err}
	}
	if note.Frontmatter == nil {
		note.Frontmatter = map[string]any{}
	}
	if h, err := domain.ParseHash(root); err == nil {
		note.MerkleRoot = h
	}
	if h, err := domain.ParseHash(contentHash); err == nil {
		note.ContentHash = h
	}

	ctx := context.Background()
	tags, err := s.tagsForNote(ctx, note.Path)
	if err != nil {
		return nil, err
	}
	note.Tags = tags

	return &note, nil
}

// AllPaths lists every note path in the kiln, sorted.
func (s *Store) AllPaths(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM notes ORDER BY path`)
	if err != nil {
		return nil, &domain.StorageError{Op: "all_paths", Reason: "query failed", Transient: true, Err: err}
	}
	defer rows.Close()

	paths := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, &domain.StorageError{Op: "all_paths", Reason: "scan failed", Err: err}
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// RowVersion reports the current row version of a note, for observing
// idempotence. Returns 0 when the note is absent.
func (s *Store) RowVersion(ctx context.Context, notePath string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT row_version FROM notes WHERE path = ?`, notePath).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, &domain.StorageError{Op: "row_version", Reason: "query failed", Transient: true, Err: err}
	}
	return version, nil
}

// MerkleRoot returns the stored root for a note path.
func (s *Store) MerkleRoot(ctx context.Context, notePath string) (domain.Hash, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT merkle_root FROM notes WHERE path = ?`, notePath).Scan(&raw)
	if err == sql.ErrNoRows {
		return domain.Hash{}, &domain.ErrNotFound{Resource: "note", ID: notePath}
	}
	if err != nil {
		return domain.Hash{}, &domain.StorageError{Op: "merkle_root", Reason: "query failed", Transient: true, Err: err}
	}
	return domain.ParseHash(raw)
}

// fmtCandidates encodes a candidate path list for storage.
func fmtCandidates(candidates []string) (string, error) {
	b, err := json.Marshal(candidates)
	if err != nil {
		return "", fmt.Errorf("failed to encode candidates: %w", err)
	}
	return string(b), nil
}

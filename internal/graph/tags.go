package graph

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/mootikins/crucible/internal/domain"
)

// setTagsTx replaces the note's tagged_with edges, maintaining usage counts:
// incremented for new edges, decremented for removed ones. Tag rows whose
// usage drops to zero are deleted unless they still have children
// (hierarchical parents stay for navigation).
func (s *Store) setTagsTx(ctx context.Context, tx *sql.Tx, notePath string, tags []string) error {
	current, err := noteTagsTx(ctx, tx, notePath)
	if err != nil {
		return err
	}

	currentSet := make(map[string]bool, len(current))
	for _, t := range current {
		currentSet[t] = true
	}
	nextSet := make(map[string]bool, len(tags))
	for _, t := range tags {
		nextSet[t] = true
	}

	for _, tag := range tags {
		if currentSet[tag] {
			continue
		}
		if err := s.addTagEdgeTx(ctx, tx, notePath, tag); err != nil {
			return err
		}
	}

	var removed []string
	for _, tag := range current {
		if !nextSet[tag] {
			removed = append(removed, tag)
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM note_tags WHERE note_path = ? AND tag_name = ?
			`, notePath, tag); err != nil {
				return &domain.StorageError{Op: "set_tags", Reason: "edge delete failed", Transient: true, Err: err}
			}
		}
	}

	return s.decrementTagsTx(ctx, tx, removed)
}

// addTagEdgeTx creates the tagged_with edge plus any missing tag rows along
// the hierarchy, bumping only the leaf's usage count.
func (s *Store) addTagEdgeTx(ctx context.Context, tx *sql.Tx, notePath, tag string) error {
	if err := ensureTagRowTx(ctx, tx, tag); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO note_tags (note_path, tag_name) VALUES (?, ?)
		ON CONFLICT(note_path, tag_name) DO NOTHING
	`, notePath, tag); err != nil {
		return &domain.StorageError{Op: "add_tag", Reason: "edge insert failed", Transient: true, Err: err}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tags SET usage_count = usage_count + 1 WHERE name = ?
	`, tag); err != nil {
		return &domain.StorageError{Op: "add_tag", Reason: "count update failed", Transient: true, Err: err}
	}

	return nil
}

// ensureTagRowTx creates the tag row and its ancestors when absent.
func ensureTagRowTx(ctx context.Context, tx *sql.Tx, tag string) error {
	segments := strings.Split(tag, "/")
	for i := range segments {
		name := strings.Join(segments[:i+1], "/")
		parent := ""
		if i > 0 {
			parent = strings.Join(segments[:i], "/")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tags (name, parent, usage_count) VALUES (?, ?, 0)
			ON CONFLICT(name) DO NOTHING
		`, name, parent); err != nil {
			return &domain.StorageError{Op: "ensure_tag", Reason: "insert failed", Transient: true, Err: err}
		}
	}
	return nil
}

// decrementTagsTx lowers usage counts for removed edges and prunes rows that
// reach zero usage with no children, walking up the hierarchy.
func (s *Store) decrementTagsTx(ctx context.Context, tx *sql.Tx, tags []string) error {
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tags SET usage_count = usage_count - 1 WHERE name = ? AND usage_count > 0
		`, tag); err != nil {
			return &domain.StorageError{Op: "remove_tag", Reason: "count update failed", Transient: true, Err: err}
		}

		for name := tag; name != ""; name = parentTag(name) {
			pruned, err := pruneTagTx(ctx, tx, name)
			if err != nil {
				return err
			}
			if !pruned {
				break
			}
		}
	}
	return nil
}

// pruneTagTx deletes a tag row when unused and childless. Reports whether it
// was removed, so ancestors can be revisited.
func pruneTagTx(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	var children int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tags WHERE parent = ?`, name).Scan(&children); err != nil {
		return false, &domain.StorageError{Op: "prune_tag", Reason: "child count failed", Transient: true, Err: err}
	}
	if children > 0 {
		return false, nil
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE name = ? AND usage_count = 0`, name)
	if err != nil {
		return false, &domain.StorageError{Op: "prune_tag", Reason: "delete failed", Transient: true, Err: err}
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// parentTag returns the parent of a hierarchical tag, or "".
func parentTag(name string) string {
	idx := strings.LastIndex(name, "/")
	if idx < 0 {
		return ""
	}
	return name[:idx]
}

// noteTagsTx lists a note's tag names inside a transaction.
func noteTagsTx(ctx context.Context, tx *sql.Tx, notePath string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT tag_name FROM note_tags WHERE note_path = ? ORDER BY tag_name`, notePath)
	if err != nil {
		return nil, &domain.StorageError{Op: "note_tags", Reason: "query failed", Transient: true, Err: err}
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, &domain.StorageError{Op: "note_tags", Reason: "scan failed", Err: err}
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// tagsForNote lists a note's tag names.
func (s *Store) tagsForNote(ctx context.Context, notePath string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag_name FROM note_tags WHERE note_path = ? ORDER BY tag_name`, notePath)
	if err != nil {
		return nil, &domain.StorageError{Op: "note_tags", Reason: "query failed", Transient: true, Err: err}
	}
	defer rows.Close()

	tags := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, &domain.StorageError{Op: "note_tags", Reason: "scan failed", Err: err}
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// ListTags returns every tag with its usage count, sorted by name.
func (s *Store) ListTags(ctx context.Context) ([]domain.Tag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, parent, usage_count FROM tags ORDER BY name`)
	if err != nil {
		return nil, &domain.StorageError{Op: "list_tags", Reason: "query failed", Transient: true, Err: err}
	}
	defer rows.Close()

	tags := []domain.Tag{}
	for rows.Next() {
		var t domain.Tag
		if err := rows.Scan(&t.Name, &t.Parent, &t.UsageCount); err != nil {
			return nil, &domain.StorageError{Op: "list_tags", Reason: "scan failed", Err: err}
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// GetTag returns a single tag row, or nil when absent.
func (s *Store) GetTag(ctx context.Context, name string) (*domain.Tag, error) {
	var t domain.Tag
	err := s.db.QueryRowContext(ctx, `SELECT name, parent, usage_count FROM tags WHERE name = ?`, name).
		Scan(&t.Name, &t.Parent, &t.UsageCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "get_tag", Reason: "query failed", Transient: true, Err: err}
	}
	return &t, nil
}

// AddTag attaches a tag to a note outside a full upsert.
func (s *Store) AddTag(ctx context.Context, notePath, tag string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: "add_tag", Reason: "begin failed", Transient: true, Err: err}
	}
	defer tx.Rollback()

	current, err := noteTagsTx(ctx, tx, notePath)
	if err != nil {
		return err
	}
	for _, t := range current {
		if t == tag {
			return nil
		}
	}

	if err := s.addTagEdgeTx(ctx, tx, notePath, tag); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveTag detaches a tag from a note.
func (s *Store) RemoveTag(ctx context.Context, notePath, tag string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: "remove_tag", Reason: "begin failed", Transient: true, Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM note_tags WHERE note_path = ? AND tag_name = ?`, notePath, tag)
	if err != nil {
		return &domain.StorageError{Op: "remove_tag", Reason: "edge delete failed", Transient: true, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	if err := s.decrementTagsTx(ctx, tx, []string{tag}); err != nil {
		return err
	}
	return tx.Commit()
}

// NotesByTags returns paths of notes carrying the given tags. With all set,
// a note must carry every tag; otherwise any single match qualifies.
func (s *Store) NotesByTags(ctx context.Context, tags []string, all bool) ([]string, error) {
	if len(tags) == 0 {
		return []string{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
	args := make([]any, len(tags))
	for i, t := range tags {
		args[i] = t
	}

	query := `
		SELECT note_path FROM note_tags WHERE tag_name IN (` + placeholders + `)
		GROUP BY note_path`
	if all {
		query += ` HAVING COUNT(DISTINCT tag_name) = ` + strconv.Itoa(len(tags))
	}
	query += ` ORDER BY note_path`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.StorageError{Op: "notes_by_tags", Reason: "query failed", Transient: true, Err: err}
	}
	defer rows.Close()

	paths := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, &domain.StorageError{Op: "notes_by_tags", Reason: "scan failed", Err: err}
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/mootikins/crucible/internal/domain"
)

// SetWikilinks replaces a note's outgoing edges transactionally.
func (s *Store) SetWikilinks(ctx context.Context, notePath string, links []domain.Wikilink) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: "set_wikilinks", Reason: "begin failed", Transient: true, Err: err}
	}
	defer tx.Rollback()

	if err := s.setWikilinksTx(ctx, tx, notePath, links); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &domain.StorageError{Op: "set_wikilinks", Reason: "commit failed", Transient: true, Err: err}
	}
	return nil
}

// setWikilinksTx deletes and rewrites the note's outgoing edges, resolving
// each target by name against the current note set.
func (s *Store) setWikilinksTx(ctx context.Context, tx *sql.Tx, notePath string, links []domain.Wikilink) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM links WHERE source_path = ?`, notePath); err != nil {
		return &domain.StorageError{Op: "set_wikilinks", Reason: "delete failed", Transient: true, Err: err}
	}

	for _, link := range links {
		targetName := s.normalizeTarget(link.Target)

		resolved, candidates, err := s.resolveTargetTx(ctx, tx, link.Target)
		if err != nil {
			return err
		}

		var resolvedVal, candidatesVal any
		if resolved != "" {
			resolvedVal = resolved
		}
		if len(candidates) > 0 {
			encoded, err := fmtCandidates(candidates)
			if err != nil {
				return &domain.StorageError{Op: "set_wikilinks", Reason: "candidate encoding failed", Err: err}
			}
			candidatesVal = encoded
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO links (source_path, target, target_name, alias, section, embed, position, resolved_path, candidates)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, notePath, link.Target, targetName, link.Alias, link.Section, link.Embed, link.Position,
			resolvedVal, candidatesVal); err != nil {
			return &domain.StorageError{Op: "set_wikilinks", Reason: "insert failed", Transient: true, Err: err}
		}
	}

	return nil
}

// normalizeTarget maps a raw wikilink target to its resolution name: the base
// segment without extension, case-folded unless configured otherwise.
func (s *Store) normalizeTarget(target string) string {
	return s.noteName(strings.TrimSpace(target))
}

// resolveTargetTx matches a wikilink target against existing notes.
// Folder-qualified targets ("folder/note") must match a path exactly; bare
// names match by note name. A bare name matching several notes stays
// unresolved with the candidate list recorded, until the author provides a
// folder-qualified form.
func (s *Store) resolveTargetTx(ctx context.Context, tx *sql.Tx, target string) (string, []string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", nil, nil
	}

	if strings.Contains(target, "/") {
		qualified := strings.TrimSuffix(target, ".md") + ".md"
		var p string
		err := tx.QueryRowContext(ctx, `SELECT path FROM notes WHERE path = ?`, qualified).Scan(&p)
		if err == sql.ErrNoRows {
			return "", nil, nil
		}
		if err != nil {
			return "", nil, &domain.StorageError{Op: "resolve_target", Reason: "query failed", Transient: true, Err: err}
		}
		return p, nil, nil
	}

	rows, err := tx.QueryContext(ctx, `SELECT path FROM notes WHERE name = ? ORDER BY path`, s.normalizeTarget(target))
	if err != nil {
		return "", nil, &domain.StorageError{Op: "resolve_target", Reason: "query failed", Transient: true, Err: err}
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return "", nil, &domain.StorageError{Op: "resolve_target", Reason: "scan failed", Err: err}
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return "", nil, &domain.StorageError{Op: "resolve_target", Reason: "iteration failed", Transient: true, Err: err}
	}

	switch len(paths) {
	case 0:
		return "", nil, nil
	case 1:
		return paths[0], nil, nil
	default:
		return "", paths, nil
	}
}

// adoptDanglingLinksTx resolves unresolved, unambiguous links whose target
// name now matches the freshly indexed note. Links already flagged ambiguous
// keep waiting for a folder-qualified form.
func (s *Store) adoptDanglingLinksTx(ctx context.Context, tx *sql.Tx, notePath string) error {
	name := s.noteName(notePath)

	// A second note with the same name makes bare-name adoption ambiguous.
	var sameName int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes WHERE name = ?`, name).Scan(&sameName); err != nil {
		return &domain.StorageError{Op: "adopt_links", Reason: "count failed", Transient: true, Err: err}
	}
	if sameName > 1 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE links SET resolved_path = ?
		WHERE resolved_path IS NULL AND candidates IS NULL AND target_name = ? AND target NOT LIKE '%/%'
	`, notePath, name); err != nil {
		return &domain.StorageError{Op: "adopt_links", Reason: "update failed", Transient: true, Err: err}
	}

	// Folder-qualified targets adopt on an exact path match.
	qualified := strings.TrimSuffix(notePath, ".md")
	if _, err := tx.ExecContext(ctx, `
		UPDATE links SET resolved_path = ?
		WHERE resolved_path IS NULL AND candidates IS NULL AND (target = ? OR target = ?)
	`, notePath, qualified, notePath); err != nil {
		return &domain.StorageError{Op: "adopt_links", Reason: "update failed", Transient: true, Err: err}
	}

	return nil
}

// Wikilinks returns a note's outgoing edges in document order.
func (s *Store) Wikilinks(ctx context.Context, notePath string) ([]domain.Wikilink, error) {
	return s.queryLinks(ctx, `
		SELECT source_path, target, alias, section, embed, position, resolved_path, candidates
		FROM links WHERE source_path = ? ORDER BY position
	`, notePath)
}

// Backlinks returns the edges pointing at a note.
func (s *Store) Backlinks(ctx context.Context, notePath string) ([]domain.Wikilink, error) {
	return s.queryLinks(ctx, `
		SELECT source_path, target, alias, section, embed, position, resolved_path, candidates
		FROM links WHERE resolved_path = ? ORDER BY source_path, position
	`, notePath)
}

// BrokenWikilinks returns edges whose target is unresolved or whose resolved
// note no longer exists.
func (s *Store) BrokenWikilinks(ctx context.Context) ([]domain.Wikilink, error) {
	return s.queryLinks(ctx, `
		SELECT l.source_path, l.target, l.alias, l.section, l.embed, l.position, l.resolved_path, l.candidates
		FROM links l
		LEFT JOIN notes n ON n.path = l.resolved_path
		WHERE l.resolved_path IS NULL OR n.path IS NULL
		ORDER BY l.source_path, l.position
	`)
}

// AmbiguousLinks returns edges whose bare-name target matched several notes
// and is waiting for a folder-qualified form.
func (s *Store) AmbiguousLinks(ctx context.Context) ([]domain.Wikilink, error) {
	return s.queryLinks(ctx, `
		SELECT source_path, target, alias, section, embed, position, resolved_path, candidates
		FROM links WHERE candidates IS NOT NULL ORDER BY source_path, position
	`)
}

// queryLinks runs a link query and scans the rows.
func (s *Store) queryLinks(ctx context.Context, query string, args ...any) ([]domain.Wikilink, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.StorageError{Op: "query_links", Reason: "query failed", Transient: true, Err: err}
	}
	defer rows.Close()

	links := []domain.Wikilink{}
	for rows.Next() {
		var (
			link       domain.Wikilink
			resolved   sql.NullString
			candidates sql.NullString
		)
		if err := rows.Scan(&link.Source, &link.Target, &link.Alias, &link.Section,
			&link.Embed, &link.Position, &resolved, &candidates); err != nil {
			return nil, &domain.StorageError{Op: "query_links", Reason: "scan failed", Err: err}
		}
		if resolved.Valid {
			link.Resolved = resolved.String
		}
		if candidates.Valid {
			if err := json.Unmarshal([]byte(candidates.String), &link.Candidates); err != nil {
				return nil, &domain.StorageError{Op: "query_links", Reason: "corrupt candidates", Err: err}
			}
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "query_links", Reason: "iteration failed", Transient: true, Err: err}
	}

	return links, nil
}

// Neighborhood runs a bounded-depth BFS over resolved wikilinks starting at
// start. Forward follows note -> wikilink -> note; reverse follows incoming
// edges instead. Results come back in BFS order, excluding the start note.
func (s *Store) Neighborhood(ctx context.Context, start string, depth int, reverse bool) ([]string, error) {
	if depth <= 0 {
		return []string{}, nil
	}

	visited := map[string]bool{start: true}
	frontier := []string{start}
	result := []string{}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, current := range frontier {
			if err := ctx.Err(); err != nil {
				return result, &domain.QueryError{Reason: "traversal cancelled", Timeout: true}
			}

			neighbors, err := s.step(ctx, current, reverse)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				if visited[n] {
					continue
				}
				visited[n] = true
				next = append(next, n)
				result = append(result, n)
			}
		}
		frontier = next
	}

	return result, nil
}

// step returns the direct neighbors of a note in one direction.
func (s *Store) step(ctx context.Context, notePath string, reverse bool) ([]string, error) {
	query := `SELECT DISTINCT resolved_path FROM links WHERE source_path = ? AND resolved_path IS NOT NULL ORDER BY resolved_path`
	if reverse {
		query = `SELECT DISTINCT source_path FROM links WHERE resolved_path = ? ORDER BY source_path`
	}

	rows, err := s.db.QueryContext(ctx, query, notePath)
	if err != nil {
		return nil, &domain.StorageError{Op: "graph_step", Reason: "query failed", Transient: true, Err: err}
	}
	defer rows.Close()

	var neighbors []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, &domain.StorageError{Op: "graph_step", Reason: "scan failed", Err: err}
		}
		neighbors = append(neighbors, p)
	}
	return neighbors, rows.Err()
}

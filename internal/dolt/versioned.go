package dolt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmms-io/dmms/internal/debug"
	"github.com/dmms-io/dmms/internal/dmmserr"
	"github.com/dmms-io/dmms/internal/sqlescape"
)

// CommitInfo is one entry of the commit log.
type CommitInfo struct {
	Hash      string
	Committer string
	Email     string
	Date      time.Time
	Message   string
}

// DiffEntry is one changed document between two refs.
type DiffEntry struct {
	Collection string
	DocID      string
	DiffType   string // added, modified, removed
	FromHash   string
	ToHash     string
}

// StatusEntry is one row of dolt_status.
type StatusEntry struct {
	TableName string
	Staged    bool
	Status    string
}

// ConflictTable reports a table with unresolved merge conflicts.
type ConflictTable struct {
	Table        string
	NumConflicts int
}

// ActiveBranch returns the branch the session is on.
func (s *Store) ActiveBranch(ctx context.Context) (string, error) {
	var branch string
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&branch)
	}, "SELECT active_branch()")
	if err != nil {
		return "", fmt.Errorf("getting active branch: %w", err)
	}
	return branch, nil
}

// CurrentCommit returns the hash of HEAD.
func (s *Store) CurrentCommit(ctx context.Context) (string, error) {
	var hash string
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&hash)
	}, "SELECT DOLT_HASHOF('HEAD')")
	if err != nil {
		return "", fmt.Errorf("getting current commit: %w", err)
	}
	return hash, nil
}

// ListBranches returns all branch names sorted.
func (s *Store) ListBranches(ctx context.Context) ([]string, error) {
	rows, cancel, err := s.queryContext(ctx, "SELECT name FROM dolt_branches ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	defer cancel()
	defer rows.Close()

	var branches []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning branch: %w", err)
		}
		branches = append(branches, name)
	}
	return branches, rows.Err()
}

// CreateBranch creates a branch at HEAD.
func (s *Store) CreateBranch(ctx context.Context, name string) error {
	if err := sqlescape.ValidateRef(name); err != nil {
		return err
	}
	if _, err := s.execContext(ctx, "CALL DOLT_BRANCH(?)", name); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return fmt.Errorf("branch %s: %w", name, dmmserr.ErrAlreadyExists)
		}
		return fmt.Errorf("creating branch %s: %w", name, err)
	}
	return nil
}

// Checkout switches the session to branch.
func (s *Store) Checkout(ctx context.Context, branch string) error {
	if err := sqlescape.ValidateRef(branch); err != nil {
		return err
	}
	if _, err := s.execContext(ctx, "CALL DOLT_CHECKOUT(?)", branch); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return fmt.Errorf("branch %s: %w", branch, dmmserr.ErrNotFound)
		}
		return fmt.Errorf("checking out %s: %w", branch, err)
	}
	debug.Logf("dolt checkout %s", branch)
	return nil
}

// DeleteBranch force-deletes a branch.
func (s *Store) DeleteBranch(ctx context.Context, branch string) error {
	if err := sqlescape.ValidateRef(branch); err != nil {
		return err
	}
	if _, err := s.execContext(ctx, "CALL DOLT_BRANCH('-D', ?)", branch); err != nil {
		return fmt.Errorf("deleting branch %s: %w", branch, err)
	}
	return nil
}

// AddAll stages every working-set change.
func (s *Store) AddAll(ctx context.Context) error {
	if _, err := s.execContext(ctx, "CALL DOLT_ADD('-A')"); err != nil {
		return fmt.Errorf("staging changes: %w", err)
	}
	return nil
}

// Commit stages everything and commits, returning the new HEAD hash.
// A clean working set is not an error; the current HEAD comes back.
func (s *Store) Commit(ctx context.Context, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", dmmserr.Validationf("commit message must not be empty")
	}
	_, err := s.execContext(ctx, "CALL DOLT_COMMIT('-Am', ?, '--author', ?)", message, s.commitAuthorString())
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "nothing to commit") {
			return s.CurrentCommit(ctx)
		}
		return "", fmt.Errorf("committing: %w", err)
	}
	return s.CurrentCommit(ctx)
}

// Merge merges branch into the active branch. On conflict the merge is left
// in place for inspection and ErrConflict is returned.
func (s *Store) Merge(ctx context.Context, branch string) error {
	if err := sqlescape.ValidateRef(branch); err != nil {
		return err
	}
	// DOLT_MERGE may create a merge commit; pass an explicit author.
	_, err := s.execContext(ctx, "CALL DOLT_MERGE('--author', ?, ?)", s.commitAuthorString(), branch)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "conflict") {
			return fmt.Errorf("merging %s: %v: %w", branch, err, dmmserr.ErrConflict)
		}
		return fmt.Errorf("merging %s: %w", branch, err)
	}
	if tables, cErr := s.ConflictTables(ctx); cErr == nil && len(tables) > 0 {
		return fmt.Errorf("merging %s left %d conflicted tables: %w", branch, len(tables), dmmserr.ErrConflict)
	}
	return nil
}

// ResolveConflicts resolves every conflicted table toward one side.
// keepOurs true keeps the working-set rows, false takes the merged branch's.
func (s *Store) ResolveConflicts(ctx context.Context, keepOurs bool) error {
	side := "--theirs"
	if keepOurs {
		side = "--ours"
	}
	tables, err := s.ConflictTables(ctx)
	if err != nil {
		return err
	}
	if len(tables) == 0 {
		return dmmserr.NotFoundf("no conflicted tables")
	}
	for _, t := range tables {
		if _, err := s.execContext(ctx, "CALL DOLT_CONFLICTS_RESOLVE(?, ?)", side, t.Table); err != nil {
			return fmt.Errorf("resolving conflicts in %s: %w", t.Table, err)
		}
	}
	return nil
}

// AbortMerge abandons an in-progress conflicted merge.
func (s *Store) AbortMerge(ctx context.Context) error {
	if _, err := s.execContext(ctx, "CALL DOLT_MERGE('--abort')"); err != nil {
		return fmt.Errorf("aborting merge: %w", err)
	}
	return nil
}

// MergeBase returns the common ancestor commit of two refs.
func (s *Store) MergeBase(ctx context.Context, refA, refB string) (string, error) {
	if err := sqlescape.ValidateRef(refA); err != nil {
		return "", fmt.Errorf("invalid ref %q: %w", refA, err)
	}
	if err := sqlescape.ValidateRef(refB); err != nil {
		return "", fmt.Errorf("invalid ref %q: %w", refB, err)
	}
	var base string
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&base)
	}, "SELECT DOLT_MERGE_BASE(?, ?)", refA, refB)
	if err != nil {
		return "", fmt.Errorf("finding merge base of %s and %s: %w", refA, refB, err)
	}
	return base, nil
}

// ConflictTables lists tables with unresolved conflicts.
func (s *Store) ConflictTables(ctx context.Context) ([]ConflictTable, error) {
	rows, cancel, err := s.queryContext(ctx, "SELECT `table`, num_conflicts FROM dolt_conflicts")
	if err != nil {
		return nil, fmt.Errorf("reading conflicts: %w", err)
	}
	defer cancel()
	defer rows.Close()

	var out []ConflictTable
	for rows.Next() {
		var c ConflictTable
		if err := rows.Scan(&c.Table, &c.NumConflicts); err != nil {
			return nil, fmt.Errorf("scanning conflict row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Log returns up to limit commits from HEAD backwards.
func (s *Store) Log(ctx context.Context, limit int) ([]CommitInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, cancel, err := s.queryContext(ctx, `
		SELECT commit_hash, committer, email, date, message
		FROM dolt_log LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("reading commit log: %w", err)
	}
	defer cancel()
	defer rows.Close()

	var out []CommitInfo
	for rows.Next() {
		var c CommitInfo
		if err := rows.Scan(&c.Hash, &c.Committer, &c.Email, &c.Date, &c.Message); err != nil {
			return nil, fmt.Errorf("scanning log row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Status returns the working-set status rows.
func (s *Store) Status(ctx context.Context) ([]StatusEntry, error) {
	rows, cancel, err := s.queryContext(ctx, "SELECT table_name, staged, status FROM dolt_status")
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}
	defer cancel()
	defer rows.Close()

	var out []StatusEntry
	for rows.Next() {
		var e StatusEntry
		if err := rows.Scan(&e.TableName, &e.Staged, &e.Status); err != nil {
			return nil, fmt.Errorf("scanning status row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// HasUncommittedChanges reports a dirty working set.
func (s *Store) HasUncommittedChanges(ctx context.Context) (bool, error) {
	status, err := s.Status(ctx)
	if err != nil {
		return false, err
	}
	return len(status) > 0, nil
}

// Push pushes the active branch to the remote.
func (s *Store) Push(ctx context.Context) error {
	branch, err := s.ActiveBranch(ctx)
	if err != nil {
		return err
	}
	if _, err := s.execContext(ctx, "CALL DOLT_PUSH(?, ?)", s.remote, branch); err != nil {
		return fmt.Errorf("pushing %s to %s: %w", branch, s.remote, err)
	}
	return nil
}

// Pull pulls the active branch from the remote.
func (s *Store) Pull(ctx context.Context) error {
	branch, err := s.ActiveBranch(ctx)
	if err != nil {
		return err
	}
	if _, err := s.execContext(ctx, "CALL DOLT_PULL(?, ?)", s.remote, branch); err != nil {
		return fmt.Errorf("pulling %s from %s: %w", branch, s.remote, err)
	}
	return nil
}

// Fetch updates remote tracking refs.
func (s *Store) Fetch(ctx context.Context) error {
	if _, err := s.execContext(ctx, "CALL DOLT_FETCH(?)", s.remote); err != nil {
		return fmt.Errorf("fetching %s: %w", s.remote, err)
	}
	return nil
}

// AddRemote registers (or replaces) a named remote.
func (s *Store) AddRemote(ctx context.Context, name, url string) error {
	if err := sqlescape.ValidateRef(name); err != nil {
		return err
	}
	_, err := s.execContext(ctx, "CALL DOLT_REMOTE('add', ?, ?)", name, url)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists") {
		if _, err := s.execContext(ctx, "CALL DOLT_REMOTE('remove', ?)", name); err != nil {
			return fmt.Errorf("replacing remote %s: %w", name, err)
		}
		_, err = s.execContext(ctx, "CALL DOLT_REMOTE('add', ?, ?)", name, url)
	}
	if err != nil {
		return fmt.Errorf("adding remote %s: %w", name, err)
	}
	return nil
}

// Diff returns per-document changes between two refs.
func (s *Store) Diff(ctx context.Context, fromRef, toRef string) ([]DiffEntry, error) {
	if err := sqlescape.ValidateRef(fromRef); err != nil {
		return nil, fmt.Errorf("invalid fromRef: %w", err)
	}
	if err := sqlescape.ValidateRef(toRef); err != nil {
		return nil, fmt.Errorf("invalid toRef: %w", err)
	}

	// Refs are validated above, so interpolation into the table function is
	// limited to ref-safe characters.
	// nolint:gosec // G201: refs validated by ValidateRef
	query := fmt.Sprintf(`
		SELECT
			COALESCE(from_collection_name, to_collection_name, '') AS collection_name,
			COALESCE(from_doc_id, to_doc_id, '') AS doc_id,
			diff_type,
			COALESCE(from_content_hash, '') AS from_hash,
			COALESCE(to_content_hash, '') AS to_hash
		FROM dolt_diff_documents('%s', '%s')`, fromRef, toRef)

	rows, cancel, err := s.queryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("diffing %s..%s: %w", fromRef, toRef, err)
	}
	defer cancel()
	defer rows.Close()

	var out []DiffEntry
	for rows.Next() {
		var e DiffEntry
		if err := rows.Scan(&e.Collection, &e.DocID, &e.DiffType, &e.FromHash, &e.ToHash); err != nil {
			return nil, fmt.Errorf("scanning diff row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetDocumentAsOf reads one document at a commit or branch ref.
func (s *Store) GetDocumentAsOf(ctx context.Context, collection, id, ref string) (*Document, error) {
	if err := sqlescape.ValidateRef(ref); err != nil {
		return nil, err
	}
	var d Document
	var meta sql.NullString
	// nolint:gosec // G201: ref validated by ValidateRef
	query := fmt.Sprintf(`
		SELECT collection_name, doc_id, content, content_hash, metadata, updated_at
		FROM documents AS OF '%s' WHERE collection_name = ? AND doc_id = ?`, ref)
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&d.Collection, &d.ID, &d.Content, &d.ContentHash, &meta, &d.UpdatedAt)
	}, query, collection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dmmserr.NotFoundf("document %s/%s at %s", collection, id, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s at %s: %w", collection, id, ref, err)
	}
	if d.Metadata, err = sqlescape.DecodeJSONColumn([]byte(meta.String)); err != nil {
		return nil, fmt.Errorf("decoding metadata for %s/%s: %w", collection, id, err)
	}
	return &d, nil
}

// ListDocumentsAsOf reads every document of a collection at a ref.
func (s *Store) ListDocumentsAsOf(ctx context.Context, collection, ref string) ([]Document, error) {
	if err := sqlescape.ValidateRef(ref); err != nil {
		return nil, err
	}
	// nolint:gosec // G201: ref validated by ValidateRef
	query := fmt.Sprintf(`
		SELECT collection_name, doc_id, content, content_hash, metadata, updated_at
		FROM documents AS OF '%s' WHERE collection_name = ? ORDER BY doc_id`, ref)
	rows, cancel, err := s.queryContext(ctx, query, collection)
	if err != nil {
		return nil, fmt.Errorf("listing %s at %s: %w", collection, ref, err)
	}
	defer cancel()
	defer rows.Close()
	return scanDocuments(rows)
}

// ListCollectionsAsOf returns collection names at a ref.
func (s *Store) ListCollectionsAsOf(ctx context.Context, ref string) ([]string, error) {
	if err := sqlescape.ValidateRef(ref); err != nil {
		return nil, err
	}
	// nolint:gosec // G201: ref validated by ValidateRef
	query := fmt.Sprintf("SELECT collection_name FROM collections AS OF '%s' ORDER BY collection_name", ref)
	rows, cancel, err := s.queryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing collections at %s: %w", ref, err)
	}
	defer cancel()
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scanning collection name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// DocHashesAsOf returns id -> content_hash for a collection at a ref.
func (s *Store) DocHashesAsOf(ctx context.Context, collection, ref string) (map[string]string, error) {
	if err := sqlescape.ValidateRef(ref); err != nil {
		return nil, err
	}
	// nolint:gosec // G201: ref validated by ValidateRef
	query := fmt.Sprintf(`
		SELECT doc_id, content_hash FROM documents AS OF '%s' WHERE collection_name = ?`, ref)
	rows, cancel, err := s.queryContext(ctx, query, collection)
	if err != nil {
		return nil, fmt.Errorf("reading hashes of %s at %s: %w", collection, ref, err)
	}
	defer cancel()
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("scanning hash row: %w", err)
		}
		out[id] = hash
	}
	return out, rows.Err()
}

// HeadDocCounts returns the HEAD commit and the number of documents per
// collection at HEAD. Used to rebuild sync state after tracker loss.
func (s *Store) HeadDocCounts(ctx context.Context) (string, map[string]int, error) {
	commit, err := s.CurrentCommit(ctx)
	if err != nil {
		return "", nil, err
	}
	rows, cancel, err := s.queryContext(ctx, `
		SELECT collection_name, COUNT(*) FROM documents GROUP BY collection_name`)
	if err != nil {
		return "", nil, fmt.Errorf("counting documents: %w", err)
	}
	defer cancel()
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return "", nil, fmt.Errorf("scanning count row: %w", err)
		}
		counts[name] = n
	}
	if err := rows.Err(); err != nil {
		return "", nil, err
	}

	// Collections with zero documents still deserve a row.
	cols, err := s.ListCollections(ctx)
	if err != nil {
		return "", nil, err
	}
	for _, c := range cols {
		if _, ok := counts[c.Name]; !ok {
			counts[c.Name] = 0
		}
	}
	return commit, counts, nil
}

package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmms-io/dmms/internal/dmmserr"
)

// Sync status values.
const (
	SyncStatusSynced       = "synced"
	SyncStatusPending      = "pending"
	SyncStatusLocalChanges = "local_changes"
	SyncStatusError        = "error"
)

// SyncState is the last-known coherent position of one (repo, collection,
// branch) tuple. Rows are isolated per branch: a query for branch B never
// returns another branch's row.
type SyncState struct {
	RepoPath          string    `json:"repo_path"`
	Collection        string    `json:"collection"`
	Branch            string    `json:"branch"`
	LastSyncCommit    string    `json:"last_sync_commit"`
	DocCount          int       `json:"doc_count"`
	ChunkCount        int       `json:"chunk_count"`
	EmbeddingModel    string    `json:"embedding_model,omitempty"`
	Status            string    `json:"status"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	LocalChangesCount int       `json:"local_changes_count"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// HeadSnapshotter supplies the VCS view needed to rebuild missing sync-state
// rows: the HEAD commit and per-collection document counts.
type HeadSnapshotter interface {
	HeadDocCounts(ctx context.Context) (commit string, counts map[string]int, err error)
}

// UpsertSyncState writes the full row for (repo, collection, branch).
func (s *Store) UpsertSyncState(ctx context.Context, st SyncState) error {
	if st.RepoPath == "" || st.Collection == "" || st.Branch == "" {
		return dmmserr.Validationf("sync state requires repo, collection and branch")
	}
	if st.Status == "" {
		st.Status = SyncStatusSynced
	}
	return execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sync_state
				(repo_path, collection_name, branch, last_sync_commit, doc_count, chunk_count,
				 embedding_model, status, error_message, local_changes_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(repo_path, collection_name, branch) DO UPDATE SET
				last_sync_commit = excluded.last_sync_commit,
				doc_count = excluded.doc_count,
				chunk_count = excluded.chunk_count,
				embedding_model = excluded.embedding_model,
				status = excluded.status,
				error_message = excluded.error_message,
				local_changes_count = excluded.local_changes_count,
				updated_at = CURRENT_TIMESTAMP`,
			st.RepoPath, st.Collection, st.Branch, st.LastSyncCommit, st.DocCount, st.ChunkCount,
			st.EmbeddingModel, st.Status, st.ErrorMessage, st.LocalChangesCount)
		return err
	})
}

// GetSyncState reads one row; ErrNotFound when absent.
func (s *Store) GetSyncState(ctx context.Context, repo, collection, branch string) (*SyncState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT repo_path, collection_name, branch, last_sync_commit, doc_count, chunk_count,
		       embedding_model, status, error_message, local_changes_count, updated_at
		FROM sync_state
		WHERE repo_path = ? AND collection_name = ? AND branch = ?`,
		repo, collection, branch)

	var st SyncState
	err := row.Scan(&st.RepoPath, &st.Collection, &st.Branch, &st.LastSyncCommit, &st.DocCount,
		&st.ChunkCount, &st.EmbeddingModel, &st.Status, &st.ErrorMessage, &st.LocalChangesCount, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dmmserr.NotFoundf("sync state for %s@%s", collection, branch)
	}
	if err != nil {
		return nil, fmt.Errorf("reading sync state: %w", err)
	}
	return &st, nil
}

// ListAllSyncState lists every row for repo, across branches.
func (s *Store) ListAllSyncState(ctx context.Context, repo string) ([]SyncState, error) {
	return s.listSyncState(ctx, `
		SELECT repo_path, collection_name, branch, last_sync_commit, doc_count, chunk_count,
		       embedding_model, status, error_message, local_changes_count, updated_at
		FROM sync_state WHERE repo_path = ? ORDER BY branch, collection_name`, repo)
}

// ListBranchSyncState lists rows for one branch only.
func (s *Store) ListBranchSyncState(ctx context.Context, repo, branch string) ([]SyncState, error) {
	return s.listSyncState(ctx, `
		SELECT repo_path, collection_name, branch, last_sync_commit, doc_count, chunk_count,
		       embedding_model, status, error_message, local_changes_count, updated_at
		FROM sync_state WHERE repo_path = ? AND branch = ? ORDER BY collection_name`, repo, branch)
}

func (s *Store) listSyncState(ctx context.Context, query string, args ...interface{}) ([]SyncState, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sync state: %w", err)
	}
	defer rows.Close()

	var states []SyncState
	for rows.Next() {
		var st SyncState
		if err := rows.Scan(&st.RepoPath, &st.Collection, &st.Branch, &st.LastSyncCommit, &st.DocCount,
			&st.ChunkCount, &st.EmbeddingModel, &st.Status, &st.ErrorMessage, &st.LocalChangesCount, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning sync state: %w", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// ClearBranchSyncState removes every row for a branch. Used when the branch
// is deleted.
func (s *Store) ClearBranchSyncState(ctx context.Context, repo, branch string) (int64, error) {
	var n int64
	err := execRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM sync_state WHERE repo_path = ? AND branch = ?`, repo, branch)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// DeleteSyncState removes one collection's row on one branch.
func (s *Store) DeleteSyncState(ctx context.Context, repo, collection, branch string) error {
	return execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM sync_state WHERE repo_path = ? AND collection_name = ? AND branch = ?`,
			repo, collection, branch)
		return err
	})
}

// UpdateCommitHash is the fast path for advancing only the commit pointer.
func (s *Store) UpdateCommitHash(ctx context.Context, repo, collection, newCommit, branch string) error {
	return execRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sync_state SET last_sync_commit = ?, status = 'synced', error_message = '',
			       local_changes_count = 0, updated_at = CURRENT_TIMESTAMP
			WHERE repo_path = ? AND collection_name = ? AND branch = ?`,
			newCommit, repo, collection, branch)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return dmmserr.NotFoundf("sync state for %s@%s", collection, branch)
		}
		return nil
	})
}

// ReconstructSyncStateIfMissing rebuilds rows for (repo, branch) from the
// VCS HEAD when the tracker database lost them (fresh clone, wiped data
// dir). Returns true when rows exist afterwards.
func (s *Store) ReconstructSyncStateIfMissing(ctx context.Context, repo, branch string, head HeadSnapshotter) (bool, error) {
	existing, err := s.ListBranchSyncState(ctx, repo, branch)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return true, nil
	}

	commit, counts, err := head.HeadDocCounts(ctx)
	if err != nil {
		return false, fmt.Errorf("reading HEAD for sync-state reconstruction: %w", err)
	}
	for collection, docs := range counts {
		st := SyncState{
			RepoPath:       repo,
			Collection:     collection,
			Branch:         branch,
			LastSyncCommit: commit,
			DocCount:       docs,
			Status:         SyncStatusSynced,
		}
		if err := s.UpsertSyncState(ctx, st); err != nil {
			return false, err
		}
	}
	return len(counts) > 0, nil
}

package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmms-io/dmms/internal/dmmserr"
	"github.com/dmms-io/dmms/internal/sqlescape"
)

// PendingDocOp is a durable record of a local document-level operation not
// yet reflected in the VCS.
type PendingDocOp struct {
	ID               string
	RepoPath         string
	DocID            string
	Collection       string
	ContentHash      string
	OriginalMetadata map[string]interface{}
	Branch           string
	BaseCommit       string
	Source           string
	Status           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PendingCollectionOp is a durable record of a local collection-level
// operation: deletion, rename, or metadata_update. For renames Collection
// holds the original name, the key matched on commit.
type PendingCollectionOp struct {
	ID               string
	RepoPath         string
	OperationType    string
	Collection       string
	NewName          string
	OriginalMetadata map[string]interface{}
	NewMetadata      map[string]interface{}
	Branch           string
	BaseCommit       string
	Status           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TrackDocDeletion upserts a pending row for a document deletion. Re-deleting
// the same document refreshes the row back to pending.
func (s *Store) TrackDocDeletion(ctx context.Context, repo, docID, collection, contentHash string, originalMetadata map[string]interface{}, branch, baseCommit string) error {
	if repo == "" || docID == "" || collection == "" {
		return dmmserr.Validationf("track doc deletion: repo, doc_id and collection are required")
	}
	meta, err := sqlescape.EncodeMetadata(originalMetadata)
	if err != nil {
		return err
	}
	return execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pending_doc_ops
				(id, repo_path, doc_id, collection_name, content_hash, original_metadata, branch, base_commit, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending')
			ON CONFLICT(repo_path, collection_name, doc_id) DO UPDATE SET
				content_hash = excluded.content_hash,
				original_metadata = excluded.original_metadata,
				branch = excluded.branch,
				base_commit = excluded.base_commit,
				status = 'pending',
				updated_at = CURRENT_TIMESTAMP`,
			uuid.NewString(), repo, docID, collection, contentHash, meta, branch, baseCommit)
		return err
	})
}

// HasPendingDocDeletion reports whether a non-committed deletion row exists.
func (s *Store) HasPendingDocDeletion(ctx context.Context, repo, docID, collection string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM pending_doc_ops
		WHERE repo_path = ? AND doc_id = ? AND collection_name = ? AND status IN ('pending','staged')`,
		repo, docID, collection).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying pending doc deletion: %w", err)
	}
	return n > 0, nil
}

// MarkDocDeletionStaged transitions a pending deletion to staged.
func (s *Store) MarkDocDeletionStaged(ctx context.Context, repo, docID, collection string) error {
	return s.transitionDocOp(ctx, repo, docID, collection, StatusPending, StatusStaged)
}

// MarkDocDeletionCommitted transitions a staged deletion to committed.
func (s *Store) MarkDocDeletionCommitted(ctx context.Context, repo, docID, collection string) error {
	return s.transitionDocOp(ctx, repo, docID, collection, StatusStaged, StatusCommitted)
}

func (s *Store) transitionDocOp(ctx context.Context, repo, docID, collection, from, to string) error {
	return execRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE pending_doc_ops SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE repo_path = ? AND doc_id = ? AND collection_name = ? AND status = ?`,
			to, repo, docID, collection, from)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Concurrent commit won the row; the loser re-reads and retries.
			return fmt.Errorf("doc op %s/%s not in %s: %w", collection, docID, from, dmmserr.ErrConflict)
		}
		return nil
	})
}

// RemoveDocDeletionTracking deletes the row outright, whatever its status.
func (s *Store) RemoveDocDeletionTracking(ctx context.Context, repo, docID, collection string) error {
	return execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM pending_doc_ops
			WHERE repo_path = ? AND doc_id = ? AND collection_name = ?`,
			repo, docID, collection)
		return err
	})
}

// PendingDocDeletions lists non-committed doc ops for repo, optionally
// filtered by collection.
func (s *Store) PendingDocDeletions(ctx context.Context, repo, collection string) ([]PendingDocOp, error) {
	query := `
		SELECT id, repo_path, doc_id, collection_name, content_hash, original_metadata,
		       branch, base_commit, source, status, created_at, updated_at
		FROM pending_doc_ops
		WHERE repo_path = ? AND status IN ('pending','staged')`
	args := []interface{}{repo}
	if collection != "" {
		query += ` AND collection_name = ?`
		args = append(args, collection)
	}
	query += ` ORDER BY created_at, doc_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pending doc deletions: %w", err)
	}
	defer rows.Close()

	var ops []PendingDocOp
	for rows.Next() {
		var op PendingDocOp
		var meta string
		if err := rows.Scan(&op.ID, &op.RepoPath, &op.DocID, &op.Collection, &op.ContentHash,
			&meta, &op.Branch, &op.BaseCommit, &op.Source, &op.Status, &op.CreatedAt, &op.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning pending doc op: %w", err)
		}
		if op.OriginalMetadata, err = sqlescape.DecodeJSONColumn([]byte(meta)); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// TrackCollectionDeletion upserts a pending collection deletion row.
func (s *Store) TrackCollectionDeletion(ctx context.Context, repo, collection string, originalMetadata map[string]interface{}, branch, baseCommit string) error {
	if repo == "" || collection == "" {
		return dmmserr.Validationf("track collection deletion: repo and collection are required")
	}
	meta, err := sqlescape.EncodeMetadata(originalMetadata)
	if err != nil {
		return err
	}
	return s.upsertCollectionOp(ctx, repo, OpDeletion, collection, "", meta, "{}", branch, baseCommit)
}

// TrackCollectionUpdate records a rename (new name differs) or a metadata
// update. When nothing actually changes the call is a no-op: no row.
func (s *Store) TrackCollectionUpdate(ctx context.Context, repo, originalName, newName string, originalMetadata, newMetadata map[string]interface{}, branch, baseCommit string) error {
	if repo == "" || originalName == "" {
		return dmmserr.Validationf("track collection update: repo and original name are required")
	}
	origMeta, err := sqlescape.EncodeMetadata(originalMetadata)
	if err != nil {
		return err
	}
	newMeta, err := sqlescape.EncodeMetadata(newMetadata)
	if err != nil {
		return err
	}

	opType := OpMetadataUpdate
	if newName != "" && newName != originalName {
		opType = OpRename
	} else if origMeta == newMeta {
		// Same name, same metadata: nothing to record.
		return nil
	}
	return s.upsertCollectionOp(ctx, repo, opType, originalName, newName, origMeta, newMeta, branch, baseCommit)
}

func (s *Store) upsertCollectionOp(ctx context.Context, repo, opType, collection, newName, origMeta, newMeta, branch, baseCommit string) error {
	return execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pending_collection_ops
				(id, repo_path, operation_type, collection_name, new_name, original_metadata, new_metadata, branch, base_commit, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending')
			ON CONFLICT(repo_path, collection_name, operation_type) DO UPDATE SET
				new_name = excluded.new_name,
				original_metadata = excluded.original_metadata,
				new_metadata = excluded.new_metadata,
				branch = excluded.branch,
				base_commit = excluded.base_commit,
				status = 'pending',
				updated_at = CURRENT_TIMESTAMP`,
			uuid.NewString(), repo, opType, collection, nullable(newName), origMeta, newMeta, branch, baseCommit)
		return err
	})
}

// PendingCollectionOps lists non-committed collection ops for repo, renames
// first so they apply before metadata updates on the same collection.
func (s *Store) PendingCollectionOps(ctx context.Context, repo string) ([]PendingCollectionOp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repo_path, operation_type, collection_name, COALESCE(new_name, ''),
		       original_metadata, new_metadata, branch, base_commit, status, created_at, updated_at
		FROM pending_collection_ops
		WHERE repo_path = ? AND status IN ('pending','staged')
		ORDER BY CASE operation_type
			WHEN 'deletion' THEN 0
			WHEN 'rename' THEN 1
			ELSE 2 END, created_at`, repo)
	if err != nil {
		return nil, fmt.Errorf("listing pending collection ops: %w", err)
	}
	defer rows.Close()

	var ops []PendingCollectionOp
	for rows.Next() {
		var op PendingCollectionOp
		var origMeta, newMeta string
		if err := rows.Scan(&op.ID, &op.RepoPath, &op.OperationType, &op.Collection, &op.NewName,
			&origMeta, &newMeta, &op.Branch, &op.BaseCommit, &op.Status, &op.CreatedAt, &op.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning pending collection op: %w", err)
		}
		if op.OriginalMetadata, err = sqlescape.DecodeJSONColumn([]byte(origMeta)); err != nil {
			return nil, err
		}
		if op.NewMetadata, err = sqlescape.DecodeJSONColumn([]byte(newMeta)); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// MarkCollectionOpStaged transitions one collection op to staged.
func (s *Store) MarkCollectionOpStaged(ctx context.Context, repo, collection, opType string) error {
	return s.transitionCollectionOp(ctx, repo, collection, opType, StatusPending, StatusStaged)
}

// MarkCollectionOpCommitted transitions one collection op to committed.
// Matched by the original collection name, which for renames is the key the
// commit path carries.
func (s *Store) MarkCollectionOpCommitted(ctx context.Context, repo, collection, opType string) error {
	return s.transitionCollectionOp(ctx, repo, collection, opType, StatusStaged, StatusCommitted)
}

func (s *Store) transitionCollectionOp(ctx context.Context, repo, collection, opType, from, to string) error {
	return execRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE pending_collection_ops SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE repo_path = ? AND collection_name = ? AND operation_type = ? AND status = ?`,
			to, repo, collection, opType, from)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("collection op %s/%s not in %s: %w", collection, opType, from, dmmserr.ErrConflict)
		}
		return nil
	})
}

// CleanupCommittedCollectionOps deletes all committed collection op rows for
// repo and returns the count removed.
func (s *Store) CleanupCommittedCollectionOps(ctx context.Context, repo string) (int64, error) {
	var n int64
	err := execRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM pending_collection_ops WHERE repo_path = ? AND status = 'committed'`, repo)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// CleanupCommittedDocOps deletes all committed doc op rows for repo.
func (s *Store) CleanupCommittedDocOps(ctx context.Context, repo string) (int64, error) {
	var n int64
	err := execRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM pending_doc_ops WHERE repo_path = ? AND status = 'committed'`, repo)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmms-io/dmms/internal/chroma"
	"github.com/dmms-io/dmms/internal/chunker"
	"github.com/dmms-io/dmms/internal/debug"
	"github.com/dmms-io/dmms/internal/dmmserr"
	"github.com/dmms-io/dmms/internal/telemetry"
	"github.com/dmms-io/dmms/internal/tracker"
)

// CheckoutResult is the outcome of rebuilding the vector store from a branch.
type CheckoutResult struct {
	Branch      string `json:"branch"`
	Commit      string `json:"commit"`
	Collections int    `json:"collections"`
	DocsWritten int    `json:"docs_written"`
	DocsDeleted int    `json:"docs_deleted"`
}

// CheckoutSync switches the mirror to branch and projects its head into the
// vector store: collections are created or updated, each logical document is
// chunked and upserted, and chunks whose source document left the branch are
// removed.
func (m *Manager) CheckoutSync(ctx context.Context, branch string) (*CheckoutResult, error) {
	if err := m.mirror.Checkout(ctx, branch); err != nil {
		return nil, err
	}
	commit, err := m.mirror.CurrentCommit(ctx)
	if err != nil {
		return nil, err
	}

	cols, err := m.mirror.ListCollections(ctx)
	if err != nil {
		return nil, err
	}

	res := &CheckoutResult{Branch: branch, Commit: commit, Collections: len(cols)}
	for _, col := range cols {
		written, deleted, err := m.checkoutCollection(ctx, col.Name, col.Metadata)
		if err != nil {
			return nil, fmt.Errorf("syncing collection %s from %s: %w", col.Name, branch, err)
		}
		res.DocsWritten += written
		res.DocsDeleted += deleted

		st := tracker.SyncState{
			RepoPath:       m.repoPath,
			Collection:     col.Name,
			Branch:         branch,
			LastSyncCommit: commit,
			Status:         tracker.SyncStatusSynced,
		}
		if hashes, err := m.mirror.DocHashes(ctx, col.Name); err == nil {
			st.DocCount = len(hashes)
		}
		st.ChunkCount = m.vectorChunkCount(ctx, col.Name)
		if err := m.trk.UpsertSyncState(ctx, st); err != nil {
			return nil, err
		}
	}

	if err := m.recordManifestPosition(commit, branch); err != nil {
		return nil, err
	}
	telemetry.RecordSyncPass(ctx, "checkout", res.DocsWritten)
	debug.Logf("checkout sync to %s@%s: %d collections, %d docs written, %d deleted",
		branch, commit, res.Collections, res.DocsWritten, res.DocsDeleted)
	return res, nil
}

func (m *Manager) checkoutCollection(ctx context.Context, name string, metadata map[string]interface{}) (written, deleted int, err error) {
	_, err = m.vector.GetCollectionMetadata(ctx, name)
	switch {
	case errors.Is(err, dmmserr.ErrNotFound):
		if err := m.vector.CreateCollection(ctx, name, metadata); err != nil {
			return 0, 0, err
		}
	case err != nil:
		return 0, 0, err
	default:
		if metadata != nil {
			if err := m.vector.ModifyCollection(ctx, name, "", metadata); err != nil {
				return 0, 0, err
			}
		}
	}

	rows, err := m.mirror.ListDocuments(ctx, name)
	if err != nil {
		return 0, 0, err
	}

	want := make(map[string]bool, len(rows))
	var batch []chroma.Document
	for _, row := range rows {
		docs, err := chunker.BuildChunks(row.ID, row.Content, row.Metadata, m.chunkSize, m.chunkOverlap)
		if err != nil {
			return 0, 0, err
		}
		for _, d := range docs {
			want[d.ID] = true
		}
		batch = append(batch, docs...)
	}
	if len(batch) > 0 {
		if err := m.vector.AddDocuments(ctx, name, batch); err != nil {
			return 0, 0, err
		}
		written = len(batch)
	}

	existing, err := m.vector.GetDocuments(ctx, name, nil, nil)
	if err != nil && !errors.Is(err, dmmserr.ErrNotFound) {
		return 0, 0, err
	}
	var stale []string
	for _, d := range existing {
		if !want[d.ID] {
			stale = append(stale, d.ID)
		}
	}
	if len(stale) > 0 {
		if err := m.vector.DeleteDocuments(ctx, name, stale); err != nil {
			return 0, 0, err
		}
		deleted = len(stale)
	}
	return written, deleted, nil
}

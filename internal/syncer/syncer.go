// Package syncer moves state between the vector store and the versioned
// mirror in both directions. The commit path (LocalChanges → Stage → Commit)
// folds local edits into a Dolt commit; the checkout path (CheckoutSync)
// rebuilds the vector store from a branch head.
//
// Pending-op transitions are explicit: Stage moves rows pending → staged,
// Commit moves them staged → committed and cleans up. A failed commit leaves
// rows staged so the next pass re-stages idempotently.
package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmms-io/dmms/internal/chroma"
	"github.com/dmms-io/dmms/internal/chunker"
	"github.com/dmms-io/dmms/internal/debug"
	"github.com/dmms-io/dmms/internal/detector"
	"github.com/dmms-io/dmms/internal/dmmserr"
	"github.com/dmms-io/dmms/internal/dolt"
	"github.com/dmms-io/dmms/internal/hashutil"
	"github.com/dmms-io/dmms/internal/manifest"
	"github.com/dmms-io/dmms/internal/telemetry"
	"github.com/dmms-io/dmms/internal/tracker"
)

// Manager orchestrates sync passes for one repository.
type Manager struct {
	vector   chroma.Gateway
	mirror   *dolt.Store
	trk      *tracker.Store
	det      *detector.Detector
	resolver *chunker.Resolver

	repoPath   string
	projectDir string

	chunkSize    int
	chunkOverlap int
}

// mirrorSide adapts the relational store to the detector's read interface.
type mirrorSide struct {
	store *dolt.Store
}

func (m mirrorSide) ListCollections(ctx context.Context) ([]string, error) {
	cols, err := m.store.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}
	return names, nil
}

func (m mirrorSide) DocHashes(ctx context.Context, collection string) (map[string]string, error) {
	return m.store.DocHashes(ctx, collection)
}

// NewManager wires a sync manager. projectDir may be empty when no manifest
// should be maintained (tests, ephemeral repos).
func NewManager(vector chroma.Gateway, mirror *dolt.Store, trk *tracker.Store, repoPath, projectDir string) *Manager {
	return &Manager{
		vector:       vector,
		mirror:       mirror,
		trk:          trk,
		det:          detector.New(vector, mirrorSide{mirror}, trk, repoPath),
		resolver:     chunker.NewResolver(vector),
		repoPath:     repoPath,
		projectDir:   projectDir,
		chunkSize:    0, // chunker defaults apply
		chunkOverlap: 0,
	}
}

// Changes is everything a sync pass would write.
type Changes struct {
	Documents   map[string]*detector.ChangeSet
	Collections []detector.CollectionChange
	PendingOps  []tracker.PendingCollectionOp
}

// Empty reports whether a sync pass would be a no-op.
func (c *Changes) Empty() bool {
	if len(c.Collections) > 0 || len(c.PendingOps) > 0 {
		return false
	}
	for _, cs := range c.Documents {
		if cs.Total() > 0 {
			return false
		}
	}
	return true
}

// LocalChanges detects everything that diverged since the last commit.
func (m *Manager) LocalChanges(ctx context.Context) (*Changes, error) {
	docs, cols, err := m.det.DetectAll(ctx)
	if err != nil {
		return nil, err
	}
	ops, err := m.trk.PendingCollectionOps(ctx, m.repoPath)
	if err != nil {
		return nil, err
	}
	return &Changes{Documents: docs, Collections: cols, PendingOps: ops}, nil
}

// StageResult summarizes what Stage wrote to the mirror's working set.
type StageResult struct {
	DocsUpserted  int
	DocsDeleted   int
	CollectionOps int
}

// Stage writes the change set into the mirror's working tables. Ordering:
// collection deletions cascade first (documents, then the collection row),
// renames precede metadata updates, and collection creation precedes the
// documents targeting it. Pending rows move pending → staged; rows already
// staged by an earlier failed pass are left as they are.
func (m *Manager) Stage(ctx context.Context, ch *Changes) (*StageResult, error) {
	res := &StageResult{}

	deleted := make(map[string]bool)
	for _, op := range ch.PendingOps {
		if op.OperationType != tracker.OpDeletion {
			continue
		}
		if err := m.mirror.DeleteCollection(ctx, op.Collection); err != nil && !errors.Is(err, dmmserr.ErrNotFound) {
			return nil, fmt.Errorf("staging deletion of %s: %w", op.Collection, err)
		}
		if err := m.markCollectionStaged(ctx, op); err != nil {
			return nil, err
		}
		deleted[op.Collection] = true
		res.CollectionOps++
	}

	renamedTo := make(map[string]string)
	for _, op := range ch.PendingOps {
		if op.OperationType != tracker.OpRename {
			continue
		}
		err := m.mirror.RenameCollection(ctx, op.Collection, op.NewName)
		switch {
		case errors.Is(err, dmmserr.ErrNotFound):
			// Collection never reached the mirror; it stages below under
			// its new name.
		case err != nil:
			return nil, fmt.Errorf("staging rename %s -> %s: %w", op.Collection, op.NewName, err)
		}
		if err := m.markCollectionStaged(ctx, op); err != nil {
			return nil, err
		}
		renamedTo[op.Collection] = op.NewName
		res.CollectionOps++
	}

	for _, cc := range ch.Collections {
		if cc.ChangeType != "added" || deleted[cc.Name] {
			continue
		}
		meta, err := m.vector.GetCollectionMetadata(ctx, cc.Name)
		if err != nil && !errors.Is(err, dmmserr.ErrNotFound) {
			return nil, err
		}
		if err := m.mirror.UpsertCollection(ctx, cc.Name, meta); err != nil {
			return nil, err
		}
		res.CollectionOps++
	}

	for _, op := range ch.PendingOps {
		if op.OperationType != tracker.OpMetadataUpdate {
			continue
		}
		name := op.Collection
		if to, ok := renamedTo[name]; ok {
			name = to
		}
		if deleted[op.Collection] {
			if err := m.markCollectionStaged(ctx, op); err != nil {
				return nil, err
			}
			continue
		}
		if err := m.mirror.UpsertCollection(ctx, name, op.NewMetadata); err != nil {
			return nil, err
		}
		if err := m.markCollectionStaged(ctx, op); err != nil {
			return nil, err
		}
		res.CollectionOps++
	}

	for collection, cs := range ch.Documents {
		if deleted[collection] {
			continue
		}
		if _, renamed := renamedTo[collection]; renamed {
			// The rename re-homed these rows; the detector's view of the
			// old name is pure absence, not deletions to stage. Content
			// diffs surface under the new name.
			continue
		}
		n, err := m.stageDocuments(ctx, collection, cs)
		if err != nil {
			return nil, err
		}
		res.DocsUpserted += n

		d, err := m.stageDeletions(ctx, collection, cs)
		if err != nil {
			return nil, err
		}
		res.DocsDeleted += d
	}

	debug.Logf("staged %d docs, %d deletions, %d collection ops",
		res.DocsUpserted, res.DocsDeleted, res.CollectionOps)
	return res, nil
}

// stageDocuments writes one logical row per changed base ID. Chunked
// documents are reassembled first and their chunk bookkeeping stripped; the
// mirror never sees chunk rows or vectors.
func (m *Manager) stageDocuments(ctx context.Context, collection string, cs *detector.ChangeSet) (int, error) {
	var ids []string
	for _, c := range cs.Added {
		ids = append(ids, c.ID)
	}
	for _, c := range cs.Modified {
		ids = append(ids, c.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	rows := make([]dolt.Document, 0, len(ids))
	for _, id := range ids {
		doc, err := m.resolver.FetchDocument(ctx, cs.Collection, id)
		if err != nil {
			return 0, fmt.Errorf("reading changed document %s from %s: %w", id, cs.Collection, err)
		}
		rows = append(rows, dolt.Document{
			Collection:  collection,
			ID:          id,
			Content:     doc.Content,
			ContentHash: hashutil.ContentHash(doc.Content),
			Metadata:    stripChunkMeta(doc.Metadata),
		})
	}
	if err := m.mirror.UpsertDocuments(ctx, collection, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// stripChunkMeta drops the chunk bookkeeping keys before a document lands in
// the mirror; the logical row carries user metadata only.
func stripChunkMeta(meta map[string]interface{}) map[string]interface{} {
	if meta == nil {
		return nil
	}
	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		switch k {
		case "source_id", "chunk_index", "total_chunks":
			continue
		}
		out[k] = v
	}
	return out
}

func (m *Manager) stageDeletions(ctx context.Context, collection string, cs *detector.ChangeSet) (int, error) {
	if len(cs.Deleted) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(cs.Deleted))
	for _, c := range cs.Deleted {
		ids = append(ids, c.ID)
	}
	n, err := m.mirror.DeleteDocuments(ctx, collection, ids)
	if err != nil {
		return 0, err
	}
	for _, c := range cs.Deleted {
		if !c.PendingOp {
			continue
		}
		if err := m.trk.MarkDocDeletionStaged(ctx, m.repoPath, c.ID, collection); err != nil && !errors.Is(err, dmmserr.ErrConflict) {
			return 0, err
		}
	}
	return int(n), nil
}

func (m *Manager) markCollectionStaged(ctx context.Context, op tracker.PendingCollectionOp) error {
	err := m.trk.MarkCollectionOpStaged(ctx, m.repoPath, op.Collection, op.OperationType)
	if err != nil && !errors.Is(err, dmmserr.ErrConflict) {
		return err
	}
	return nil
}

// Commit records the staged working set as a Dolt commit, completes the
// pending-op lifecycle, refreshes sync state for every collection, and
// advances the manifest position.
func (m *Manager) Commit(ctx context.Context, message string) (string, error) {
	if err := m.mirror.AddAll(ctx); err != nil {
		return "", err
	}
	commit, err := m.mirror.Commit(ctx, message)
	if err != nil {
		return "", err
	}

	if err := m.completePendingOps(ctx); err != nil {
		return "", err
	}
	branch, err := m.mirror.ActiveBranch(ctx)
	if err != nil {
		return "", err
	}
	if err := m.refreshSyncState(ctx, branch, commit); err != nil {
		return "", err
	}
	if err := m.recordManifestPosition(commit, branch); err != nil {
		return "", err
	}
	debug.Logf("committed %s on %s", commit, branch)
	return commit, nil
}

func (m *Manager) completePendingOps(ctx context.Context) error {
	docOps, err := m.trk.PendingDocDeletions(ctx, m.repoPath, "")
	if err != nil {
		return err
	}
	for _, op := range docOps {
		if op.Status != tracker.StatusStaged {
			continue
		}
		if err := m.trk.MarkDocDeletionCommitted(ctx, m.repoPath, op.DocID, op.Collection); err != nil && !errors.Is(err, dmmserr.ErrConflict) {
			return err
		}
	}
	colOps, err := m.trk.PendingCollectionOps(ctx, m.repoPath)
	if err != nil {
		return err
	}
	for _, op := range colOps {
		if op.Status != tracker.StatusStaged {
			continue
		}
		if err := m.trk.MarkCollectionOpCommitted(ctx, m.repoPath, op.Collection, op.OperationType); err != nil && !errors.Is(err, dmmserr.ErrConflict) {
			return err
		}
	}
	if _, err := m.trk.CleanupCommittedDocOps(ctx, m.repoPath); err != nil {
		return err
	}
	_, err = m.trk.CleanupCommittedCollectionOps(ctx, m.repoPath)
	return err
}

func (m *Manager) refreshSyncState(ctx context.Context, branch, commit string) error {
	cols, err := m.mirror.ListCollections(ctx)
	if err != nil {
		return err
	}
	for _, col := range cols {
		hashes, err := m.mirror.DocHashes(ctx, col.Name)
		if err != nil {
			return err
		}
		st := tracker.SyncState{
			RepoPath:       m.repoPath,
			Collection:     col.Name,
			Branch:         branch,
			LastSyncCommit: commit,
			DocCount:       len(hashes),
			ChunkCount:     m.vectorChunkCount(ctx, col.Name),
			Status:         tracker.SyncStatusSynced,
		}
		if err := m.trk.UpsertSyncState(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// vectorChunkCount reports the stored chunk count for a collection, zero when
// the vector side has no such collection.
func (m *Manager) vectorChunkCount(ctx context.Context, collection string) int {
	n, err := m.vector.Count(ctx, collection)
	if err != nil {
		return 0
	}
	return n
}

func (m *Manager) recordManifestPosition(commit, branch string) error {
	if m.projectDir == "" {
		return nil
	}
	man, err := manifest.Load(m.projectDir)
	if err != nil {
		return err
	}
	if man == nil {
		man = manifest.Default()
	}
	return manifest.RecordPosition(m.projectDir, man, commit, branch, "dmms-sync")
}

// SyncResult is the outcome of one full sync pass.
type SyncResult struct {
	Commit       string `json:"commit,omitempty"`
	DocsUpserted int    `json:"docs_upserted"`
	DocsDeleted  int    `json:"docs_deleted"`
	Collections  int    `json:"collection_ops"`
	Skipped      bool   `json:"skipped"`
}

// FullSync runs detect → stage → commit. When nothing changed the pass is
// skipped unless force is set, in which case an empty commit attempt still
// runs (Dolt reports the current HEAD for a clean tree).
func (m *Manager) FullSync(ctx context.Context, force bool) (*SyncResult, error) {
	ch, err := m.LocalChanges(ctx)
	if err != nil {
		return nil, err
	}
	if ch.Empty() && !force {
		debug.Logf("full sync: no local changes, skipping")
		return &SyncResult{Skipped: true}, nil
	}

	staged, err := m.Stage(ctx, ch)
	if err != nil {
		return nil, err
	}
	message := fmt.Sprintf("dmms sync: %d docs upserted, %d deleted, %d collection ops",
		staged.DocsUpserted, staged.DocsDeleted, staged.CollectionOps)
	commit, err := m.Commit(ctx, message)
	if err != nil {
		return nil, err
	}

	telemetry.RecordSyncPass(ctx, "commit", staged.DocsUpserted)
	return &SyncResult{
		Commit:       commit,
		DocsUpserted: staged.DocsUpserted,
		DocsDeleted:  staged.DocsDeleted,
		Collections:  staged.CollectionOps,
	}, nil
}

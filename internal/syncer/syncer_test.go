package syncer

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmms-io/dmms/internal/chroma"
	"github.com/dmms-io/dmms/internal/chunker"
	"github.com/dmms-io/dmms/internal/dolt"
	"github.com/dmms-io/dmms/internal/hashutil"
	"github.com/dmms-io/dmms/internal/tracker"
)

type harness struct {
	vector     *chroma.Local
	mirror     *dolt.Store
	trk        *tracker.Store
	mgr        *Manager
	repoPath   string
	projectDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	vector, err := chroma.NewLocal(t.TempDir())
	require.NoError(t, err)

	mirror, err := dolt.New(ctx, &dolt.Config{
		Path:           t.TempDir(),
		Database:       "dmms_test",
		CommitterName:  "test",
		CommitterEmail: "test@local",
		CommandTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mirror.Close() })

	trk, err := tracker.Open(filepath.Join(t.TempDir(), "dev", "deletion_tracking.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = trk.Close() })

	h := &harness{
		vector:     vector,
		mirror:     mirror,
		trk:        trk,
		repoPath:   "/repo",
		projectDir: t.TempDir(),
	}
	h.mgr = NewManager(vector, mirror, trk, h.repoPath, h.projectDir)
	return h
}

func TestFullSyncCommitsLocalChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.vector.CreateCollection(ctx, "notes", map[string]interface{}{"purpose": "test"}))
	require.NoError(t, h.vector.AddDocuments(ctx, "notes", []chroma.Document{
		{ID: "a", Content: "hello world"},
		{ID: "b", Content: "second doc"},
	}))

	res, err := h.mgr.FullSync(ctx, false)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.NotEmpty(t, res.Commit)
	assert.Equal(t, 2, res.DocsUpserted)

	doc, err := h.mirror.GetDocument(ctx, "notes", "a")
	require.NoError(t, err)
	assert.Equal(t, "hello world", doc.Content)
	assert.NotEmpty(t, doc.ContentHash)

	st, err := h.trk.GetSyncState(ctx, h.repoPath, "notes", "main")
	require.NoError(t, err)
	assert.Equal(t, tracker.SyncStatusSynced, st.Status)
	assert.Equal(t, res.Commit, st.LastSyncCommit)
	assert.Equal(t, 2, st.DocCount)

	// A second pass with nothing new is a no-op.
	res, err = h.mgr.FullSync(ctx, false)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestFullSyncForceRunsOnCleanTree(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.vector.CreateCollection(ctx, "notes", nil))
	require.NoError(t, h.vector.AddDocuments(ctx, "notes", []chroma.Document{{ID: "a", Content: "v1"}}))
	first, err := h.mgr.FullSync(ctx, false)
	require.NoError(t, err)

	forced, err := h.mgr.FullSync(ctx, true)
	require.NoError(t, err)
	assert.False(t, forced.Skipped)
	// Clean tree: Dolt has nothing to commit and reports the current HEAD.
	assert.Equal(t, first.Commit, forced.Commit)
}

func TestSyncPicksUpModificationsByHash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.vector.CreateCollection(ctx, "notes", nil))
	require.NoError(t, h.vector.AddDocuments(ctx, "notes", []chroma.Document{{ID: "a", Content: "v1"}}))
	_, err := h.mgr.FullSync(ctx, false)
	require.NoError(t, err)

	require.NoError(t, h.vector.AddDocuments(ctx, "notes", []chroma.Document{{ID: "a", Content: "v2"}}))
	res, err := h.mgr.FullSync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DocsUpserted)

	doc, err := h.mirror.GetDocument(ctx, "notes", "a")
	require.NoError(t, err)
	assert.Equal(t, "v2", doc.Content)
}

func TestSyncStagesLogicalDocumentsNotChunks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	content := strings.Repeat("long form paragraph ", 120)
	chunks, err := chunker.BuildChunks("guide", content, map[string]interface{}{"lang": "en"}, 512, 50)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	require.NoError(t, h.vector.CreateCollection(ctx, "manuals", nil))
	require.NoError(t, h.vector.AddDocuments(ctx, "manuals", chunks))

	res, err := h.mgr.FullSync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DocsUpserted)

	// The mirror holds one reassembled row per base ID, with the chunk
	// bookkeeping stripped; chunk rows never reach the versioned store.
	rows, err := h.mirror.ListDocuments(ctx, "manuals")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "guide", rows[0].ID)
	assert.Equal(t, content, rows[0].Content)
	assert.Equal(t, hashutil.ContentHash(content), rows[0].ContentHash)
	assert.Equal(t, "en", rows[0].Metadata["lang"])
	assert.NotContains(t, rows[0].Metadata, "chunk_index")
	assert.NotContains(t, rows[0].Metadata, "total_chunks")
	assert.NotContains(t, rows[0].Metadata, "source_id")

	st, err := h.trk.GetSyncState(ctx, h.repoPath, "manuals", "main")
	require.NoError(t, err)
	assert.Equal(t, 1, st.DocCount)
	assert.Equal(t, len(chunks), st.ChunkCount)

	// A second pass sees both sides agreeing on the logical hash.
	res, err = h.mgr.FullSync(ctx, false)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestSyncStagesTrackedDocDeletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.vector.CreateCollection(ctx, "notes", nil))
	require.NoError(t, h.vector.AddDocuments(ctx, "notes", []chroma.Document{
		{ID: "keep", Content: "stays"},
		{ID: "gone", Content: "goes"},
	}))
	_, err := h.mgr.FullSync(ctx, false)
	require.NoError(t, err)

	require.NoError(t, h.vector.DeleteDocuments(ctx, "notes", []string{"gone"}))
	require.NoError(t, h.trk.TrackDocDeletion(ctx, h.repoPath, "gone", "notes", "", nil, "main", ""))

	res, err := h.mgr.FullSync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DocsDeleted)

	_, err = h.mirror.GetDocument(ctx, "notes", "gone")
	assert.Error(t, err)

	// The pending op completed its lifecycle and was cleaned up.
	ops, err := h.trk.PendingDocDeletions(ctx, h.repoPath, "notes")
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestSyncAppliesCollectionDeletionCascade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.vector.CreateCollection(ctx, "doomed", nil))
	require.NoError(t, h.vector.AddDocuments(ctx, "doomed", []chroma.Document{{ID: "a", Content: "x"}}))
	_, err := h.mgr.FullSync(ctx, false)
	require.NoError(t, err)

	require.NoError(t, h.vector.DeleteCollection(ctx, "doomed"))
	require.NoError(t, h.trk.TrackCollectionDeletion(ctx, h.repoPath, "doomed", nil, "main", ""))

	_, err = h.mgr.FullSync(ctx, false)
	require.NoError(t, err)

	_, err = h.mirror.GetCollection(ctx, "doomed")
	assert.Error(t, err)

	ops, err := h.trk.PendingCollectionOps(ctx, h.repoPath)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestSyncAppliesRenameThenMetadataUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.vector.CreateCollection(ctx, "old", nil))
	require.NoError(t, h.vector.AddDocuments(ctx, "old", []chroma.Document{{ID: "a", Content: "x"}}))
	_, err := h.mgr.FullSync(ctx, false)
	require.NoError(t, err)

	require.NoError(t, h.vector.ModifyCollection(ctx, "old", "new", nil))
	require.NoError(t, h.trk.TrackCollectionUpdate(ctx, h.repoPath, "old", "new", nil, nil, "main", ""))
	require.NoError(t, h.trk.TrackCollectionUpdate(ctx, h.repoPath, "new", "",
		nil, map[string]interface{}{"tier": "gold"}, "main", ""))

	_, err = h.mgr.FullSync(ctx, false)
	require.NoError(t, err)

	_, err = h.mirror.GetCollection(ctx, "old")
	assert.Error(t, err, "old name must be gone from the mirror")

	col, err := h.mirror.GetCollection(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, "gold", col.Metadata["tier"])

	doc, err := h.mirror.GetDocument(ctx, "new", "a")
	require.NoError(t, err)
	assert.Equal(t, "x", doc.Content)

	ops, err := h.trk.PendingCollectionOps(ctx, h.repoPath)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestCheckoutSyncRebuildsVectorStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.vector.CreateCollection(ctx, "docs", nil))
	require.NoError(t, h.vector.AddDocuments(ctx, "docs", []chroma.Document{
		{ID: "shared", Content: "main version"},
		{ID: "main_only", Content: "exists on main"},
	}))
	_, err := h.mgr.FullSync(ctx, false)
	require.NoError(t, err)

	// Build divergent content on a feature branch directly in the mirror.
	require.NoError(t, h.mirror.CreateBranch(ctx, "feature"))
	require.NoError(t, h.mirror.Checkout(ctx, "feature"))
	require.NoError(t, h.mirror.UpsertDocuments(ctx, "docs", []dolt.Document{
		{ID: "shared", Content: "feature version"},
		{ID: "feature_only", Content: "exists on feature"},
	}))
	_, err = h.mirror.DeleteDocuments(ctx, "docs", []string{"main_only"})
	require.NoError(t, err)
	_, err = h.mirror.Commit(ctx, "feature edits")
	require.NoError(t, err)
	require.NoError(t, h.mirror.Checkout(ctx, "main"))

	res, err := h.mgr.CheckoutSync(ctx, "feature")
	require.NoError(t, err)
	assert.Equal(t, "feature", res.Branch)
	assert.NotEmpty(t, res.Commit)

	docs, err := h.vector.GetDocuments(ctx, "docs", nil, nil)
	require.NoError(t, err)
	byID := map[string]string{}
	for _, d := range docs {
		byID[d.ID] = d.Content
	}
	assert.Equal(t, "feature version", byID["shared"])
	assert.Equal(t, "exists on feature", byID["feature_only"])
	assert.NotContains(t, byID, "main_only")

	st, err := h.trk.GetSyncState(ctx, h.repoPath, "docs", "feature")
	require.NoError(t, err)
	assert.Equal(t, res.Commit, st.LastSyncCommit)
}

func TestCheckoutSyncChunksLongMirrorContent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	long := ""
	for i := 0; i < 60; i++ {
		long += "repeated sentence for chunk sizing. "
	}
	require.NoError(t, h.mirror.UpsertCollection(ctx, "manuals", nil))
	require.NoError(t, h.mirror.UpsertDocuments(ctx, "manuals", []dolt.Document{
		{ID: "guide", Content: long},
	}))
	_, err := h.mirror.Commit(ctx, "seed manual")
	require.NoError(t, err)

	_, err = h.mgr.CheckoutSync(ctx, "main")
	require.NoError(t, err)

	docs, err := h.vector.GetDocuments(ctx, "manuals", nil, nil)
	require.NoError(t, err)
	require.Greater(t, len(docs), 1, "long content must be chunked")
	for _, d := range docs {
		assert.Equal(t, "guide", d.Metadata["source_id"])
	}
}

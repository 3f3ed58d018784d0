package dolt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmms-io/dmms/internal/dmmserr"
	"github.com/dmms-io/dmms/internal/hashutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := New(ctx, &Config{
		Path:           t.TempDir(),
		Database:       "dmms_test",
		CommitterName:  "test",
		CommitterEmail: "test@local",
		CommandTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDocumentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertCollection(ctx, "notes", map[string]interface{}{"purpose": "test"}))
	require.NoError(t, s.UpsertDocuments(ctx, "notes", []Document{
		{ID: "a", Content: "hello world", Metadata: map[string]interface{}{"lang": "en"}},
		{ID: "b", Content: "zweites dokument"},
	}))

	doc, err := s.GetDocument(ctx, "notes", "a")
	require.NoError(t, err)
	assert.Equal(t, "hello world", doc.Content)
	assert.Equal(t, hashutil.ContentHash("hello world"), doc.ContentHash)
	assert.Equal(t, "en", doc.Metadata["lang"])

	docs, err := s.ListDocuments(ctx, "notes")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)

	hashes, err := s.DocHashes(ctx, "notes")
	require.NoError(t, err)
	assert.Len(t, hashes, 2)

	_, err = s.GetDocument(ctx, "notes", "ghost")
	assert.ErrorIs(t, err, dmmserr.ErrNotFound)
}

func TestRenameCollectionRehomesDocuments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDocuments(ctx, "old", []Document{{ID: "a", Content: "x"}}))
	require.NoError(t, s.RenameCollection(ctx, "old", "new"))

	_, err := s.GetCollection(ctx, "old")
	assert.ErrorIs(t, err, dmmserr.ErrNotFound)
	doc, err := s.GetDocument(ctx, "new", "a")
	require.NoError(t, err)
	assert.Equal(t, "x", doc.Content)

	assert.ErrorIs(t, s.RenameCollection(ctx, "ghost", "other"), dmmserr.ErrNotFound)
}

func TestCommitAndBranches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	branch, err := s.ActiveBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	require.NoError(t, s.UpsertDocuments(ctx, "notes", []Document{{ID: "a", Content: "v1"}}))
	c1, err := s.Commit(ctx, "add a")
	require.NoError(t, err)
	require.NotEmpty(t, c1)

	head, err := s.CurrentCommit(ctx)
	require.NoError(t, err)
	assert.Equal(t, c1, head)

	require.NoError(t, s.CreateBranch(ctx, "feature"))
	assert.ErrorIs(t, s.CreateBranch(ctx, "feature"), dmmserr.ErrAlreadyExists)

	branches, err := s.ListBranches(ctx)
	require.NoError(t, err)
	assert.Contains(t, branches, "main")
	assert.Contains(t, branches, "feature")

	require.NoError(t, s.Checkout(ctx, "feature"))
	require.NoError(t, s.UpsertDocuments(ctx, "notes", []Document{{ID: "a", Content: "v2"}}))
	c2, err := s.Commit(ctx, "edit a on feature")
	require.NoError(t, err)
	require.NotEqual(t, c1, c2)

	// Merge base of the two branches is the shared first commit.
	base, err := s.MergeBase(ctx, "main", "feature")
	require.NoError(t, err)
	assert.Equal(t, c1, base)

	// Back on main the old content is still visible.
	require.NoError(t, s.Checkout(ctx, "main"))
	doc, err := s.GetDocument(ctx, "notes", "a")
	require.NoError(t, err)
	assert.Equal(t, "v1", doc.Content)

	// AS OF read against the feature branch.
	doc, err = s.GetDocumentAsOf(ctx, "notes", "a", "feature")
	require.NoError(t, err)
	assert.Equal(t, "v2", doc.Content)
}

func TestDiffBetweenRefs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDocuments(ctx, "docs", []Document{
		{ID: "keep", Content: "stays"},
		{ID: "gone", Content: "will be deleted"},
	}))
	c1, err := s.Commit(ctx, "base")
	require.NoError(t, err)

	require.NoError(t, s.UpsertDocuments(ctx, "docs", []Document{
		{ID: "keep", Content: "stays edited"},
		{ID: "new", Content: "added later"},
	}))
	_, err = s.DeleteDocuments(ctx, "docs", []string{"gone"})
	require.NoError(t, err)
	c2, err := s.Commit(ctx, "changes")
	require.NoError(t, err)

	entries, err := s.Diff(ctx, c1, c2)
	require.NoError(t, err)

	byID := map[string]DiffEntry{}
	for _, e := range entries {
		byID[e.DocID] = e
	}
	assert.Equal(t, "modified", byID["keep"].DiffType)
	assert.Equal(t, "added", byID["new"].DiffType)
	assert.Equal(t, "removed", byID["gone"].DiffType)

	// Injection-shaped refs are rejected before touching SQL.
	_, err = s.Diff(ctx, "main'; DROP TABLE documents; --", c2)
	assert.ErrorIs(t, err, dmmserr.ErrValidation)
}

func TestUncommittedChangesAndStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDocuments(ctx, "docs", []Document{{ID: "x", Content: "1"}}))
	dirty, err := s.HasUncommittedChanges(ctx)
	require.NoError(t, err)
	assert.True(t, dirty)

	_, err = s.Commit(ctx, "clean up")
	require.NoError(t, err)
	dirty, err = s.HasUncommittedChanges(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)

	// Commit on a clean working set returns the current HEAD.
	head, err := s.CurrentCommit(ctx)
	require.NoError(t, err)
	again, err := s.Commit(ctx, "nothing changed")
	require.NoError(t, err)
	assert.Equal(t, head, again)
}

func TestHeadDocCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDocuments(ctx, "alpha", []Document{{ID: "1", Content: "a"}, {ID: "2", Content: "b"}}))
	require.NoError(t, s.UpsertCollection(ctx, "empty", nil))
	_, err := s.Commit(ctx, "seed")
	require.NoError(t, err)

	commit, counts, err := s.HeadDocCounts(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, commit)
	assert.Equal(t, 2, counts["alpha"])
	assert.Equal(t, 0, counts["empty"])
}

package tracker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmms-io/dmms/internal/dmmserr"
)

type fakeHead struct {
	commit string
	counts map[string]int
}

func (f fakeHead) HeadDocCounts(ctx context.Context) (string, map[string]int, error) {
	return f.commit, f.counts, nil
}

func TestSyncStateCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := SyncState{
		RepoPath:       "/r",
		Collection:     "alpha",
		Branch:         "main",
		LastSyncCommit: "c1",
		DocCount:       3,
		ChunkCount:     7,
		EmbeddingModel: "all-MiniLM-L6-v2",
	}
	require.NoError(t, s.UpsertSyncState(ctx, st))

	got, err := s.GetSyncState(ctx, "/r", "alpha", "main")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.LastSyncCommit)
	assert.Equal(t, 3, got.DocCount)
	assert.Equal(t, SyncStatusSynced, got.Status)

	// Upsert overwrites.
	st.DocCount = 4
	st.Status = SyncStatusLocalChanges
	st.LocalChangesCount = 2
	require.NoError(t, s.UpsertSyncState(ctx, st))
	got, err = s.GetSyncState(ctx, "/r", "alpha", "main")
	require.NoError(t, err)
	assert.Equal(t, 4, got.DocCount)
	assert.Equal(t, SyncStatusLocalChanges, got.Status)
	assert.Equal(t, 2, got.LocalChangesCount)

	_, err = s.GetSyncState(ctx, "/r", "missing", "main")
	assert.ErrorIs(t, err, dmmserr.ErrNotFound)
}

func TestBranchIsolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSyncState(ctx, SyncState{
		RepoPath: "/r", Collection: "c", Branch: "main", LastSyncCommit: "m1"}))
	require.NoError(t, s.UpsertSyncState(ctx, SyncState{
		RepoPath: "/r", Collection: "c", Branch: "feature", LastSyncCommit: "f1"}))

	// A query for feature must never see the main row.
	rows, err := s.ListBranchSyncState(ctx, "/r", "feature")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "feature", rows[0].Branch)
	assert.Equal(t, "f1", rows[0].LastSyncCommit)

	got, err := s.GetSyncState(ctx, "/r", "c", "main")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.LastSyncCommit)

	all, err := s.ListAllSyncState(ctx, "/r")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestClearBranchSyncState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, c := range []string{"a", "b"} {
		require.NoError(t, s.UpsertSyncState(ctx, SyncState{
			RepoPath: "/r", Collection: c, Branch: "doomed"}))
	}
	require.NoError(t, s.UpsertSyncState(ctx, SyncState{
		RepoPath: "/r", Collection: "a", Branch: "main"}))

	n, err := s.ClearBranchSyncState(ctx, "/r", "doomed")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	all, err := s.ListAllSyncState(ctx, "/r")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "main", all[0].Branch)
}

func TestUpdateCommitHashFastPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSyncState(ctx, SyncState{
		RepoPath: "/r", Collection: "c", Branch: "main",
		LastSyncCommit: "old", Status: SyncStatusLocalChanges, LocalChangesCount: 5}))

	require.NoError(t, s.UpdateCommitHash(ctx, "/r", "c", "new", "main"))

	got, err := s.GetSyncState(ctx, "/r", "c", "main")
	require.NoError(t, err)
	assert.Equal(t, "new", got.LastSyncCommit)
	assert.Equal(t, SyncStatusSynced, got.Status)
	assert.Zero(t, got.LocalChangesCount)

	assert.ErrorIs(t, s.UpdateCommitHash(ctx, "/r", "c", "x", "feature"), dmmserr.ErrNotFound)
}

func TestReconstructSyncStateIfMissing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	head := fakeHead{commit: "h1", counts: map[string]int{"alpha": 2, "beta": 1}}

	ok, err := s.ReconstructSyncStateIfMissing(ctx, "/r", "main", head)
	require.NoError(t, err)
	assert.True(t, ok)

	rows, err := s.ListBranchSyncState(ctx, "/r", "main")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, "h1", row.LastSyncCommit)
		assert.Equal(t, SyncStatusSynced, row.Status)
	}

	// Second call leaves existing rows untouched.
	ok, err = s.ReconstructSyncStateIfMissing(ctx, "/r", "main",
		fakeHead{commit: "h2", counts: map[string]int{"gamma": 9}})
	require.NoError(t, err)
	assert.True(t, ok)
	rows, err = s.ListBranchSyncState(ctx, "/r", "main")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

package syncer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmms-io/dmms/internal/chroma"
	"github.com/dmms-io/dmms/internal/manifest"
)

func writeManifest(t *testing.T, projectDir, commit, branch string) {
	t.Helper()
	m := manifest.Default()
	m.Repository.CurrentCommit = commit
	m.Repository.CurrentBranch = branch
	require.NoError(t, manifest.Save(projectDir, m))
}

func TestCheckerNoManifest(t *testing.T) {
	h := newHarness(t)
	c := NewChecker(h.mirror, h.projectDir)

	report, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, report.InSync)
	assert.False(t, report.ManifestExists)
	assert.Equal(t, "No manifest", report.Reason)

	warning, err := c.Warning(context.Background())
	require.NoError(t, err)
	assert.Nil(t, warning)
}

func TestCheckerManifestMatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	commit, err := h.mirror.CurrentCommit(ctx)
	require.NoError(t, err)
	writeManifest(t, h.projectDir, commit, "main")

	c := NewChecker(h.mirror, h.projectDir)
	report, err := c.Check(ctx)
	require.NoError(t, err)
	assert.True(t, report.InSync)
	assert.True(t, report.ManifestExists)
	assert.True(t, report.DoltInitialized)
	assert.Equal(t, commit, report.LocalCommit)

	safe, err := c.IsSafeToSync(ctx)
	require.NoError(t, err)
	assert.True(t, safe)
}

func TestCheckerBranchMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	commit, err := h.mirror.CurrentCommit(ctx)
	require.NoError(t, err)
	writeManifest(t, h.projectDir, commit, "feature")

	c := NewChecker(h.mirror, h.projectDir)
	report, err := c.Check(ctx)
	require.NoError(t, err)
	assert.False(t, report.InSync)
	assert.Contains(t, report.Reason, "feature")

	warning, err := c.Warning(ctx)
	require.NoError(t, err)
	require.NotNil(t, warning)
	assert.Equal(t, "out_of_sync", warning.Type)
	assert.NotEmpty(t, warning.ActionRequired)
}

func TestCheckerCommitMismatchReason(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	writeManifest(t, h.projectDir, "0123456789abcdef0123456789abcdef", "main")

	c := NewChecker(h.mirror, h.projectDir)
	report, err := c.Check(ctx)
	require.NoError(t, err)
	assert.False(t, report.InSync)
	assert.Contains(t, report.Reason, "Commit differs")
}

func TestCheckerDirtyTreeBlocksSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	commit, err := h.mirror.CurrentCommit(ctx)
	require.NoError(t, err)
	writeManifest(t, h.projectDir, commit, "main")

	require.NoError(t, h.mirror.UpsertCollection(ctx, "scratch", nil))

	c := NewChecker(h.mirror, h.projectDir)
	report, err := c.Check(ctx)
	require.NoError(t, err)
	assert.False(t, report.InSync)
	assert.True(t, report.HasLocalChanges)

	safe, err := c.IsSafeToSync(ctx)
	require.NoError(t, err)
	assert.False(t, safe)
}

func TestCheckerLocalAheadBlocksSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	before, err := h.mirror.CurrentCommit(ctx)
	require.NoError(t, err)
	writeManifest(t, h.projectDir, before, "main")

	require.NoError(t, h.mirror.UpsertCollection(ctx, "extra", nil))
	_, err = h.mirror.Commit(ctx, "local-only commit")
	require.NoError(t, err)

	c := NewChecker(h.mirror, h.projectDir)
	safe, err := c.IsSafeToSync(ctx)
	require.NoError(t, err)
	assert.False(t, safe, "HEAD carries commits the manifest has not seen")
}

func TestCheckerCacheAndInvalidate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c := NewChecker(h.mirror, h.projectDir)
	first, err := c.Check(ctx)
	require.NoError(t, err)
	assert.True(t, first.InSync)

	commit, err := h.mirror.CurrentCommit(ctx)
	require.NoError(t, err)
	writeManifest(t, h.projectDir, commit, "elsewhere")

	cached, err := c.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.InSync, cached.InSync, "cached report survives until invalidation")

	c.InvalidateCache()
	fresh, err := c.Check(ctx)
	require.NoError(t, err)
	assert.False(t, fresh.InSync)
}

func TestCoordinatorInitialize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Seed a commit so reconstruction has something to read.
	require.NoError(t, h.vector.CreateCollection(ctx, "notes", nil))
	require.NoError(t, h.vector.AddDocuments(ctx, "notes", []chroma.Document{{ID: "a", Content: "x"}}))
	res, err := h.mgr.FullSync(ctx, false)
	require.NoError(t, err)

	// Wipe sync state to simulate a fresh clone.
	_, err = h.trk.ClearBranchSyncState(ctx, h.repoPath, "main")
	require.NoError(t, err)
	writeManifest(t, h.projectDir, res.Commit, "main")

	coord := &Coordinator{
		Vector:     h.vector,
		Mirror:     h.mirror,
		Tracker:    h.trk,
		Manager:    h.mgr,
		RepoPath:   h.repoPath,
		ProjectDir: h.projectDir,
	}
	report, err := coord.Initialize(ctx)
	require.NoError(t, err)
	assert.True(t, report.Reconstructed)
	require.NotNil(t, report.Manifest)

	st, err := h.trk.GetSyncState(ctx, h.repoPath, "notes", "main")
	require.NoError(t, err)
	assert.NotEmpty(t, st.LastSyncCommit)
}

func TestCoordinatorSwitchesBranchPerManifest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.vector.CreateCollection(ctx, "docs", nil))
	require.NoError(t, h.vector.AddDocuments(ctx, "docs", []chroma.Document{{ID: "a", Content: "x"}}))
	res, err := h.mgr.FullSync(ctx, false)
	require.NoError(t, err)
	require.NoError(t, h.mirror.CreateBranch(ctx, "feature"))

	m := manifest.Default()
	m.Repository.CurrentCommit = res.Commit
	m.Repository.CurrentBranch = "feature"
	m.Initialization.OnBranchChange = manifest.BranchSyncToManifest
	require.NoError(t, manifest.Save(h.projectDir, m))

	coord := &Coordinator{
		Vector:     h.vector,
		Mirror:     h.mirror,
		Tracker:    h.trk,
		Manager:    h.mgr,
		RepoPath:   h.repoPath,
		ProjectDir: h.projectDir,
	}
	report, err := coord.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, "feature", report.SwitchedTo)

	branch, err := h.mirror.ActiveBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "feature", branch)
}

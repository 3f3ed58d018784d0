package manifest

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingReturnsNil(t *testing.T) {
	m, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestLoadEmptyAndCorruptReturnNil(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, Dir), 0o755))

	for name, content := range map[string]string{
		"empty":       "",
		"not json":    "{oops",
		"bad version": `{"version":"2.0"}`,
		"bad enum":    `{"version":"1.0","initialization":{"mode":"yolo","on_clone":"empty","on_branch_change":"prompt"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(Path(dir), []byte(content), 0o644))
			m, err := Load(dir)
			require.NoError(t, err)
			assert.Nil(t, m)
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := Default()
	m.Repository.RemoteURL = "https://doltremoteapi.dolthub.com/acme/memory"
	m.Repository.CurrentCommit = "abc123"
	m.Collections.Tracked = []string{"archive_*", "current"}
	m.UpdatedBy = "dmms"

	require.NoError(t, Save(dir, m))

	got, err := Load(dir)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, Version, got.Version)
	assert.Equal(t, "abc123", got.Repository.CurrentCommit)
	assert.Equal(t, []string{"archive_*", "current"}, got.Collections.Tracked)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestSaveRejectsInvalid(t *testing.T) {
	m := Default()
	m.Initialization.OnClone = "whatever"
	assert.Error(t, Save(t.TempDir(), m))
}

func TestSaveIsAtomicUnderConcurrentReads(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, Default()))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			// A reader must always see a complete manifest or nothing.
			m, err := Load(dir)
			assert.NoError(t, err)
			if m != nil {
				assert.Equal(t, Version, m.Version)
			}
		}
	}()

	for i := 0; i < 50; i++ {
		m := Default()
		m.Repository.CurrentCommit = time.Now().Format("150405.000000")
		require.NoError(t, Save(dir, m))
	}
	close(stop)
	wg.Wait()

	// No temp files left behind
	entries, err := os.ReadDir(filepath.Join(dir, Dir))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, File, entries[0].Name())
}

func TestRecordPosition(t *testing.T) {
	dir := t.TempDir()
	m := Default()
	require.NoError(t, RecordPosition(dir, m, "deadbeef", "feature", "tool"))

	got, err := Load(dir)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "deadbeef", got.Repository.CurrentCommit)
	assert.Equal(t, "feature", got.Repository.CurrentBranch)
	assert.Equal(t, "tool", got.UpdatedBy)
}

func TestWatcherFiresOnRewrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, Default()))

	changed := make(chan struct{}, 8)
	w, err := Watch(dir, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()

	m := Default()
	m.Repository.CurrentCommit = "f00"
	require.NoError(t, Save(dir, m))

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not observe manifest rewrite")
	}
}

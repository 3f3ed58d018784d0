package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dmms-io/dmms/internal/debug"
	"github.com/dmms-io/dmms/internal/dolt"
	"github.com/dmms-io/dmms/internal/manifest"
)

// SyncStateReport is the answer to "does reality match the manifest".
type SyncStateReport struct {
	InSync          bool   `json:"in_sync"`
	ManifestExists  bool   `json:"manifest_exists"`
	DoltInitialized bool   `json:"dolt_initialized"`
	LocalCommit     string `json:"local_commit,omitempty"`
	ManifestCommit  string `json:"manifest_commit,omitempty"`
	LocalBranch     string `json:"local_branch,omitempty"`
	ManifestBranch  string `json:"manifest_branch,omitempty"`
	HasLocalChanges bool   `json:"has_local_changes"`
	Reason          string `json:"reason,omitempty"`
}

// OutOfSyncWarning is the structured warning surfaced to clients when the
// repository drifted from its manifest.
type OutOfSyncWarning struct {
	Type           string `json:"type"`
	Message        string `json:"message"`
	ActionRequired string `json:"action_required"`
}

// Checker answers sync-state questions with a short-lived cache. Concurrent
// callers share one underlying computation via singleflight; InvalidateCache
// (wired to the manifest watcher) forces the next call to re-query.
type Checker struct {
	mirror     *dolt.Store
	projectDir string

	mu       sync.Mutex
	cached   *SyncStateReport
	cachedAt time.Time
	ttl      time.Duration

	group   singleflight.Group
	watcher *manifest.Watcher
}

// NewChecker builds a checker for one project. mirror may be nil when the
// versioned store has not been initialized yet.
func NewChecker(mirror *dolt.Store, projectDir string) *Checker {
	return &Checker{mirror: mirror, projectDir: projectDir, ttl: 5 * time.Second}
}

// WatchManifest invalidates the cache whenever state.json changes on disk.
func (c *Checker) WatchManifest() error {
	w, err := manifest.Watch(c.projectDir, c.InvalidateCache)
	if err != nil {
		return err
	}
	c.watcher = w
	return nil
}

// Close stops the manifest watcher, if any.
func (c *Checker) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// InvalidateCache drops the cached report.
func (c *Checker) InvalidateCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
	debug.Logf("sync-state cache invalidated")
}

// Check returns the current sync-state report, cached for a few seconds.
func (c *Checker) Check(ctx context.Context) (*SyncStateReport, error) {
	c.mu.Lock()
	if c.cached != nil && time.Since(c.cachedAt) < c.ttl {
		r := *c.cached
		c.mu.Unlock()
		return &r, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("check", func() (interface{}, error) {
		report, err := c.compute(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cached = report
		c.cachedAt = time.Now()
		c.mu.Unlock()
		return report, nil
	})
	if err != nil {
		return nil, err
	}
	r := *v.(*SyncStateReport)
	return &r, nil
}

func (c *Checker) compute(ctx context.Context) (*SyncStateReport, error) {
	report := &SyncStateReport{}

	man, err := manifest.Load(c.projectDir)
	if err != nil {
		return nil, err
	}
	if man != nil {
		report.ManifestExists = true
		report.ManifestCommit = man.Repository.CurrentCommit
		report.ManifestBranch = man.Repository.CurrentBranch
	}

	if c.mirror == nil {
		report.InSync = false
		report.Reason = "versioned store not initialized"
		if !report.ManifestExists {
			report.InSync = true
			report.Reason = "No manifest"
		}
		return report, nil
	}
	commit, err := c.mirror.CurrentCommit(ctx)
	if err != nil {
		report.InSync = false
		report.Reason = "versioned store not initialized"
		return report, nil
	}
	report.DoltInitialized = true
	report.LocalCommit = commit

	branch, err := c.mirror.ActiveBranch(ctx)
	if err != nil {
		return nil, err
	}
	report.LocalBranch = branch

	dirty, err := c.mirror.HasUncommittedChanges(ctx)
	if err != nil {
		return nil, err
	}
	report.HasLocalChanges = dirty

	if !report.ManifestExists {
		report.InSync = true
		report.Reason = "No manifest"
		return report, nil
	}

	switch {
	case dirty:
		report.Reason = "uncommitted local changes"
	case report.LocalBranch != report.ManifestBranch:
		report.Reason = fmt.Sprintf("on branch %s, manifest expects %s", report.LocalBranch, report.ManifestBranch)
	case report.LocalCommit != report.ManifestCommit:
		report.Reason = fmt.Sprintf("Commit differs: at %s, manifest expects %s", short(report.LocalCommit), short(report.ManifestCommit))
	default:
		report.InSync = true
	}
	return report, nil
}

// IsSafeToSync reports whether a sync pass can run without risking local
// work: no uncommitted changes, and the local branch is not ahead of the
// commit the manifest recorded.
func (c *Checker) IsSafeToSync(ctx context.Context) (bool, error) {
	report, err := c.Check(ctx)
	if err != nil {
		return false, err
	}
	if report.HasLocalChanges {
		return false, nil
	}
	if !report.DoltInitialized || !report.ManifestExists || report.ManifestCommit == "" {
		return true, nil
	}
	if report.LocalCommit == report.ManifestCommit {
		return true, nil
	}
	ahead, err := c.localAheadOf(ctx, report.ManifestCommit)
	if err != nil {
		return false, err
	}
	return !ahead, nil
}

// localAheadOf reports whether commit appears in the local history below
// HEAD, which means HEAD carries commits the manifest has not recorded.
func (c *Checker) localAheadOf(ctx context.Context, commit string) (bool, error) {
	log, err := c.mirror.Log(ctx, 200)
	if err != nil {
		return false, err
	}
	for i, entry := range log {
		if entry.Hash == commit {
			return i > 0, nil
		}
	}
	return false, nil
}

// Warning returns nil when in sync, otherwise a structured out-of-sync
// warning for tool responses.
func (c *Checker) Warning(ctx context.Context) (*OutOfSyncWarning, error) {
	report, err := c.Check(ctx)
	if err != nil {
		return nil, err
	}
	if report.InSync {
		return nil, nil
	}
	return &OutOfSyncWarning{
		Type:           "out_of_sync",
		Message:        report.Reason,
		ActionRequired: "run full_sync, or checkout the manifest branch before making changes",
	}, nil
}

func short(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}

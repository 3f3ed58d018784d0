package syncer

import (
	"context"
	"fmt"

	"github.com/dmms-io/dmms/internal/chroma"
	"github.com/dmms-io/dmms/internal/debug"
	"github.com/dmms-io/dmms/internal/dmmserr"
	"github.com/dmms-io/dmms/internal/dolt"
	"github.com/dmms-io/dmms/internal/manifest"
	"github.com/dmms-io/dmms/internal/tracker"
)

// Coordinator runs the boot sequence: verify every store is reachable, then
// reconcile the repository position against the manifest's policies.
type Coordinator struct {
	Vector     chroma.Gateway
	Mirror     *dolt.Store
	Tracker    *tracker.Store
	Manager    *Manager
	RepoPath   string
	ProjectDir string
}

// BootReport records what initialization found and did.
type BootReport struct {
	Manifest      *manifest.Manifest
	Reconstructed bool   // sync-state rows rebuilt from HEAD
	SwitchedTo    string // branch checked out to honor the manifest, if any
	Skipped       bool   // initialization.mode disabled all reconciliation
}

// Initialize performs the fail-fast startup checks and manifest-driven
// reconciliation. Store failures are fatal: a server that cannot reach its
// tracker, vector store, or mirror must not accept requests.
func (c *Coordinator) Initialize(ctx context.Context) (*BootReport, error) {
	if c.Tracker == nil {
		return nil, fmt.Errorf("tracker store is required: %w", dmmserr.ErrInternal)
	}
	if err := c.Tracker.Ping(ctx); err != nil {
		return nil, fmt.Errorf("tracker database unavailable: %w", err)
	}
	if c.Vector != nil {
		if err := c.Vector.Heartbeat(ctx); err != nil {
			return nil, fmt.Errorf("vector store unavailable: %w", err)
		}
	}
	if c.Mirror != nil {
		if err := c.Mirror.Ping(ctx); err != nil {
			return nil, fmt.Errorf("versioned store unavailable: %w", err)
		}
	}

	report := &BootReport{}
	man, err := manifest.Load(c.ProjectDir)
	if err != nil {
		return nil, err
	}
	report.Manifest = man
	if man == nil {
		debug.Logf("init: no manifest, starting with a clean slate")
		return report, nil
	}
	if man.Initialization.Mode == manifest.InitDisabled {
		report.Skipped = true
		return report, nil
	}

	if c.Mirror != nil {
		rebuilt, err := c.reconcileSyncState(ctx, man)
		if err != nil {
			return nil, err
		}
		report.Reconstructed = rebuilt

		switched, err := c.reconcileBranch(ctx, man)
		if err != nil {
			return nil, err
		}
		report.SwitchedTo = switched
	}
	return report, nil
}

// reconcileSyncState rebuilds tracker rows lost to a fresh clone or a wiped
// data directory, honoring the on_clone policy.
func (c *Coordinator) reconcileSyncState(ctx context.Context, man *manifest.Manifest) (bool, error) {
	if man.Initialization.OnClone == manifest.CloneEmpty {
		return false, nil
	}
	branch, err := c.Mirror.ActiveBranch(ctx)
	if err != nil {
		return false, err
	}
	existing, err := c.Tracker.ListBranchSyncState(ctx, c.RepoPath, branch)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}
	ok, err := c.Tracker.ReconstructSyncStateIfMissing(ctx, c.RepoPath, branch, c.Mirror)
	if err != nil {
		return false, err
	}
	if ok {
		debug.Logf("init: reconstructed sync state for %s from HEAD", branch)
	}
	return ok, nil
}

// reconcileBranch honors on_branch_change when the active branch differs
// from the manifest's recorded branch. preserve_local (and prompt, which
// cannot be answered at boot) leave the checkout alone.
func (c *Coordinator) reconcileBranch(ctx context.Context, man *manifest.Manifest) (string, error) {
	wanted := man.Repository.CurrentBranch
	if wanted == "" || man.Initialization.OnBranchChange != manifest.BranchSyncToManifest {
		return "", nil
	}
	current, err := c.Mirror.ActiveBranch(ctx)
	if err != nil {
		return "", err
	}
	if current == wanted {
		return "", nil
	}
	if c.Manager == nil {
		debug.Logf("init: on branch %s, manifest expects %s; no manager wired, leaving as is", current, wanted)
		return "", nil
	}
	if _, err := c.Manager.CheckoutSync(ctx, wanted); err != nil {
		return "", fmt.Errorf("checking out manifest branch %s: %w", wanted, err)
	}
	debug.Logf("init: switched %s -> %s per manifest", current, wanted)
	return wanted, nil
}

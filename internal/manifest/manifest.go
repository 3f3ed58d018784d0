// Package manifest reads and writes the on-disk state manifest at
// <project>/.dmms/state.json.
//
// The manifest declares the expected repository position (commit, branch)
// and the initialization policies consulted on startup and branch switch.
// Writes are atomic (temp file + rename) so a reader never observes a
// partial manifest; a crash mid-write leaves either the prior or the new
// content.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/dmms-io/dmms/internal/dmmserr"
)

// Version is the only manifest schema version this binary reads or writes.
const Version = "1.0"

// Dir and File name the manifest location relative to the project root.
const (
	Dir  = ".dmms"
	File = "state.json"
)

// InitMode controls how initialization proceeds when state is incoherent.
type InitMode string

const (
	InitAuto     InitMode = "auto"
	InitPrompt   InitMode = "prompt"
	InitManual   InitMode = "manual"
	InitDisabled InitMode = "disabled"
)

// OnClonePolicy controls what happens on first contact with a cloned repo.
type OnClonePolicy string

const (
	CloneSyncToManifest OnClonePolicy = "sync_to_manifest"
	CloneSyncToLatest   OnClonePolicy = "sync_to_latest"
	CloneEmpty          OnClonePolicy = "empty"
	ClonePrompt         OnClonePolicy = "prompt"
)

// OnBranchChangePolicy controls what happens when the branch changes under us.
type OnBranchChangePolicy string

const (
	BranchPreserveLocal  OnBranchChangePolicy = "preserve_local"
	BranchSyncToManifest OnBranchChangePolicy = "sync_to_manifest"
	BranchPrompt         OnBranchChangePolicy = "prompt"
)

// Repository records the expected VCS position.
type Repository struct {
	RemoteURL     string `json:"remote_url"`
	DefaultBranch string `json:"default_branch"`
	CurrentCommit string `json:"current_commit"`
	CurrentBranch string `json:"current_branch"`
}

// GitMapping tracks the optional pairing between a host git repo and the
// Dolt repo embedded alongside it.
type GitMapping struct {
	Enabled               bool   `json:"enabled"`
	LastGitCommit         string `json:"last_git_commit,omitempty"`
	DoltCommitAtGitCommit string `json:"dolt_commit_at_git_commit,omitempty"`
}

// Initialization holds the boot-time policy knobs.
type Initialization struct {
	Mode           InitMode             `json:"mode"`
	OnClone        OnClonePolicy        `json:"on_clone"`
	OnBranchChange OnBranchChangePolicy `json:"on_branch_change"`
}

// Collections holds the tracked/excluded collection patterns.
type Collections struct {
	Tracked  []string `json:"tracked"`
	Excluded []string `json:"excluded"`
}

// Manifest is the full state.json document.
type Manifest struct {
	Version        string         `json:"version"`
	Repository     Repository     `json:"repository"`
	GitMapping     GitMapping     `json:"git_mapping"`
	Initialization Initialization `json:"initialization"`
	Collections    Collections    `json:"collections"`
	UpdatedAt      time.Time      `json:"updated_at"`
	UpdatedBy      string         `json:"updated_by"`
}

// Default returns a manifest with the conservative policies.
func Default() *Manifest {
	return &Manifest{
		Version: Version,
		Repository: Repository{
			DefaultBranch: "main",
			CurrentBranch: "main",
		},
		Initialization: Initialization{
			Mode:           InitAuto,
			OnClone:        CloneSyncToManifest,
			OnBranchChange: BranchPreserveLocal,
		},
	}
}

// Path returns the manifest location for a project directory.
func Path(projectDir string) string {
	return filepath.Join(projectDir, Dir, File)
}

// Load reads the manifest for projectDir. Missing, empty, or corrupt files
// return (nil, nil): callers treat that as "no prior state".
func Load(projectDir string) (*Manifest, error) {
	data, err := os.ReadFile(Path(projectDir)) // #nosec G304 - path derived from caller-owned project dir
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		// Corrupt manifest reads as no prior state rather than wedging boot.
		return nil, nil
	}
	if err := m.Validate(); err != nil {
		return nil, nil
	}
	return &m, nil
}

// Validate enforces the version tag and policy enums.
func (m *Manifest) Validate() error {
	if m.Version != Version {
		return dmmserr.Validationf("manifest version %q (want %q)", m.Version, Version)
	}
	switch m.Initialization.Mode {
	case InitAuto, InitPrompt, InitManual, InitDisabled:
	default:
		return dmmserr.Validationf("initialization.mode %q", m.Initialization.Mode)
	}
	switch m.Initialization.OnClone {
	case CloneSyncToManifest, CloneSyncToLatest, CloneEmpty, ClonePrompt:
	default:
		return dmmserr.Validationf("initialization.on_clone %q", m.Initialization.OnClone)
	}
	switch m.Initialization.OnBranchChange {
	case BranchPreserveLocal, BranchSyncToManifest, BranchPrompt:
	default:
		return dmmserr.Validationf("initialization.on_branch_change %q", m.Initialization.OnBranchChange)
	}
	return nil
}

// Save writes the manifest atomically: marshal to a temp file in the same
// directory, fsync, then rename over the target.
func Save(projectDir string, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()

	dir := filepath.Join(projectDir, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s directory: %w", Dir, err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, File+".tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp manifest: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp manifest: %w", err)
	}

	return renameWithRetry(tmpPath, Path(projectDir))
}

// RecordPosition updates commit/branch and saves. Called whenever a commit
// or branch change is durably recorded.
func RecordPosition(projectDir string, m *Manifest, commit, branch, updatedBy string) error {
	m.Repository.CurrentCommit = commit
	m.Repository.CurrentBranch = branch
	m.UpdatedBy = updatedBy
	return Save(projectDir, m)
}

// renameWithRetry retries the final rename with backoff on Windows, where a
// scanner or editor holding the target open fails the first attempt.
func renameWithRetry(oldPath, newPath string) error {
	var lastErr error
	delay := 100 * time.Millisecond
	for attempt := 0; attempt <= 3; attempt++ {
		if lastErr = os.Rename(oldPath, newPath); lastErr == nil {
			return nil
		}
		if runtime.GOOS != "windows" {
			break
		}
		if attempt < 3 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("replacing manifest: %w", lastErr)
}

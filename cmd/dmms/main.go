// dmms is a document mirror management server: an MCP server that keeps a
// Chroma vector store and a Dolt-versioned relational mirror in sync.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dmms-io/dmms/internal/chroma"
	"github.com/dmms-io/dmms/internal/config"
	"github.com/dmms-io/dmms/internal/debug"
	"github.com/dmms-io/dmms/internal/dolt"
	"github.com/dmms-io/dmms/internal/mcpserver"
	"github.com/dmms-io/dmms/internal/syncer"
	"github.com/dmms-io/dmms/internal/telemetry"
	"github.com/dmms-io/dmms/internal/tracker"
)

var version = "0.3.0"

var projectDir string

func main() {
	root := &cobra.Command{
		Use:           "dmms",
		Short:         "Versioned document mirror server",
		Long:          "dmms keeps a Chroma vector store and a Dolt-versioned document mirror in sync,\nand serves both to MCP clients over stdio.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&projectDir, "project", ".", "Project directory (holds .dmms/)")

	root.AddCommand(
		newServeCmd(),
		newInitCmd(),
		newSyncCmd(),
		newStatusCmd(),
		newImportCmd(),
		newBranchCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dmms:", err)
		os.Exit(1)
	}
}

// app bundles the opened stores for one command invocation.
type app struct {
	cfg     *config.Config
	vector  chroma.Gateway
	mirror  *dolt.Store
	trk     *tracker.Store
	mgr     *syncer.Manager
	checker *syncer.Checker
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(projectDir)
	if err != nil {
		return nil, err
	}

	var inner chroma.Gateway
	switch cfg.ChromaMode {
	case config.ChromaServer:
		inner, err = chroma.NewHTTP(cfg.ChromaHost, cfg.ChromaPort)
	default:
		inner, err = chroma.NewLocal(cfg.ChromaDataPath)
	}
	if err != nil {
		return nil, fmt.Errorf("opening vector store: %w", err)
	}
	vector := chroma.NewActor(inner, cfg.BulkDocTimeout)

	mirror, err := dolt.New(ctx, &dolt.Config{
		Path:           cfg.DoltRepositoryPath,
		Remote:         cfg.DoltRemoteName,
		RemoteURL:      cfg.DoltRemoteURL,
		CommandTimeout: cfg.DoltCommandTimeout,
	})
	if err != nil {
		_ = vector.Close()
		return nil, fmt.Errorf("opening versioned store: %w", err)
	}

	trk, err := tracker.Open(cfg.TrackerDBPath())
	if err != nil {
		_ = vector.Close()
		_ = mirror.Close()
		return nil, fmt.Errorf("opening tracker database: %w", err)
	}

	a := &app{
		cfg:     cfg,
		vector:  vector,
		mirror:  mirror,
		trk:     trk,
		checker: syncer.NewChecker(mirror, projectDir),
	}
	a.mgr = syncer.NewManager(vector, mirror, trk, cfg.DoltRepositoryPath, projectDir)
	return a, nil
}

// openSourceGateway opens another project's persistent vector store
// read-only-ish for cross-repository imports.
func openSourceGateway(path string) (chroma.Gateway, error) {
	return chroma.NewLocal(path)
}

func (a *app) close() {
	_ = a.checker.Close()
	_ = a.trk.Close()
	_ = a.mirror.Close()
	_ = a.vector.Close()
}

// boot runs the fail-fast startup sequence and manifest reconciliation.
func (a *app) boot(ctx context.Context) error {
	coord := &syncer.Coordinator{
		Vector:     a.vector,
		Mirror:     a.mirror,
		Tracker:    a.trk,
		Manager:    a.mgr,
		RepoPath:   a.cfg.DoltRepositoryPath,
		ProjectDir: projectDir,
	}
	report, err := coord.Initialize(ctx)
	if err != nil {
		return err
	}
	if report.SwitchedTo != "" {
		debug.Logf("boot: switched to branch %s per manifest", report.SwitchedTo)
	}
	return nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := telemetry.Init(ctx, "dmms", version); err != nil {
				return err
			}
			defer telemetry.Shutdown(context.Background())

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.boot(ctx); err != nil {
				return err
			}
			if err := a.checker.WatchManifest(); err != nil {
				// A missing .dmms directory is normal on first run; the
				// checker still works, just without live invalidation.
				debug.Logf("manifest watch unavailable: %v", err)
			}

			srv := mcpserver.New(mcpserver.Deps{
				Vector:   a.vector,
				Mirror:   a.mirror,
				Tracker:  a.trk,
				Manager:  a.mgr,
				Checker:  a.checker,
				RepoPath: a.cfg.DoltRepositoryPath,
			})
			return srv.Run(ctx)
		},
	}
}

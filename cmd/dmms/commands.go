package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dmms-io/dmms/internal/importer"
	"github.com/dmms-io/dmms/internal/manifest"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the project: stores, tracker database, and manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			existing, err := manifest.Load(projectDir)
			if err != nil {
				return err
			}
			if existing != nil {
				fmt.Println("already initialized")
				return nil
			}

			m := manifest.Default()
			branch, err := a.mirror.ActiveBranch(ctx)
			if err == nil {
				m.Repository.CurrentBranch = branch
				m.Repository.DefaultBranch = branch
			}
			if commit, err := a.mirror.CurrentCommit(ctx); err == nil {
				m.Repository.CurrentCommit = commit
			}
			m.Repository.RemoteURL = a.cfg.DoltRemoteURL
			if err := manifest.Save(projectDir, m); err != nil {
				return err
			}
			fmt.Println("initialized", manifest.Path(projectDir))
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Detect, stage, and commit local changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.mgr.FullSync(ctx, force)
			if err != nil {
				return err
			}
			if res.Skipped {
				fmt.Println("nothing to sync")
				return nil
			}
			fmt.Printf("committed %s: %d upserted, %d deleted, %d collection ops\n",
				res.Commit, res.DocsUpserted, res.DocsDeleted, res.Collections)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Sync even when no changes are detected")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync state and manifest comparison",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.checker.Check(ctx)
			if err != nil {
				return err
			}
			states, err := a.trk.ListAllSyncState(ctx, a.cfg.DoltRepositoryPath)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"report":      report,
					"collections": states,
				})
			}

			if report.InSync {
				fmt.Printf("in sync on %s @ %s\n", report.LocalBranch, shortHash(report.LocalCommit))
			} else {
				fmt.Printf("OUT OF SYNC: %s\n", report.Reason)
			}
			for _, st := range states {
				fmt.Printf("  %-30s %-10s %4d docs  %s\n",
					st.Collection+"@"+st.Branch, st.Status, st.DocCount, shortHash(st.LastSyncCommit))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newImportCmd() *cobra.Command {
	var (
		filterJSON string
		execute    bool
	)
	cmd := &cobra.Command{
		Use:   "import <source-vector-path>",
		Short: "Preview or execute a cross-repository import",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			var filter []importer.FilterSpec
			if filterJSON != "" {
				if err := json.Unmarshal([]byte(filterJSON), &filter); err != nil {
					return fmt.Errorf("parsing --filter: %w", err)
				}
			}

			src, err := openSourceGateway(args[0])
			if err != nil {
				return err
			}
			defer src.Close()
			engine := importer.NewEngine(src, a.vector)

			if !execute {
				preview, err := engine.Preview(ctx, filter)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(preview)
			}

			result, err := engine.Execute(ctx, filter, nil)
			if err != nil {
				return err
			}
			fmt.Printf("imported %d documents (%d skipped, %d collections created)\n",
				result.DocumentsImported, result.DocumentsSkipped, result.CollectionsCreated)
			return nil
		},
	}
	cmd.Flags().StringVar(&filterJSON, "filter", "", "Import filter as JSON")
	cmd.Flags().BoolVar(&execute, "execute", false, "Apply the import instead of previewing")
	return cmd
}

func newBranchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Branch operations on the versioned store",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List branches",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				a, err := openApp(ctx)
				if err != nil {
					return err
				}
				defer a.close()

				branches, err := a.mirror.ListBranches(ctx)
				if err != nil {
					return err
				}
				current, _ := a.mirror.ActiveBranch(ctx)
				for _, b := range branches {
					marker := "  "
					if b == current {
						marker = "* "
					}
					fmt.Println(marker + b)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "create <name>",
			Short: "Create a branch at HEAD",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				a, err := openApp(ctx)
				if err != nil {
					return err
				}
				defer a.close()
				return a.mirror.CreateBranch(ctx, args[0])
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a branch and its sync state",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				a, err := openApp(ctx)
				if err != nil {
					return err
				}
				defer a.close()

				if err := a.mirror.DeleteBranch(ctx, args[0]); err != nil {
					return err
				}
				_, err = a.trk.ClearBranchSyncState(ctx, a.cfg.DoltRepositoryPath, args[0])
				return err
			},
		},
		&cobra.Command{
			Use:   "checkout <name>",
			Short: "Switch branches and rebuild the vector store from the new head",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				a, err := openApp(ctx)
				if err != nil {
					return err
				}
				defer a.close()

				res, err := a.mgr.CheckoutSync(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("on %s @ %s (%d docs written, %d removed)\n",
					res.Branch, shortHash(res.Commit), res.DocsWritten, res.DocsDeleted)
				return nil
			},
		},
	)
	return cmd
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dmms-io/dmms/internal/syncer"
	"github.com/dmms-io/dmms/internal/tracker"
)

type syncStatusOutput struct {
	Success bool                    `json:"success"`
	Report  *syncer.SyncStateReport `json:"report"`
	States  []tracker.SyncState     `json:"collections,omitempty"`
	Pending int                     `json:"pending_ops"`
}

type stageOutput struct {
	Success       bool `json:"success"`
	DocsUpserted  int  `json:"docs_upserted"`
	DocsDeleted   int  `json:"docs_deleted"`
	CollectionOps int  `json:"collection_ops"`
}

type fullSyncInput struct {
	Force bool `json:"force,omitempty" jsonschema:"run even when no changes are detected"`
}

type fullSyncOutput struct {
	Success bool               `json:"success"`
	Result  *syncer.SyncResult `json:"result"`
}

type warningOutput struct {
	Success bool                     `json:"success"`
	InSync  bool                     `json:"in_sync"`
	Warning *syncer.OutOfSyncWarning `json:"warning,omitempty"`
}

func (s *Server) registerSyncTools() {
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "sync_status",
		Description: "Report sync state per collection plus the manifest comparison.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in emptyInput) (*mcp.CallToolResult, syncStatusOutput, error) {
		out := syncStatusOutput{Success: true}
		if s.deps.Checker != nil {
			report, err := s.deps.Checker.Check(ctx)
			if err != nil {
				return failure[syncStatusOutput](err)
			}
			out.Report = report
		}
		states, err := s.deps.Tracker.ListAllSyncState(ctx, s.deps.RepoPath)
		if err != nil {
			return failure[syncStatusOutput](err)
		}
		out.States = states

		docOps, err := s.deps.Tracker.PendingDocDeletions(ctx, s.deps.RepoPath, "")
		if err != nil {
			return failure[syncStatusOutput](err)
		}
		colOps, err := s.deps.Tracker.PendingCollectionOps(ctx, s.deps.RepoPath)
		if err != nil {
			return failure[syncStatusOutput](err)
		}
		out.Pending = len(docOps) + len(colOps)
		return nil, out, nil
	})

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "stage_changes",
		Description: "Stage all detected local changes into the versioned working set without committing.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in emptyInput) (*mcp.CallToolResult, stageOutput, error) {
		changes, err := s.deps.Manager.LocalChanges(ctx)
		if err != nil {
			return failure[stageOutput](err)
		}
		staged, err := s.deps.Manager.Stage(ctx, changes)
		if err != nil {
			return failure[stageOutput](err)
		}
		return nil, stageOutput{
			Success:       true,
			DocsUpserted:  staged.DocsUpserted,
			DocsDeleted:   staged.DocsDeleted,
			CollectionOps: staged.CollectionOps,
		}, nil
	})

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "full_sync",
		Description: "Detect, stage, and commit all local changes in one pass.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in fullSyncInput) (*mcp.CallToolResult, fullSyncOutput, error) {
		res, err := s.deps.Manager.FullSync(ctx, in.Force)
		if err != nil {
			return failure[fullSyncOutput](err)
		}
		if s.deps.Checker != nil {
			s.deps.Checker.InvalidateCache()
		}
		return nil, fullSyncOutput{Success: true, Result: res}, nil
	})

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "out_of_sync_warning",
		Description: "Return a structured warning when the repository drifted from its manifest, or nothing when in sync.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in emptyInput) (*mcp.CallToolResult, warningOutput, error) {
		if s.deps.Checker == nil {
			return nil, warningOutput{Success: true, InSync: true}, nil
		}
		warning, err := s.deps.Checker.Warning(ctx)
		if err != nil {
			return failure[warningOutput](err)
		}
		return nil, warningOutput{Success: true, InSync: warning == nil, Warning: warning}, nil
	})
}

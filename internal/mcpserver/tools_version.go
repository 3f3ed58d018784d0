package mcpserver

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dmms-io/dmms/internal/dmmserr"
	"github.com/dmms-io/dmms/internal/merge"
)

type commitInput struct {
	Message string `json:"message" jsonschema:"commit message"`
}

type commitOutput struct {
	Success bool   `json:"success"`
	Commit  string `json:"commit"`
	Branch  string `json:"branch"`
}

type branchInput struct {
	Name string `json:"name" jsonschema:"branch name"`
}

type mergeInput struct {
	Branch      string `json:"branch" jsonschema:"branch to merge into the current one"`
	PreviewOnly bool   `json:"preview_only,omitempty" jsonschema:"analyze without merging"`
}

type mergeOutput struct {
	Success        bool             `json:"success"`
	Merged         bool             `json:"merged"`
	AutoResolvable bool             `json:"auto_resolvable"`
	Conflicts      []merge.Conflict `json:"conflicts,omitempty"`
	CleanChanges   int              `json:"clean_changes"`
	MergeBase      string           `json:"merge_base,omitempty"`
}

type logInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"max entries, default 20"`
}

type logEntry struct {
	Hash    string    `json:"hash"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
	Message string    `json:"message"`
}

type logOutput struct {
	Success bool       `json:"success"`
	Commits []logEntry `json:"commits"`
}

type diffInput struct {
	FromRef string `json:"from_ref" jsonschema:"older ref (branch or commit)"`
	ToRef   string `json:"to_ref" jsonschema:"newer ref (branch or commit)"`
}

type diffEntry struct {
	Collection string `json:"collection"`
	DocID      string `json:"doc_id"`
	ChangeType string `json:"change_type"`
}

type diffOutput struct {
	Success bool        `json:"success"`
	Changes []diffEntry `json:"changes"`
}

type statusOutput struct {
	Success     bool     `json:"success"`
	Branch      string   `json:"branch"`
	Commit      string   `json:"commit"`
	Dirty       bool     `json:"dirty"`
	DirtyTables []string `json:"dirty_tables,omitempty"`
}

type resolveConflictsInput struct {
	Strategy string `json:"strategy" jsonschema:"keep_ours or keep_theirs"`
}

type emptyInput struct{}

func (s *Server) registerVersionTools() {
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "commit_changes",
		Description: "Commit the staged working set to the versioned store.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in commitInput) (*mcp.CallToolResult, commitOutput, error) {
		commit, err := s.deps.Manager.Commit(ctx, in.Message)
		if err != nil {
			return failure[commitOutput](err)
		}
		branch, _ := s.deps.Mirror.ActiveBranch(ctx)
		return nil, commitOutput{Success: true, Commit: commit, Branch: branch}, nil
	})

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "create_branch",
		Description: "Create a branch at the current HEAD.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in branchInput) (*mcp.CallToolResult, okOutput, error) {
		if err := s.deps.Mirror.CreateBranch(ctx, in.Name); err != nil {
			return failure[okOutput](err)
		}
		return nil, okOutput{Success: true, Message: "branch created"}, nil
	})

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "checkout_branch",
		Description: "Switch to a branch and rebuild the vector store from its head.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in branchInput) (*mcp.CallToolResult, commitOutput, error) {
		res, err := s.deps.Manager.CheckoutSync(ctx, in.Name)
		if err != nil {
			return failure[commitOutput](err)
		}
		if s.deps.Checker != nil {
			s.deps.Checker.InvalidateCache()
		}
		return nil, commitOutput{Success: true, Commit: res.Commit, Branch: res.Branch}, nil
	})

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "delete_branch",
		Description: "Delete a branch and its per-branch sync state.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in branchInput) (*mcp.CallToolResult, okOutput, error) {
		if err := s.deps.Mirror.DeleteBranch(ctx, in.Name); err != nil {
			return failure[okOutput](err)
		}
		if s.deps.Tracker != nil {
			if _, err := s.deps.Tracker.ClearBranchSyncState(ctx, s.deps.RepoPath, in.Name); err != nil {
				return failure[okOutput](err)
			}
		}
		return nil, okOutput{Success: true, Message: "branch deleted"}, nil
	})

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "merge_branch",
		Description: "Merge a branch into the current one, or preview the conflicts it would raise.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in mergeInput) (*mcp.CallToolResult, mergeOutput, error) {
		ours, err := s.deps.Mirror.ActiveBranch(ctx)
		if err != nil {
			return failure[mergeOutput](err)
		}
		analysis, err := s.analyzer.Analyze(ctx, ours, in.Branch)
		if err != nil {
			return failure[mergeOutput](err)
		}
		out := mergeOutput{
			Success:        true,
			AutoResolvable: analysis.AutoResolvable(),
			Conflicts:      analysis.Conflicts,
			CleanChanges:   analysis.CleanChanges,
			MergeBase:      analysis.MergeBase,
		}
		if in.PreviewOnly || !out.AutoResolvable {
			return nil, out, nil
		}
		if err := s.deps.Mirror.Merge(ctx, in.Branch); err != nil {
			return failure[mergeOutput](err)
		}
		out.Merged = true
		return nil, out, nil
	})

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "log",
		Description: "Show the commit log of the current branch.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in logInput) (*mcp.CallToolResult, logOutput, error) {
		limit := in.Limit
		if limit <= 0 {
			limit = 20
		}
		commits, err := s.deps.Mirror.Log(ctx, limit)
		if err != nil {
			return failure[logOutput](err)
		}
		out := logOutput{Success: true}
		for _, c := range commits {
			out.Commits = append(out.Commits, logEntry{
				Hash: c.Hash, Author: c.Committer, Date: c.Date, Message: c.Message,
			})
		}
		return nil, out, nil
	})

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "diff",
		Description: "List document-level changes between two refs.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in diffInput) (*mcp.CallToolResult, diffOutput, error) {
		entries, err := s.deps.Mirror.Diff(ctx, in.FromRef, in.ToRef)
		if err != nil {
			return failure[diffOutput](err)
		}
		out := diffOutput{Success: true}
		for _, e := range entries {
			out.Changes = append(out.Changes, diffEntry{
				Collection: e.Collection, DocID: e.DocID, ChangeType: e.DiffType,
			})
		}
		return nil, out, nil
	})

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "status",
		Description: "Report the current branch, HEAD, and uncommitted changes.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in emptyInput) (*mcp.CallToolResult, statusOutput, error) {
		branch, err := s.deps.Mirror.ActiveBranch(ctx)
		if err != nil {
			return failure[statusOutput](err)
		}
		commit, err := s.deps.Mirror.CurrentCommit(ctx)
		if err != nil {
			return failure[statusOutput](err)
		}
		entries, err := s.deps.Mirror.Status(ctx)
		if err != nil {
			return failure[statusOutput](err)
		}
		out := statusOutput{Success: true, Branch: branch, Commit: commit, Dirty: len(entries) > 0}
		for _, e := range entries {
			out.DirtyTables = append(out.DirtyTables, e.TableName)
		}
		return nil, out, nil
	})

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "pull",
		Description: "Pull the current branch from the configured remote.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in emptyInput) (*mcp.CallToolResult, okOutput, error) {
		if err := s.deps.Mirror.Pull(ctx); err != nil {
			return failure[okOutput](err)
		}
		if s.deps.Checker != nil {
			s.deps.Checker.InvalidateCache()
		}
		return nil, okOutput{Success: true, Message: "pulled"}, nil
	})

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "push",
		Description: "Push the current branch to the configured remote.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in emptyInput) (*mcp.CallToolResult, okOutput, error) {
		if err := s.deps.Mirror.Push(ctx); err != nil {
			return failure[okOutput](err)
		}
		return nil, okOutput{Success: true, Message: "pushed"}, nil
	})

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "resolve_conflicts",
		Description: "Resolve an in-progress conflicted merge toward one side.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in resolveConflictsInput) (*mcp.CallToolResult, okOutput, error) {
		var keepOurs bool
		switch in.Strategy {
		case merge.ResolveKeepOurs:
			keepOurs = true
		case merge.ResolveKeepTheirs:
		default:
			return failure[okOutput](dmmserr.Validationf("strategy %q (want keep_ours or keep_theirs)", in.Strategy))
		}
		if err := s.deps.Mirror.ResolveConflicts(ctx, keepOurs); err != nil {
			return failure[okOutput](err)
		}
		return nil, okOutput{Success: true, Message: "conflicts resolved as " + in.Strategy}, nil
	})
}

package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type listCollectionsInput struct{}

type listCollectionsOutput struct {
	Success     bool     `json:"success"`
	Collections []string `json:"collections"`
}

type createCollectionInput struct {
	Name     string                 `json:"name" jsonschema:"collection name"`
	Metadata map[string]interface{} `json:"metadata,omitempty" jsonschema:"optional collection metadata"`
}

type deleteCollectionInput struct {
	Name string `json:"name" jsonschema:"collection name"`
}

type collectionCountInput struct {
	Name string `json:"name" jsonschema:"collection name"`
}

type collectionCountOutput struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

type modifyCollectionInput struct {
	Name     string                 `json:"name" jsonschema:"current collection name"`
	NewName  string                 `json:"new_name,omitempty" jsonschema:"optional new name for a rename"`
	Metadata map[string]interface{} `json:"metadata,omitempty" jsonschema:"optional replacement metadata"`
}

type okOutput struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (s *Server) registerCollectionTools() {
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "list_collections",
		Description: "List every collection in the vector store.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in listCollectionsInput) (*mcp.CallToolResult, listCollectionsOutput, error) {
		names, err := s.deps.Vector.ListCollections(ctx)
		if err != nil {
			return failure[listCollectionsOutput](err)
		}
		return nil, listCollectionsOutput{Success: true, Collections: names}, nil
	})

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "create_collection",
		Description: "Create a collection with optional metadata.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in createCollectionInput) (*mcp.CallToolResult, okOutput, error) {
		if err := s.deps.Vector.CreateCollection(ctx, in.Name, in.Metadata); err != nil {
			return failure[okOutput](err)
		}
		return nil, okOutput{Success: true, Message: "collection created"}, nil
	})

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "delete_collection",
		Description: "Delete a collection and track the deletion for the next sync.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in deleteCollectionInput) (*mcp.CallToolResult, okOutput, error) {
		meta, err := s.deps.Vector.GetCollectionMetadata(ctx, in.Name)
		if err != nil {
			return failure[okOutput](err)
		}
		if err := s.deps.Vector.DeleteCollection(ctx, in.Name); err != nil {
			return failure[okOutput](err)
		}
		branch, commit := s.currentPosition(ctx)
		if err := s.deps.Tracker.TrackCollectionDeletion(ctx, s.deps.RepoPath, in.Name, meta, branch, commit); err != nil {
			// The collection is already gone from the vector store; report
			// the durable state honestly rather than pretending it synced.
			return failure[okOutput](err)
		}
		return nil, okOutput{Success: true, Message: "collection deleted, pending sync"}, nil
	})

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "get_collection_count",
		Description: "Count documents (chunks) in a collection.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in collectionCountInput) (*mcp.CallToolResult, collectionCountOutput, error) {
		n, err := s.deps.Vector.Count(ctx, in.Name)
		if err != nil {
			return failure[collectionCountOutput](err)
		}
		return nil, collectionCountOutput{Success: true, Count: n}, nil
	})

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "modify_collection",
		Description: "Rename a collection and/or replace its metadata; both changes are tracked for sync.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in modifyCollectionInput) (*mcp.CallToolResult, okOutput, error) {
		origMeta, err := s.deps.Vector.GetCollectionMetadata(ctx, in.Name)
		if err != nil {
			return failure[okOutput](err)
		}
		if err := s.deps.Vector.ModifyCollection(ctx, in.Name, in.NewName, in.Metadata); err != nil {
			return failure[okOutput](err)
		}
		branch, commit := s.currentPosition(ctx)
		if err := s.deps.Tracker.TrackCollectionUpdate(ctx, s.deps.RepoPath,
			in.Name, in.NewName, origMeta, in.Metadata, branch, commit); err != nil {
			return failure[okOutput](err)
		}
		return nil, okOutput{Success: true, Message: "collection modified, pending sync"}, nil
	})
}

// currentPosition snapshots branch and HEAD for pending-op rows. Failures
// degrade to empty strings: tracking an op beats losing it over a transient
// VCS read error.
func (s *Server) currentPosition(ctx context.Context) (branch, commit string) {
	if s.deps.Mirror == nil {
		return "", ""
	}
	branch, _ = s.deps.Mirror.ActiveBranch(ctx)
	commit, _ = s.deps.Mirror.CurrentCommit(ctx)
	return branch, commit
}

package mcpserver

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dmms-io/dmms/internal/chroma"
	"github.com/dmms-io/dmms/internal/chunker"
	"github.com/dmms-io/dmms/internal/dmmserr"
	"github.com/dmms-io/dmms/internal/hashutil"
)

type documentInput struct {
	ID       string                 `json:"id,omitempty" jsonschema:"optional explicit document ID; derived from content when omitted"`
	Content  string                 `json:"content" jsonschema:"document text"`
	Metadata map[string]interface{} `json:"metadata,omitempty" jsonschema:"optional document metadata"`
}

type addDocumentsInput struct {
	Collection string          `json:"collection" jsonschema:"target collection"`
	Documents  []documentInput `json:"documents" jsonschema:"documents to add"`
}

type addDocumentsOutput struct {
	Success       bool     `json:"success"`
	IDs           []string `json:"ids"`
	ChunksWritten int      `json:"chunks_written"`
}

type queryDocumentsInput struct {
	Collection    string                 `json:"collection" jsonschema:"collection to query"`
	Query         string                 `json:"query" jsonschema:"query text"`
	NResults      int                    `json:"n_results,omitempty" jsonschema:"max results, default 5"`
	Where         map[string]interface{} `json:"where,omitempty" jsonschema:"metadata equality filter"`
	WhereDocument string                 `json:"where_document,omitempty" jsonschema:"substring the document content must contain"`
}

type queryMatch struct {
	ID       string                 `json:"id"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Distance float64                `json:"distance"`
}

type queryDocumentsOutput struct {
	Success bool         `json:"success"`
	Matches []queryMatch `json:"matches"`
}

type getDocumentsInput struct {
	Collection string                 `json:"collection" jsonschema:"collection to read"`
	IDs        []string               `json:"ids,omitempty" jsonschema:"base or chunk IDs; base IDs return reassembled documents"`
	Where      map[string]interface{} `json:"where,omitempty" jsonschema:"metadata equality filter"`
}

type getDocumentsOutput struct {
	Success   bool              `json:"success"`
	Documents []documentPayload `json:"documents"`
	Missing   []string          `json:"missing,omitempty"`
}

type documentPayload struct {
	ID       string                 `json:"id"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type deleteDocumentsInput struct {
	Collection string   `json:"collection" jsonschema:"collection to delete from"`
	IDs        []string `json:"ids" jsonschema:"document IDs; base IDs expand to all their chunks unless expansion is disabled"`
	NoExpand   bool     `json:"no_expand,omitempty" jsonschema:"set to skip base-ID-to-chunk expansion"`
}

type deleteDocumentsOutput struct {
	Success bool     `json:"success"`
	Deleted int      `json:"deleted"`
	Tracked int      `json:"tracked"`
	Missing []string `json:"missing,omitempty"`
	Message string   `json:"message,omitempty"`
}

func (s *Server) registerDocumentTools() {
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "add_documents",
		Description: "Add or replace documents; long content is chunked automatically.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in addDocumentsInput) (*mcp.CallToolResult, addDocumentsOutput, error) {
		if len(in.Documents) == 0 {
			return failure[addDocumentsOutput](dmmserr.Validationf("documents must not be empty"))
		}
		var batch []chroma.Document
		ids := make([]string, 0, len(in.Documents))
		for _, d := range in.Documents {
			id := d.ID
			if id == "" {
				id = "doc_" + hashutil.ShortHash(d.Content, 16)
			}
			chunks, err := chunker.BuildChunks(id, d.Content, d.Metadata, 0, 0)
			if err != nil {
				return failure[addDocumentsOutput](err)
			}
			ids = append(ids, id)
			batch = append(batch, chunks...)
		}
		if err := s.deps.Vector.AddDocuments(ctx, in.Collection, batch); err != nil {
			return failure[addDocumentsOutput](err)
		}
		return nil, addDocumentsOutput{Success: true, IDs: ids, ChunksWritten: len(batch)}, nil
	})

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "query_documents",
		Description: "Query a collection by text, with optional metadata and document-content filters.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in queryDocumentsInput) (*mcp.CallToolResult, queryDocumentsOutput, error) {
		n := in.NResults
		if n <= 0 {
			n = 5
		}
		res, err := s.deps.Vector.Query(ctx, in.Collection, in.Query, n, in.Where, in.WhereDocument)
		if err != nil {
			return failure[queryDocumentsOutput](err)
		}
		out := queryDocumentsOutput{Success: true}
		for i, id := range res.IDs {
			m := queryMatch{ID: id}
			if i < len(res.Documents) {
				m.Content = res.Documents[i]
			}
			if i < len(res.Metadatas) {
				m.Metadata = res.Metadatas[i]
			}
			if i < len(res.Distances) {
				m.Distance = float64(res.Distances[i])
			}
			out.Matches = append(out.Matches, m)
		}
		return nil, out, nil
	})

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "get_documents",
		Description: "Fetch documents by ID (reassembling chunked documents) and/or metadata filter.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in getDocumentsInput) (*mcp.CallToolResult, getDocumentsOutput, error) {
		out := getDocumentsOutput{Success: true}

		if len(in.IDs) > 0 {
			for _, id := range in.IDs {
				doc, err := s.resolver.FetchDocument(ctx, in.Collection, id)
				if errors.Is(err, dmmserr.ErrNotFound) {
					out.Missing = append(out.Missing, id)
					continue
				}
				if err != nil {
					return failure[getDocumentsOutput](err)
				}
				out.Documents = append(out.Documents, documentPayload{
					ID: doc.ID, Content: doc.Content, Metadata: doc.Metadata,
				})
			}
			return nil, out, nil
		}

		docs, err := s.deps.Vector.GetDocuments(ctx, in.Collection, nil, in.Where)
		if err != nil {
			return failure[getDocumentsOutput](err)
		}
		for _, d := range docs {
			out.Documents = append(out.Documents, documentPayload{
				ID: d.ID, Content: d.Content, Metadata: d.Metadata,
			})
		}
		return nil, out, nil
	})

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "delete_documents",
		Description: "Delete documents by ID with base-ID expansion, tracking each deletion for sync.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in deleteDocumentsInput) (*mcp.CallToolResult, deleteDocumentsOutput, error) {
		if len(in.IDs) == 0 {
			return failure[deleteDocumentsOutput](dmmserr.Validationf("ids must not be empty"))
		}

		chunkIDs := in.IDs
		var missing []string
		if !in.NoExpand {
			var err error
			chunkIDs, missing, err = s.resolver.ExpandMultiple(ctx, in.Collection, in.IDs)
			if err != nil {
				return failure[deleteDocumentsOutput](err)
			}
		}
		if len(chunkIDs) == 0 {
			return nil, deleteDocumentsOutput{Success: true, Missing: missing}, nil
		}

		// Snapshot content before the rows disappear so the pending op
		// records what was deleted. Tracking happens per logical document:
		// chunks roll up to their base ID with the reassembled content hash.
		docs, err := s.deps.Vector.GetDocuments(ctx, in.Collection, chunkIDs, nil)
		if err != nil {
			return failure[deleteDocumentsOutput](err)
		}
		if err := s.deps.Vector.DeleteDocuments(ctx, in.Collection, chunkIDs); err != nil {
			return failure[deleteDocumentsOutput](err)
		}

		byBase := make(map[string][]chroma.Document)
		for _, d := range docs {
			base := hashutil.BaseID(d.ID)
			byBase[base] = append(byBase[base], d)
		}

		branch, commit := s.currentPosition(ctx)
		tracked := 0
		var trackErr error
		for base, group := range byBase {
			content := chunker.Reassemble(group, chunker.DefaultOverlap)
			err := s.deps.Tracker.TrackDocDeletion(ctx, s.deps.RepoPath, base, in.Collection,
				hashutil.ContentHash(content), group[0].Metadata, branch, commit)
			if err != nil {
				trackErr = err
				continue
			}
			tracked++
		}
		out := deleteDocumentsOutput{
			Success: trackErr == nil,
			Deleted: len(chunkIDs),
			Tracked: tracked,
			Missing: missing,
		}
		if trackErr != nil {
			// Vector deletes already happened; surface the partial state.
			out.Message = "deleted from vector store but tracking is incomplete: " + trackErr.Error()
		}
		return nil, out, nil
	})
}

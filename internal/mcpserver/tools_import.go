package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dmms-io/dmms/internal/importer"
	"github.com/dmms-io/dmms/internal/telemetry"
)

type importFilterSpec struct {
	Name       string   `json:"name" jsonschema:"source collection name or wildcard pattern"`
	ImportInto string   `json:"import_into" jsonschema:"target collection name"`
	Documents  []string `json:"documents,omitempty" jsonschema:"optional document-ID patterns"`
}

type importPreviewInput struct {
	SourcePath string             `json:"source_path" jsonschema:"path to the source repository's vector store"`
	Filter     []importFilterSpec `json:"filter,omitempty" jsonschema:"import filter; empty imports everything"`
}

type importPreviewOutput struct {
	Success    bool                `json:"success"`
	Mappings   []importer.Mapping  `json:"mappings"`
	Conflicts  []importer.Conflict `json:"conflicts,omitempty"`
	Importable int                 `json:"importable"`
	Unchanged  int                 `json:"unchanged"`
}

type importResolution struct {
	Strategy      string `json:"strategy" jsonschema:"resolution strategy for this conflict"`
	CustomContent string `json:"custom_content,omitempty" jsonschema:"replacement content for the custom strategy"`
}

type importExecuteInput struct {
	SourcePath  string                      `json:"source_path" jsonschema:"path to the source repository's vector store"`
	Filter      []importFilterSpec          `json:"filter,omitempty" jsonschema:"import filter; empty imports everything"`
	Resolutions map[string]importResolution `json:"resolutions,omitempty" jsonschema:"conflict ID to resolution map"`
}

type importExecuteOutput struct {
	Success            bool `json:"success"`
	DocumentsImported  int  `json:"documents_imported"`
	DocumentsSkipped   int  `json:"documents_skipped"`
	CollectionsCreated int  `json:"collections_created"`
}

func toFilter(in []importFilterSpec) []importer.FilterSpec {
	out := make([]importer.FilterSpec, 0, len(in))
	for _, f := range in {
		out = append(out, importer.FilterSpec{
			Name: f.Name, ImportInto: f.ImportInto, Documents: f.Documents,
		})
	}
	return out
}

func (s *Server) registerImportTools() {
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "import_preview",
		Description: "Preview a cross-repository import: expanded mappings, conflicts, and counts.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in importPreviewInput) (*mcp.CallToolResult, importPreviewOutput, error) {
		engine, closeFn, err := s.importEngine(in.SourcePath)
		if err != nil {
			return failure[importPreviewOutput](err)
		}
		defer closeFn()

		preview, err := engine.Preview(ctx, toFilter(in.Filter))
		if err != nil {
			return failure[importPreviewOutput](err)
		}
		telemetry.RecordImportConflicts(ctx, len(preview.Conflicts))
		return nil, importPreviewOutput{
			Success:    true,
			Mappings:   preview.Mappings,
			Conflicts:  preview.Conflicts,
			Importable: preview.Importable,
			Unchanged:  preview.Unchanged,
		}, nil
	})

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "import_execute",
		Description: "Execute a cross-repository import, applying the supplied conflict resolutions.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in importExecuteInput) (*mcp.CallToolResult, importExecuteOutput, error) {
		engine, closeFn, err := s.importEngine(in.SourcePath)
		if err != nil {
			return failure[importExecuteOutput](err)
		}
		defer closeFn()

		resolutions := make(map[string]importer.Resolution, len(in.Resolutions))
		for id, r := range in.Resolutions {
			resolutions[id] = importer.Resolution{Strategy: r.Strategy, CustomContent: r.CustomContent}
		}
		result, err := engine.Execute(ctx, toFilter(in.Filter), resolutions)
		if err != nil {
			return failure[importExecuteOutput](err)
		}
		return nil, importExecuteOutput{
			Success:            true,
			DocumentsImported:  result.DocumentsImported,
			DocumentsSkipped:   result.DocumentsSkipped,
			CollectionsCreated: result.CollectionsCreated,
		}, nil
	})
}

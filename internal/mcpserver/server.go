// Package mcpserver exposes the document mirror over the Model Context
// Protocol. The server speaks MCP on stdio; stdout belongs to the wire, so
// all logging goes through the stderr-only debug package.
//
// Tool responses follow one envelope: handlers return typed result structs
// on success, and failures come back as a structured {success, error,
// message} payload where error is the dmmserr kind tag.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dmms-io/dmms/internal/chroma"
	"github.com/dmms-io/dmms/internal/chunker"
	"github.com/dmms-io/dmms/internal/debug"
	"github.com/dmms-io/dmms/internal/dmmserr"
	"github.com/dmms-io/dmms/internal/dolt"
	"github.com/dmms-io/dmms/internal/importer"
	"github.com/dmms-io/dmms/internal/merge"
	"github.com/dmms-io/dmms/internal/syncer"
	"github.com/dmms-io/dmms/internal/tracker"
)

// Version is stamped into the MCP handshake.
const Version = "0.3.0"

// Deps carries everything the tool handlers need. Vector should already be
// wrapped in the per-collection serializing actor.
type Deps struct {
	Vector   chroma.Gateway
	Mirror   *dolt.Store
	Tracker  *tracker.Store
	Manager  *syncer.Manager
	Checker  *syncer.Checker
	RepoPath string

	// OpenSource opens a read-only gateway onto another repository's vector
	// store for cross-repo imports. Defaults to the local persistent gateway.
	OpenSource func(path string) (chroma.Gateway, error)
}

// Server is the MCP facade over one repository.
type Server struct {
	deps     Deps
	resolver *chunker.Resolver
	analyzer *merge.Analyzer
	srv      *mcp.Server
}

// New builds the server and registers every tool.
func New(deps Deps) *Server {
	if deps.OpenSource == nil {
		deps.OpenSource = func(path string) (chroma.Gateway, error) {
			return chroma.NewLocal(path)
		}
	}
	s := &Server{
		deps:     deps,
		resolver: chunker.NewResolver(deps.Vector),
		analyzer: merge.NewAnalyzer(deps.Mirror),
		srv: mcp.NewServer(&mcp.Implementation{
			Name:    "dmms",
			Version: Version,
		}, nil),
	}
	s.registerCollectionTools()
	s.registerDocumentTools()
	s.registerVersionTools()
	s.registerSyncTools()
	s.registerImportTools()
	return s
}

// Run serves MCP over stdio until ctx is cancelled or the client hangs up.
func (s *Server) Run(ctx context.Context) error {
	debug.Logf("mcp server starting on stdio")
	return s.srv.Run(ctx, &mcp.StdioTransport{})
}

// failurePayload is the uniform error envelope for tool responses.
type failurePayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// failure converts an internal error into a structured tool result. The
// protocol-level error stays nil so clients always get the envelope.
func failure[T any](err error) (*mcp.CallToolResult, T, error) {
	var zero T
	payload := failurePayload{Success: false, Error: dmmserr.Kind(err), Message: err.Error()}
	raw, mErr := json.Marshal(payload)
	if mErr != nil {
		raw = []byte(fmt.Sprintf(`{"success":false,"error":"internal","message":%q}`, err.Error()))
	}
	res := &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}},
	}
	return res, zero, nil
}

// importEngine builds an engine for one source repository path.
func (s *Server) importEngine(sourcePath string) (*importer.Engine, func(), error) {
	src, err := s.deps.OpenSource(sourcePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening source vector store at %s: %w", sourcePath, err)
	}
	closeFn := func() { _ = src.Close() }
	return importer.NewEngine(src, s.deps.Vector), closeFn, nil
}

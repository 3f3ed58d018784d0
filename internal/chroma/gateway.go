// Package chroma provides a narrow capability view of the vector store.
//
// The sync core consumes only this interface: list/create/delete collections,
// add/get/delete documents, and metadata-filtered queries. Two gateways
// implement it, a persistent file-backed store (CHROMA_MODE=persistent) and
// a remote HTTP client (CHROMA_MODE=server); both sit behind Actor, which
// serializes calls per collection. Embedding and indexing internals belong
// to the external store and are never reimplemented here.
package chroma

import (
	"context"
)

// Document is one stored chunk: ID, raw content, and a metadata map.
// Chunk bookkeeping (source_id, chunk_index, total_chunks) rides in Metadata.
type Document struct {
	ID       string                 `json:"id"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Where is an equality metadata filter: every key must match exactly.
type Where map[string]interface{}

// QueryResult is one page of query output.
type QueryResult struct {
	IDs       []string
	Documents []string
	Metadatas []map[string]interface{}
	Distances []float32
}

// Gateway is the capability surface of the vector store.
type Gateway interface {
	// Collections
	ListCollections(ctx context.Context) ([]string, error)
	CreateCollection(ctx context.Context, name string, metadata map[string]interface{}) error
	DeleteCollection(ctx context.Context, name string) error
	GetCollectionMetadata(ctx context.Context, name string) (map[string]interface{}, error)
	ModifyCollection(ctx context.Context, name, newName string, metadata map[string]interface{}) error
	Count(ctx context.Context, name string) (int, error)

	// Documents
	AddDocuments(ctx context.Context, collection string, docs []Document) error
	GetDocuments(ctx context.Context, collection string, ids []string, where Where) ([]Document, error)
	DeleteDocuments(ctx context.Context, collection string, ids []string) error
	Query(ctx context.Context, collection, text string, n int, where Where, whereDocument string) (*QueryResult, error)

	// Liveness, used by the fail-fast startup check.
	Heartbeat(ctx context.Context) error

	Close() error
}

// matchesWhere reports whether metadata satisfies every equality in where.
// Numeric JSON values compare as float64 regardless of original width.
func matchesWhere(metadata map[string]interface{}, where Where) bool {
	for k, want := range where {
		got, ok := metadata[k]
		if !ok {
			return false
		}
		if !scalarEqual(got, want) {
			return false
		}
	}
	return true
}

func scalarEqual(a, b interface{}) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

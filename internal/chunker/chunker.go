// Package chunker splits document content into overlapping chunks and maps
// between base document IDs and stored chunk IDs.
//
// ID model: a document whose content fits in one chunk is stored under its
// base ID unchanged. Larger documents become {base}_chunk_{i} entries, each
// carrying source_id, chunk_index, and total_chunks metadata. IDs that are
// already in chunk form are never chunked again.
package chunker

import (
	"fmt"
	"sort"

	"github.com/dmms-io/dmms/internal/chroma"
	"github.com/dmms-io/dmms/internal/dmmserr"
	"github.com/dmms-io/dmms/internal/hashutil"
)

const (
	// DefaultChunkSize is the sliding window size in characters.
	DefaultChunkSize = 512
	// DefaultOverlap is how many trailing characters each chunk shares
	// with the next one.
	DefaultOverlap = 50
)

// Chunk splits text into windows of at most size characters where adjacent
// windows share overlap characters. Returns at least one element (possibly
// empty) so every document maps to one or more chunks.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap <= 0 || overlap >= size {
		overlap = DefaultOverlap
		if overlap >= size {
			overlap = size / 4
		}
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	step := size - overlap
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}

// BuildChunks turns one logical document into its stored form. Single-chunk
// documents keep the base ID; multi-chunk documents get {base}_chunk_{i} IDs.
// baseMetadata is copied into every chunk before the bookkeeping keys are set.
//
// A baseID already in chunk form is stored as-is: chunking a chunk would
// produce IDs like x_chunk_0_chunk_1 and break resolution, so the content
// passes through under the given ID, tagged with its base's source_id.
func BuildChunks(baseID, content string, baseMetadata map[string]interface{}, size, overlap int) ([]chroma.Document, error) {
	if baseID == "" {
		return nil, dmmserr.Validationf("document ID must not be empty")
	}
	if hashutil.IsChunkID(baseID) {
		meta := cloneMeta(baseMetadata)
		if _, ok := meta["source_id"]; !ok {
			meta["source_id"] = hashutil.BaseID(baseID)
		}
		return []chroma.Document{{ID: baseID, Content: content, Metadata: meta}}, nil
	}

	parts := Chunk(content, size, overlap)
	docs := make([]chroma.Document, 0, len(parts))

	if len(parts) == 1 {
		meta := cloneMeta(baseMetadata)
		meta["source_id"] = baseID
		meta["chunk_index"] = 0
		meta["total_chunks"] = 1
		docs = append(docs, chroma.Document{ID: baseID, Content: parts[0], Metadata: meta})
		return docs, nil
	}

	for i, part := range parts {
		meta := cloneMeta(baseMetadata)
		meta["source_id"] = baseID
		meta["chunk_index"] = i
		meta["total_chunks"] = len(parts)
		docs = append(docs, chroma.Document{
			ID:       hashutil.ChunkID(baseID, i),
			Content:  part,
			Metadata: meta,
		})
	}
	return docs, nil
}

// Reassemble joins stored chunks back into the original content, dropping
// each chunk's leading overlap. Chunks are sorted by chunk_index metadata,
// falling back to ID order.
func Reassemble(docs []chroma.Document, overlap int) string {
	if len(docs) == 0 {
		return ""
	}
	if overlap <= 0 {
		overlap = DefaultOverlap
	}
	sorted := make([]chroma.Document, len(docs))
	copy(sorted, docs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return chunkIndexOf(sorted[i]) < chunkIndexOf(sorted[j])
	})

	out := []rune(sorted[0].Content)
	for _, doc := range sorted[1:] {
		runes := []rune(doc.Content)
		if overlap < len(runes) {
			runes = runes[overlap:]
		} else {
			runes = nil
		}
		out = append(out, runes...)
	}
	return string(out)
}

func chunkIndexOf(doc chroma.Document) int {
	if doc.Metadata != nil {
		switch v := doc.Metadata["chunk_index"].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	if idx := hashutil.ChunkIndex(doc.ID); idx >= 0 {
		return idx
	}
	return 0
}

func cloneMeta(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+3)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ContentHashOfChunks hashes the reassembled content of a document's chunks,
// matching the hash of the original unchunked content.
func ContentHashOfChunks(docs []chroma.Document, overlap int) string {
	return hashutil.ContentHash(Reassemble(docs, overlap))
}

// ValidateChunkSet checks that docs form a complete, consistent chunk set for
// one base ID: contiguous indexes from zero and an agreeing total_chunks.
func ValidateChunkSet(baseID string, docs []chroma.Document) error {
	if len(docs) == 0 {
		return dmmserr.NotFoundf("no chunks for %s", baseID)
	}
	if len(docs) == 1 && docs[0].ID == baseID {
		return nil
	}
	seen := make(map[int]bool, len(docs))
	for _, doc := range docs {
		idx := hashutil.ChunkIndex(doc.ID)
		if idx < 0 {
			return dmmserr.Validationf("document %s is not chunk-form for base %s", doc.ID, baseID)
		}
		if hashutil.BaseID(doc.ID) != baseID {
			return dmmserr.Validationf("chunk %s does not belong to base %s", doc.ID, baseID)
		}
		if seen[idx] {
			return dmmserr.Validationf("duplicate chunk index %d for %s", idx, baseID)
		}
		seen[idx] = true
	}
	for i := 0; i < len(docs); i++ {
		if !seen[i] {
			return fmt.Errorf("chunk set for %s missing index %d: %w", baseID, i, dmmserr.ErrValidation)
		}
	}
	return nil
}

package chunker

import (
	"context"
	"errors"
	"sort"

	"github.com/dmms-io/dmms/internal/chroma"
	"github.com/dmms-io/dmms/internal/dmmserr"
	"github.com/dmms-io/dmms/internal/hashutil"
)

// maxChunkProbe bounds the sequential {id}_chunk_{i} probe used as a last
// resort against stores written before source_id metadata existed.
const maxChunkProbe = 1000

// Resolver expands user-facing document IDs to the IDs actually stored in a
// collection. Callers pass base IDs (or chunk IDs, which resolve to
// themselves); the resolver figures out whether the document was stored
// whole or chunked.
type Resolver struct {
	gw chroma.Gateway
}

func NewResolver(gw chroma.Gateway) *Resolver {
	return &Resolver{gw: gw}
}

// ExpandToChunkIDs resolves one ID to its stored chunk IDs, in chunk order.
//
// Resolution order:
//  1. direct hit — a document stored under the ID itself (covers both
//     single-chunk documents and explicit chunk IDs);
//  2. source_id metadata lookup — the normal path for chunked documents;
//  3. bounded sequential probe of {id}_chunk_{i} — legacy stores without
//     chunk metadata.
//
// Returns ErrNotFound when nothing matches.
func (r *Resolver) ExpandToChunkIDs(ctx context.Context, collection, id string) ([]string, error) {
	if id == "" {
		return nil, dmmserr.Validationf("document ID must not be empty")
	}

	direct, err := r.gw.GetDocuments(ctx, collection, []string{id}, nil)
	if err != nil {
		return nil, err
	}
	if len(direct) > 0 {
		return []string{id}, nil
	}

	chunks, err := r.gw.GetDocuments(ctx, collection, nil, chroma.Where{"source_id": id})
	if err != nil {
		return nil, err
	}
	if len(chunks) > 0 {
		ids := make([]string, 0, len(chunks))
		for _, c := range chunks {
			ids = append(ids, c.ID)
		}
		sort.Slice(ids, func(i, j int) bool {
			return hashutil.ChunkIndex(ids[i]) < hashutil.ChunkIndex(ids[j])
		})
		return ids, nil
	}

	var probed []string
	for i := 0; i < maxChunkProbe; i++ {
		chunkID := hashutil.ChunkID(id, i)
		got, err := r.gw.GetDocuments(ctx, collection, []string{chunkID}, nil)
		if err != nil {
			return nil, err
		}
		if len(got) == 0 {
			break
		}
		probed = append(probed, chunkID)
	}
	if len(probed) > 0 {
		return probed, nil
	}

	return nil, dmmserr.NotFoundf("document %s in collection %s", id, collection)
}

// ExpandMultiple resolves several IDs, deduplicating the result while
// preserving first-resolution order. IDs that resolve to nothing are
// reported in missing rather than failing the whole batch.
func (r *Resolver) ExpandMultiple(ctx context.Context, collection string, ids []string) (resolved []string, missing []string, err error) {
	seen := make(map[string]bool)
	for _, id := range ids {
		chunkIDs, err := r.ExpandToChunkIDs(ctx, collection, id)
		if err != nil {
			if errors.Is(err, dmmserr.ErrNotFound) {
				missing = append(missing, id)
				continue
			}
			return nil, nil, err
		}
		for _, cid := range chunkIDs {
			if !seen[cid] {
				seen[cid] = true
				resolved = append(resolved, cid)
			}
		}
	}
	return resolved, missing, nil
}

// FetchDocument loads and reassembles one logical document.
func (r *Resolver) FetchDocument(ctx context.Context, collection, id string) (chroma.Document, error) {
	chunkIDs, err := r.ExpandToChunkIDs(ctx, collection, id)
	if err != nil {
		return chroma.Document{}, err
	}
	docs, err := r.gw.GetDocuments(ctx, collection, chunkIDs, nil)
	if err != nil {
		return chroma.Document{}, err
	}
	if len(docs) == 0 {
		return chroma.Document{}, dmmserr.NotFoundf("document %s in collection %s", id, collection)
	}
	if len(docs) == 1 && docs[0].ID == id {
		return docs[0], nil
	}
	base := hashutil.BaseID(docs[0].ID)
	meta := cloneMeta(docs[0].Metadata)
	delete(meta, "chunk_index")
	delete(meta, "total_chunks")
	return chroma.Document{
		ID:       base,
		Content:  Reassemble(docs, DefaultOverlap),
		Metadata: meta,
	}, nil
}

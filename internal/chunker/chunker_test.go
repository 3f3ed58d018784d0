package chunker

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmms-io/dmms/internal/chroma"
	"github.com/dmms-io/dmms/internal/dmmserr"
	"github.com/dmms-io/dmms/internal/hashutil"
)

func TestChunkShortTextIsSingle(t *testing.T) {
	parts := Chunk("short", 512, 50)
	require.Len(t, parts, 1)
	assert.Equal(t, "short", parts[0])

	// Empty content still yields one chunk.
	parts = Chunk("", 512, 50)
	require.Len(t, parts, 1)
	assert.Equal(t, "", parts[0])
}

func TestChunkOverlap(t *testing.T) {
	text := strings.Repeat("a", 100) + strings.Repeat("b", 100)
	parts := Chunk(text, 120, 20)
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 120)
	// Each successive chunk starts size-overlap runes after the previous.
	assert.Equal(t, text[100:], parts[1])
	// The shared region appears at the end of one and the start of the next.
	assert.Equal(t, parts[0][100:], parts[1][:20])
}

func TestChunkExactBoundary(t *testing.T) {
	text := strings.Repeat("x", 512)
	parts := Chunk(text, 512, 50)
	require.Len(t, parts, 1)

	parts = Chunk(text+"y", 512, 50)
	assert.Len(t, parts, 2)
}

func TestBuildChunksSingle(t *testing.T) {
	docs, err := BuildChunks("doc-1", "small content", map[string]interface{}{"lang": "en"}, 512, 50)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	// Single-chunk documents keep the base ID unchanged.
	assert.Equal(t, "doc-1", docs[0].ID)
	assert.Equal(t, "doc-1", docs[0].Metadata["source_id"])
	assert.Equal(t, 0, docs[0].Metadata["chunk_index"])
	assert.Equal(t, 1, docs[0].Metadata["total_chunks"])
	assert.Equal(t, "en", docs[0].Metadata["lang"])
}

func TestBuildChunksMulti(t *testing.T) {
	content := strings.Repeat("the quick brown fox ", 100)
	docs, err := BuildChunks("guide", content, nil, 512, 50)
	require.NoError(t, err)
	require.Greater(t, len(docs), 1)

	for i, doc := range docs {
		assert.Equal(t, hashutil.ChunkID("guide", i), doc.ID)
		assert.Equal(t, "guide", doc.Metadata["source_id"])
		assert.Equal(t, i, doc.Metadata["chunk_index"])
		assert.Equal(t, len(docs), doc.Metadata["total_chunks"])
	}

	assert.Equal(t, content, Reassemble(docs, 50))
	assert.Equal(t, hashutil.ContentHash(content), ContentHashOfChunks(docs, 50))
}

func TestBuildChunksPassesThroughChunkFormID(t *testing.T) {
	// Re-inserting a chunk-form ID stores it as-is, never x_chunk_0_chunk_1.
	docs, err := BuildChunks("doc2_chunk_0", "raw chunk content", nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "doc2_chunk_0", docs[0].ID)
	assert.Equal(t, "raw chunk content", docs[0].Content)
	assert.Equal(t, "doc2", docs[0].Metadata["source_id"])

	// Long content under a chunk-form ID is still not split.
	docs, err = BuildChunks("big_chunk_3", strings.Repeat("x", 5000), map[string]interface{}{"source_id": "big"}, 512, 50)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "big_chunk_3", docs[0].ID)
	assert.Equal(t, "big", docs[0].Metadata["source_id"])

	_, err = BuildChunks("", "content", nil, 512, 50)
	assert.ErrorIs(t, err, dmmserr.ErrValidation)
}

func TestBuildChunksDoesNotMutateBaseMetadata(t *testing.T) {
	base := map[string]interface{}{"k": "v"}
	_, err := BuildChunks("d", strings.Repeat("x", 2000), base, 512, 50)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"k": "v"}, base)
}

func TestValidateChunkSet(t *testing.T) {
	content := strings.Repeat("word ", 500)
	docs, err := BuildChunks("d", content, nil, 512, 50)
	require.NoError(t, err)
	require.NoError(t, ValidateChunkSet("d", docs))

	// Missing middle chunk.
	gap := append([]chroma.Document{}, docs[0])
	gap = append(gap, docs[2:]...)
	assert.ErrorIs(t, ValidateChunkSet("d", gap), dmmserr.ErrValidation)

	// Chunk from another document.
	alien := append([]chroma.Document{}, docs...)
	alien[1].ID = "other_chunk_1"
	assert.ErrorIs(t, ValidateChunkSet("d", alien), dmmserr.ErrValidation)

	assert.ErrorIs(t, ValidateChunkSet("d", nil), dmmserr.ErrNotFound)

	// A whole single-chunk document passes.
	single, err := BuildChunks("s", "tiny", nil, 512, 50)
	require.NoError(t, err)
	require.NoError(t, ValidateChunkSet("s", single))
}

func seedCollection(t *testing.T) (*chroma.Local, *Resolver) {
	t.Helper()
	gw, err := chroma.NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, gw.CreateCollection(ctx, "docs", nil))

	single, err := BuildChunks("readme", "a short readme", nil, 512, 50)
	require.NoError(t, err)
	require.NoError(t, gw.AddDocuments(ctx, "docs", single))

	multi, err := BuildChunks("manual", strings.Repeat("chapter text ", 200), nil, 512, 50)
	require.NoError(t, err)
	require.NoError(t, gw.AddDocuments(ctx, "docs", multi))

	// A legacy chunked document with no source_id metadata.
	require.NoError(t, gw.AddDocuments(ctx, "docs", []chroma.Document{
		{ID: "legacy_chunk_0", Content: "old part one"},
		{ID: "legacy_chunk_1", Content: "old part two"},
	}))

	return gw, NewResolver(gw)
}

func TestExpandToChunkIDs(t *testing.T) {
	_, r := seedCollection(t)
	ctx := context.Background()

	// Single-chunk document resolves to itself.
	ids, err := r.ExpandToChunkIDs(ctx, "docs", "readme")
	require.NoError(t, err)
	assert.Equal(t, []string{"readme"}, ids)

	// Chunked document resolves through source_id metadata, in chunk order.
	ids, err = r.ExpandToChunkIDs(ctx, "docs", "manual")
	require.NoError(t, err)
	require.Greater(t, len(ids), 1)
	for i, id := range ids {
		assert.Equal(t, hashutil.ChunkID("manual", i), id)
	}

	// A chunk ID resolves to itself.
	ids, err = r.ExpandToChunkIDs(ctx, "docs", "manual_chunk_0")
	require.NoError(t, err)
	assert.Equal(t, []string{"manual_chunk_0"}, ids)

	// Legacy document without metadata resolves via the sequential probe.
	ids, err = r.ExpandToChunkIDs(ctx, "docs", "legacy")
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy_chunk_0", "legacy_chunk_1"}, ids)

	_, err = r.ExpandToChunkIDs(ctx, "docs", "ghost")
	assert.ErrorIs(t, err, dmmserr.ErrNotFound)
}

func TestExpandMultiple(t *testing.T) {
	_, r := seedCollection(t)
	ctx := context.Background()

	resolved, missing, err := r.ExpandMultiple(ctx, "docs", []string{"readme", "manual", "ghost", "readme"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, missing)
	assert.Equal(t, "readme", resolved[0])
	assert.Greater(t, len(resolved), 2)

	// Duplicate input did not duplicate output.
	seen := map[string]int{}
	for _, id := range resolved {
		seen[id]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "id %s resolved more than once", id)
	}
}

func TestFetchDocumentReassembles(t *testing.T) {
	_, r := seedCollection(t)
	ctx := context.Background()

	content := strings.Repeat("chapter text ", 200)
	doc, err := r.FetchDocument(ctx, "docs", "manual")
	require.NoError(t, err)
	assert.Equal(t, "manual", doc.ID)
	assert.Equal(t, content, doc.Content)
	assert.NotContains(t, doc.Metadata, "chunk_index")
	assert.NotContains(t, doc.Metadata, "total_chunks")

	doc, err = r.FetchDocument(ctx, "docs", "readme")
	require.NoError(t, err)
	assert.Equal(t, "a short readme", doc.Content)
}

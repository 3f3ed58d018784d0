// Package detector computes what differs between the vector store and the
// versioned mirror. Detection is read-only and idempotent: both sides are
// snapshotted first, then compared by content hash, so running it twice
// without intervening writes yields identical change sets.
//
// Comparison happens at logical-document granularity. Vector-side chunks are
// rolled up to their base ID and hashed over the reassembled content, which
// is exactly what the mirror's content_hash column holds per doc_id row.
package detector

import (
	"context"
	"errors"
	"sort"

	"github.com/dmms-io/dmms/internal/chroma"
	"github.com/dmms-io/dmms/internal/chunker"
	"github.com/dmms-io/dmms/internal/debug"
	"github.com/dmms-io/dmms/internal/dmmserr"
	"github.com/dmms-io/dmms/internal/hashutil"
	"github.com/dmms-io/dmms/internal/tracker"
)

// RelationalSide is the slice of the versioned store the detector reads.
type RelationalSide interface {
	ListCollections(ctx context.Context) ([]string, error)
	DocHashes(ctx context.Context, collection string) (map[string]string, error)
}

// DocChange is one changed logical document, keyed by its base ID.
type DocChange struct {
	ID         string `json:"id"`
	ChangeType string `json:"change_type"` // added, modified, deleted
	VectorHash string `json:"vector_hash,omitempty"`
	MirrorHash string `json:"mirror_hash,omitempty"`
	PendingOp  bool   `json:"pending_op,omitempty"`

	// Chunks is how many vector-side chunks back this document; zero for
	// deletions, where only the mirror row remains.
	Chunks int `json:"chunks,omitempty"`
}

// CollectionChange is one collection-level difference.
type CollectionChange struct {
	Name       string `json:"name"`
	ChangeType string `json:"change_type"` // added, deleted, renamed, metadata_update
	NewName    string `json:"new_name,omitempty"`
}

// ChangeSet is the full result for one collection.
type ChangeSet struct {
	Collection string      `json:"collection"`
	Added      []DocChange `json:"added,omitempty"`
	Modified   []DocChange `json:"modified,omitempty"`
	Deleted    []DocChange `json:"deleted,omitempty"`

	// BaseIDs lists the changed logical documents in sorted order.
	BaseIDs []string `json:"base_ids,omitempty"`
}

// Total returns the number of changed documents.
func (c *ChangeSet) Total() int {
	return len(c.Added) + len(c.Modified) + len(c.Deleted)
}

// Detector compares the two sides.
type Detector struct {
	vector   chroma.Gateway
	mirror   RelationalSide
	trk      *tracker.Store
	repoPath string
}

func New(vector chroma.Gateway, mirror RelationalSide, trk *tracker.Store, repoPath string) *Detector {
	return &Detector{vector: vector, mirror: mirror, trk: trk, repoPath: repoPath}
}

// DetectCollection compares one collection document by document.
func (d *Detector) DetectCollection(ctx context.Context, collection string) (*ChangeSet, error) {
	// Snapshot the vector side. A collection missing there is an empty
	// snapshot, not an error: its mirror rows surface as deletions.
	vecDocs, err := d.vector.GetDocuments(ctx, collection, nil, nil)
	if err != nil && !errors.Is(err, dmmserr.ErrNotFound) {
		return nil, err
	}
	vecHashes, chunkCounts := logicalHashes(vecDocs)

	// Snapshot the mirror side: one content_hash per logical document.
	mirHashes, err := d.mirror.DocHashes(ctx, collection)
	if err != nil {
		return nil, err
	}

	// Pending deletion tracking turns a bare "missing on the vector side"
	// into an explicit deletion.
	pendingDeletes := make(map[string]bool)
	if d.trk != nil {
		ops, err := d.trk.PendingDocDeletions(ctx, d.repoPath, collection)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			pendingDeletes[hashutil.BaseID(op.DocID)] = true
		}
	}

	cs := &ChangeSet{Collection: collection}
	for id, vh := range vecHashes {
		mh, exists := mirHashes[id]
		switch {
		case !exists:
			cs.Added = append(cs.Added, DocChange{
				ID: id, ChangeType: "added", VectorHash: vh, Chunks: chunkCounts[id],
			})
		case vh != mh:
			cs.Modified = append(cs.Modified, DocChange{
				ID: id, ChangeType: "modified", VectorHash: vh, MirrorHash: mh, Chunks: chunkCounts[id],
			})
		}
	}
	for id, mh := range mirHashes {
		if _, exists := vecHashes[id]; exists {
			continue
		}
		cs.Deleted = append(cs.Deleted, DocChange{
			ID: id, ChangeType: "deleted", MirrorHash: mh,
			PendingOp: pendingDeletes[id],
		})
	}

	sortChanges(cs.Added)
	sortChanges(cs.Modified)
	sortChanges(cs.Deleted)

	for _, group := range [][]DocChange{cs.Added, cs.Modified, cs.Deleted} {
		for _, ch := range group {
			cs.BaseIDs = append(cs.BaseIDs, ch.ID)
		}
	}
	sort.Strings(cs.BaseIDs)

	debug.Logf("detect %s: %d added, %d modified, %d deleted",
		collection, len(cs.Added), len(cs.Modified), len(cs.Deleted))
	return cs, nil
}

// logicalHashes rolls vector-side chunks up to their base IDs and hashes the
// reassembled content, mirroring what staging writes into content_hash. The
// second map counts the chunks backing each logical document.
func logicalHashes(docs []chroma.Document) (map[string]string, map[string]int) {
	groups := make(map[string][]chroma.Document)
	for _, doc := range docs {
		base := hashutil.BaseID(doc.ID)
		groups[base] = append(groups[base], doc)
	}
	hashes := make(map[string]string, len(groups))
	counts := make(map[string]int, len(groups))
	for base, group := range groups {
		hashes[base] = chunker.ContentHashOfChunks(group, chunker.DefaultOverlap)
		counts[base] = len(group)
	}
	return hashes, counts
}

// DetectCollections compares the collection namespaces of both sides and
// folds in tracked renames and deletions.
func (d *Detector) DetectCollections(ctx context.Context) ([]CollectionChange, error) {
	vecNames, err := d.vector.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	mirNames, err := d.mirror.ListCollections(ctx)
	if err != nil {
		return nil, err
	}

	vecSet := make(map[string]bool, len(vecNames))
	for _, n := range vecNames {
		vecSet[n] = true
	}
	mirSet := make(map[string]bool, len(mirNames))
	for _, n := range mirNames {
		mirSet[n] = true
	}

	// Tracked collection ops explain namespace differences: a rename shows
	// up as one side missing the old name and having the new one.
	renames := make(map[string]string) // old -> new
	if d.trk != nil {
		ops, err := d.trk.PendingCollectionOps(ctx, d.repoPath)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			if op.OperationType == tracker.OpRename {
				renames[op.Collection] = op.NewName
			}
		}
	}

	var out []CollectionChange
	for _, n := range vecNames {
		if mirSet[n] {
			continue
		}
		// The new side of a tracked rename is not an add.
		if oldName := renameSource(renames, n); oldName != "" && mirSet[oldName] {
			out = append(out, CollectionChange{Name: oldName, ChangeType: "renamed", NewName: n})
			continue
		}
		out = append(out, CollectionChange{Name: n, ChangeType: "added"})
	}
	for _, n := range mirNames {
		if vecSet[n] {
			continue
		}
		if newName, ok := renames[n]; ok && vecSet[newName] {
			continue // already reported as renamed
		}
		out = append(out, CollectionChange{Name: n, ChangeType: "deleted"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DetectAll runs DetectCollection over every collection present on either
// side, keyed by the vector-side name for renamed collections.
func (d *Detector) DetectAll(ctx context.Context) (map[string]*ChangeSet, []CollectionChange, error) {
	colChanges, err := d.DetectCollections(ctx)
	if err != nil {
		return nil, nil, err
	}

	vecNames, err := d.vector.ListCollections(ctx)
	if err != nil {
		return nil, nil, err
	}
	mirNames, err := d.mirror.ListCollections(ctx)
	if err != nil {
		return nil, nil, err
	}
	names := make(map[string]bool)
	for _, n := range vecNames {
		names[n] = true
	}
	for _, n := range mirNames {
		names[n] = true
	}

	sets := make(map[string]*ChangeSet, len(names))
	for n := range names {
		cs, err := d.DetectCollection(ctx, n)
		if err != nil {
			return nil, nil, err
		}
		if cs.Total() > 0 {
			sets[n] = cs
		}
	}
	return sets, colChanges, nil
}

func renameSource(renames map[string]string, newName string) string {
	for oldName, n := range renames {
		if n == newName {
			return oldName
		}
	}
	return ""
}

func sortChanges(changes []DocChange) {
	sort.Slice(changes, func(i, j int) bool { return changes[i].ID < changes[j].ID })
}

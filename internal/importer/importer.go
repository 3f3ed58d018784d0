// Package importer copies documents between repositories' vector stores.
// Imports run in three phases: expand the collection filter, preview the
// conflicts, then execute with caller-chosen resolutions. Conflict IDs are
// deterministic functions of their identifying keys, so a preview's IDs are
// valid at execute time no matter how much later execute runs.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dmms-io/dmms/internal/chroma"
	"github.com/dmms-io/dmms/internal/debug"
	"github.com/dmms-io/dmms/internal/dmmserr"
	"github.com/dmms-io/dmms/internal/hashutil"
	"github.com/dmms-io/dmms/internal/wildcard"
)

// Conflict types.
const (
	TypeContentModification = "content_modification"
	TypeMetadataConflict    = "metadata_conflict"
	TypeCollectionMismatch  = "collection_mismatch"
	TypeIDCollision         = "id_collision"
)

// Resolution strategies.
const (
	ResolveKeepSource = "keep_source"
	ResolveKeepTarget = "keep_target"
	ResolveMerge      = "merge"
	ResolveSkip       = "skip"
	ResolveCustom     = "custom"
	ResolveNamespace  = "namespace"
	ResolveKeepFirst  = "keep_first"
	ResolveKeepLast   = "keep_last"
)

// allowedResolutions maps conflict type to its permitted strategies.
var allowedResolutions = map[string][]string{
	TypeContentModification: {ResolveKeepSource, ResolveKeepTarget, ResolveMerge, ResolveSkip, ResolveCustom},
	TypeMetadataConflict:    {ResolveKeepSource, ResolveKeepTarget, ResolveMerge, ResolveSkip},
	TypeCollectionMismatch:  {ResolveKeepSource, ResolveKeepTarget, ResolveSkip},
	TypeIDCollision:         {ResolveNamespace, ResolveKeepFirst, ResolveKeepLast, ResolveSkip},
}

// FilterSpec selects source collections (by pattern) and names their target.
type FilterSpec struct {
	Name       string   `json:"name"`
	ImportInto string   `json:"import_into"`
	Documents  []string `json:"documents,omitempty"`
}

// Mapping is one expanded (source collection -> target collection) pair.
type Mapping struct {
	Source           string   `json:"source"`
	Target           string   `json:"target"`
	DocumentPatterns []string `json:"document_patterns,omitempty"`
}

// Conflict is one obstacle found during preview.
type Conflict struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	DocID  string `json:"doc_id,omitempty"`
	Target string `json:"target"`

	// Sources names the source collections involved. One entry except for
	// cross-collection ID collisions, which always carry two, sorted.
	Sources []string `json:"sources"`

	Detail string `json:"detail,omitempty"`
}

// Preview is the dry-run result.
type Preview struct {
	Mappings  []Mapping  `json:"mappings"`
	Conflicts []Conflict `json:"conflicts,omitempty"`

	// Importable counts documents with no conflict at all.
	Importable int `json:"importable"`
	// Unchanged counts documents already identical on the target.
	Unchanged int `json:"unchanged"`
}

// Resolution is the caller's decision for one conflict.
type Resolution struct {
	Strategy string `json:"strategy"`
	// CustomContent replaces the document body for the custom strategy.
	CustomContent string `json:"custom_content,omitempty"`
}

// Result reports what execute did.
type Result struct {
	DocumentsImported  int `json:"documents_imported"`
	DocumentsSkipped   int `json:"documents_skipped"`
	CollectionsCreated int `json:"collections_created"`
	ConflictsResolved  int `json:"conflicts_resolved"`
}

// Engine imports from one vector store into another.
type Engine struct {
	source chroma.Gateway
	target chroma.Gateway
}

func NewEngine(source, target chroma.Gateway) *Engine {
	return &Engine{source: source, target: target}
}

// importConflictID is the regular (single-source) conflict ID.
func importConflictID(source, target, docID, conflictType string) string {
	key := strings.Join([]string{source, target, docID, conflictType}, "|")
	return "imp_" + hashutil.ShortHash(key, 12)
}

// crossCollectionID is order-independent in its two sources.
func crossCollectionID(sourceA, sourceB, target, docID string) string {
	sources := []string{sourceA, sourceB}
	sort.Strings(sources)
	key := strings.Join([]string{sources[0], sources[1], target, docID}, "|")
	return "xc_" + hashutil.ShortHash(key, 12)
}

func sortedPair(a, b string) []string {
	if a > b {
		a, b = b, a
	}
	return []string{a, b}
}

// ExpandFilter resolves filter patterns against the source collection list.
// An empty filter imports every collection under its own name. Duplicate
// mappings are preserved; expansion order follows the filter, then the
// sorted source list.
func (e *Engine) ExpandFilter(ctx context.Context, filter []FilterSpec) ([]Mapping, error) {
	names, err := e.source.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	if len(filter) == 0 {
		mappings := make([]Mapping, 0, len(names))
		for _, n := range names {
			mappings = append(mappings, Mapping{Source: n, Target: n})
		}
		return mappings, nil
	}

	var mappings []Mapping
	for _, spec := range filter {
		if spec.ImportInto == "" {
			return nil, dmmserr.Validationf("filter entry %q has no import_into target", spec.Name)
		}
		matched := wildcard.FilterByPattern(spec.Name, names)
		if len(matched) == 0 {
			return nil, dmmserr.NotFoundf("no source collection matches pattern %q", spec.Name)
		}
		for _, src := range matched {
			mappings = append(mappings, Mapping{
				Source:           src,
				Target:           spec.ImportInto,
				DocumentPatterns: spec.Documents,
			})
		}
	}
	return mappings, nil
}

// TargetCollections returns the deduplicated target names of a mapping set,
// in first-appearance order.
func TargetCollections(mappings []Mapping) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range mappings {
		if !seen[m.Target] {
			seen[m.Target] = true
			out = append(out, m.Target)
		}
	}
	return out
}

// Preview computes the conflicts the given filter would hit, without writing.
func (e *Engine) Preview(ctx context.Context, filter []FilterSpec) (*Preview, error) {
	mappings, err := e.ExpandFilter(ctx, filter)
	if err != nil {
		return nil, err
	}

	preview := &Preview{Mappings: mappings}

	// First source to contribute each (target, doc) claims the slot; later
	// sources collide.
	claimed := make(map[string]map[string]string) // target -> docID -> source
	seenConflicts := make(map[string]bool)

	for _, m := range mappings {
		srcDocs, err := e.source.GetDocuments(ctx, m.Source, nil, nil)
		if err != nil {
			return nil, err
		}
		srcDocs = filterDocs(srcDocs, m.DocumentPatterns)

		targetMeta, targetExists, err := e.targetCollectionMeta(ctx, m.Target)
		if err != nil {
			return nil, err
		}
		if targetExists {
			srcMeta, err := e.source.GetCollectionMetadata(ctx, m.Source)
			if err != nil {
				return nil, err
			}
			if metadataMismatch(srcMeta, targetMeta) {
				c := Conflict{
					ID:      importConflictID(m.Source, m.Target, "", TypeCollectionMismatch),
					Type:    TypeCollectionMismatch,
					Target:  m.Target,
					Sources: []string{m.Source},
					Detail:  "target collection exists with different metadata",
				}
				if !seenConflicts[c.ID] {
					seenConflicts[c.ID] = true
					preview.Conflicts = append(preview.Conflicts, c)
				}
			}
		}

		if claimed[m.Target] == nil {
			claimed[m.Target] = make(map[string]string)
		}
		for _, doc := range srcDocs {
			if prior, ok := claimed[m.Target][doc.ID]; ok && prior != m.Source {
				c := Conflict{
					ID:      crossCollectionID(prior, m.Source, m.Target, doc.ID),
					Type:    TypeIDCollision,
					DocID:   doc.ID,
					Target:  m.Target,
					Sources: sortedPair(prior, m.Source),
					Detail:  "two source collections contribute the same document ID",
				}
				if !seenConflicts[c.ID] {
					seenConflicts[c.ID] = true
					preview.Conflicts = append(preview.Conflicts, c)
				}
				continue
			}
			claimed[m.Target][doc.ID] = m.Source

			conflict, unchanged, err := e.classifyDoc(ctx, m, doc, targetExists)
			if err != nil {
				return nil, err
			}
			switch {
			case conflict != nil:
				if !seenConflicts[conflict.ID] {
					seenConflicts[conflict.ID] = true
					preview.Conflicts = append(preview.Conflicts, *conflict)
				}
			case unchanged:
				preview.Unchanged++
			default:
				preview.Importable++
			}
		}
	}

	sort.Slice(preview.Conflicts, func(i, j int) bool { return preview.Conflicts[i].ID < preview.Conflicts[j].ID })
	debug.Logf("import preview: %d mappings, %d importable, %d unchanged, %d conflicts",
		len(mappings), preview.Importable, preview.Unchanged, len(preview.Conflicts))
	return preview, nil
}

// classifyDoc compares one source document against the target.
func (e *Engine) classifyDoc(ctx context.Context, m Mapping, doc chroma.Document, targetExists bool) (*Conflict, bool, error) {
	if !targetExists {
		return nil, false, nil
	}
	existing, err := e.target.GetDocuments(ctx, m.Target, []string{doc.ID}, nil)
	if err != nil && !errors.Is(err, dmmserr.ErrNotFound) {
		return nil, false, err
	}
	if len(existing) == 0 {
		return nil, false, nil
	}

	tgt := existing[0]
	if hashutil.ContentHash(doc.Content) != hashutil.ContentHash(tgt.Content) {
		return &Conflict{
			ID:      importConflictID(m.Source, m.Target, doc.ID, TypeContentModification),
			Type:    TypeContentModification,
			DocID:   doc.ID,
			Target:  m.Target,
			Sources: []string{m.Source},
			Detail:  "target already has this document with different content",
		}, false, nil
	}
	if metadataMismatch(doc.Metadata, tgt.Metadata) {
		return &Conflict{
			ID:      importConflictID(m.Source, m.Target, doc.ID, TypeMetadataConflict),
			Type:    TypeMetadataConflict,
			DocID:   doc.ID,
			Target:  m.Target,
			Sources: []string{m.Source},
			Detail:  "same content, diverged metadata",
		}, false, nil
	}
	return nil, true, nil
}

func (e *Engine) targetCollectionMeta(ctx context.Context, name string) (map[string]interface{}, bool, error) {
	meta, err := e.target.GetCollectionMetadata(ctx, name)
	if errors.Is(err, dmmserr.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return meta, true, nil
}

// ParseResolution normalizes a caller-supplied strategy string and checks it
// against the allowed set for the conflict type. Parsing is tolerant: case,
// underscores, hyphens and spaces are ignored, and the short synonyms
// source/target/first/last are accepted.
func ParseResolution(raw, conflictType string) (string, error) {
	strategy, err := normalizeStrategy(raw)
	if err != nil {
		return "", err
	}
	allowed, ok := allowedResolutions[conflictType]
	if !ok {
		return "", dmmserr.Validationf("unknown conflict type %q", conflictType)
	}
	for _, a := range allowed {
		if a == strategy {
			return strategy, nil
		}
	}
	return "", dmmserr.Validationf("resolution %q not allowed for %s conflicts", strategy, conflictType)
}

func normalizeStrategy(raw string) (string, error) {
	normalized := strings.ToLower(raw)
	for _, r := range []string{"_", "-", " "} {
		normalized = strings.ReplaceAll(normalized, r, "")
	}
	switch normalized {
	case "source", "keepsource":
		return ResolveKeepSource, nil
	case "target", "keeptarget":
		return ResolveKeepTarget, nil
	case "first", "keepfirst":
		return ResolveKeepFirst, nil
	case "last", "keeplast":
		return ResolveKeepLast, nil
	case "merge":
		return ResolveMerge, nil
	case "skip":
		return ResolveSkip, nil
	case "custom":
		return ResolveCustom, nil
	case "namespace":
		return ResolveNamespace, nil
	}
	return "", dmmserr.Validationf("unknown resolution %q", raw)
}

// Execute runs the import. Every conflict from a fresh preview must carry a
// resolution; preview-time conflict IDs remain valid because IDs are pure
// functions of the conflict keys.
func (e *Engine) Execute(ctx context.Context, filter []FilterSpec, resolutions map[string]Resolution) (*Result, error) {
	preview, err := e.Preview(ctx, filter)
	if err != nil {
		return nil, err
	}

	// Validate resolutions up front so a typo cannot abort a half-written
	// import.
	parsed := make(map[string]Resolution, len(resolutions))
	var unresolved []string
	for _, c := range preview.Conflicts {
		res, ok := resolutions[c.ID]
		if !ok {
			unresolved = append(unresolved, c.ID)
			continue
		}
		s, err := ParseResolution(res.Strategy, c.Type)
		if err != nil {
			return nil, fmt.Errorf("conflict %s: %w", c.ID, err)
		}
		parsed[c.ID] = Resolution{Strategy: s, CustomContent: res.CustomContent}
	}
	if len(unresolved) > 0 {
		sort.Strings(unresolved)
		return nil, fmt.Errorf("unresolved conflicts: %s: %w", strings.Join(unresolved, ", "), dmmserr.ErrConflict)
	}

	result := &Result{ConflictsResolved: len(preview.Conflicts)}
	claimed := make(map[string]map[string]string) // target -> docID -> source

	for _, m := range preview.Mappings {
		srcDocs, err := e.source.GetDocuments(ctx, m.Source, nil, nil)
		if err != nil {
			return nil, err
		}
		srcDocs = filterDocs(srcDocs, m.DocumentPatterns)

		srcMeta, err := e.source.GetCollectionMetadata(ctx, m.Source)
		if err != nil {
			return nil, err
		}
		targetMeta, targetExists, err := e.targetCollectionMeta(ctx, m.Target)
		if err != nil {
			return nil, err
		}
		if !targetExists {
			if err := e.target.CreateCollection(ctx, m.Target, srcMeta); err != nil {
				return nil, err
			}
			result.CollectionsCreated++
		} else if metadataMismatch(srcMeta, targetMeta) {
			res := parsed[importConflictID(m.Source, m.Target, "", TypeCollectionMismatch)]
			switch res.Strategy {
			case ResolveKeepSource:
				if err := e.target.ModifyCollection(ctx, m.Target, "", srcMeta); err != nil {
					return nil, err
				}
			case ResolveSkip:
				result.DocumentsSkipped += len(srcDocs)
				continue
			}
			// keep_target leaves the target's metadata alone.
		}

		if claimed[m.Target] == nil {
			claimed[m.Target] = make(map[string]string)
		}
		for _, doc := range srcDocs {
			imported, skipped, err := e.executeDoc(ctx, m, doc, claimed[m.Target], parsed)
			if err != nil {
				return nil, err
			}
			result.DocumentsImported += imported
			result.DocumentsSkipped += skipped
		}
	}

	debug.Logf("import executed: %d imported, %d skipped, %d collections created",
		result.DocumentsImported, result.DocumentsSkipped, result.CollectionsCreated)
	return result, nil
}

func (e *Engine) executeDoc(ctx context.Context, m Mapping, doc chroma.Document, claimed map[string]string, resolutions map[string]Resolution) (imported, skipped int, err error) {
	if prior, ok := claimed[doc.ID]; ok && prior != m.Source {
		res := resolutions[crossCollectionID(prior, m.Source, m.Target, doc.ID)]
		switch res.Strategy {
		case ResolveNamespace:
			// Re-home BOTH colliding documents under namespaced IDs; the
			// first writer's plain-ID copy is replaced too.
			first, err := e.source.GetDocuments(ctx, prior, []string{doc.ID}, nil)
			if err != nil {
				return 0, 0, err
			}
			if err := e.target.DeleteDocuments(ctx, m.Target, []string{doc.ID}); err != nil {
				return 0, 0, err
			}
			var docs []chroma.Document
			for _, f := range first {
				docs = append(docs, namespacedDoc(prior, f))
			}
			docs = append(docs, namespacedDoc(m.Source, doc))
			if err := e.target.AddDocuments(ctx, m.Target, docs); err != nil {
				return 0, 0, err
			}
			return len(docs), 0, nil
		case ResolveKeepFirst:
			return 0, 1, nil
		case ResolveKeepLast:
			if err := e.target.AddDocuments(ctx, m.Target, []chroma.Document{doc}); err != nil {
				return 0, 0, err
			}
			return 1, 0, nil
		default: // skip: the first writer's copy is removed as well
			if err := e.target.DeleteDocuments(ctx, m.Target, []string{doc.ID}); err != nil {
				return 0, 0, err
			}
			return 0, 2, nil
		}
	}
	claimed[doc.ID] = m.Source

	existing, err := e.target.GetDocuments(ctx, m.Target, []string{doc.ID}, nil)
	if err != nil && !errors.Is(err, dmmserr.ErrNotFound) {
		return 0, 0, err
	}
	if len(existing) == 0 {
		if err := e.target.AddDocuments(ctx, m.Target, []chroma.Document{doc}); err != nil {
			return 0, 0, err
		}
		return 1, 0, nil
	}

	tgt := existing[0]
	sameContent := hashutil.ContentHash(doc.Content) == hashutil.ContentHash(tgt.Content)
	if sameContent && !metadataMismatch(doc.Metadata, tgt.Metadata) {
		return 0, 1, nil // idempotent import
	}

	conflictType := TypeContentModification
	if sameContent {
		conflictType = TypeMetadataConflict
	}
	res := resolutions[importConflictID(m.Source, m.Target, doc.ID, conflictType)]
	switch res.Strategy {
	case ResolveKeepSource:
		err = e.target.AddDocuments(ctx, m.Target, []chroma.Document{doc})
	case ResolveMerge:
		merged := chroma.Document{ID: doc.ID, Content: doc.Content, Metadata: mergeMetadata(doc.Metadata, tgt.Metadata)}
		if conflictType == TypeMetadataConflict {
			merged.Content = tgt.Content
		}
		err = e.target.AddDocuments(ctx, m.Target, []chroma.Document{merged})
	case ResolveCustom:
		if res.CustomContent == "" {
			return 0, 0, dmmserr.Validationf("custom resolution for %s needs custom_content", doc.ID)
		}
		err = e.target.AddDocuments(ctx, m.Target, []chroma.Document{{ID: doc.ID, Content: res.CustomContent, Metadata: doc.Metadata}})
	default: // keep_target, skip
		return 0, 1, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return 1, 0, nil
}

// namespacedID disambiguates an imported document by its source collection.
func namespacedID(source, docID string) string {
	return source + "__" + docID
}

// namespacedDoc re-homes one document under its namespaced ID. Chunk
// provenance moves with it: source_id is rewritten to the namespaced base ID
// so every chunk keeps pointing at the document it belongs to.
func namespacedDoc(source string, d chroma.Document) chroma.Document {
	out := chroma.Document{ID: namespacedID(source, d.ID), Content: d.Content, Metadata: d.Metadata}
	_, tracked := d.Metadata["source_id"]
	if tracked || hashutil.IsChunkID(d.ID) {
		meta := make(map[string]interface{}, len(d.Metadata)+1)
		for k, v := range d.Metadata {
			meta[k] = v
		}
		meta["source_id"] = namespacedID(source, hashutil.BaseID(d.ID))
		out.Metadata = meta
	}
	return out
}

func filterDocs(docs []chroma.Document, patterns []string) []chroma.Document {
	if len(patterns) == 0 {
		return docs
	}
	var out []chroma.Document
	for _, d := range docs {
		for _, p := range patterns {
			if wildcard.Match(p, d.ID) {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

func metadataMismatch(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return true
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || fmt.Sprintf("%v", av) != fmt.Sprintf("%v", bv) {
			return true
		}
	}
	return false
}

// mergeMetadata unions source and target metadata; source wins collisions.
func mergeMetadata(source, target map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(source)+len(target))
	for k, v := range target {
		out[k] = v
	}
	for k, v := range source {
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Package merge analyzes what a branch merge would do to the document mirror
// before anyone runs it. Conflicts are computed three-way against the merge
// base and get deterministic IDs, so repeated analysis of the same refs
// yields the same conflict set.
package merge

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/dmms-io/dmms/internal/debug"
	"github.com/dmms-io/dmms/internal/dmmserr"
	"github.com/dmms-io/dmms/internal/dolt"
	"github.com/dmms-io/dmms/internal/hashutil"
)

// Conflict types.
const (
	TypeContentModification = "content_modification"
	TypeAddAdd              = "add_add"
	TypeDeleteModify        = "delete_modify"
	TypeMetadataConflict    = "metadata_conflict"
)

// Resolution choices.
const (
	ResolveKeepOurs   = "keep_ours"
	ResolveKeepTheirs = "keep_theirs"
	ResolveFieldMerge = "field_merge"
	ResolveManual     = "manual_review"
)

// VersionedReader is the slice of the versioned store the analyzer needs.
type VersionedReader interface {
	MergeBase(ctx context.Context, refA, refB string) (string, error)
	ListCollectionsAsOf(ctx context.Context, ref string) ([]string, error)
	DocHashesAsOf(ctx context.Context, collection, ref string) (map[string]string, error)
	GetDocumentAsOf(ctx context.Context, collection, id, ref string) (*dolt.Document, error)
}

// Conflict is one document the merge cannot fast-forward. The three content
// and metadata snapshots let a client render the conflict without further
// store reads.
type Conflict struct {
	ID         string `json:"id"`
	Collection string `json:"collection"`
	DocID      string `json:"doc_id"`
	Type       string `json:"type"`

	BaseHash   string `json:"base_hash,omitempty"`
	OursHash   string `json:"ours_hash,omitempty"`
	TheirsHash string `json:"theirs_hash,omitempty"`

	BaseContent   string `json:"base_content,omitempty"`
	OursContent   string `json:"ours_content,omitempty"`
	TheirsContent string `json:"theirs_content,omitempty"`

	BaseValues   map[string]interface{} `json:"base_values,omitempty"`
	OursValues   map[string]interface{} `json:"ours_values,omitempty"`
	TheirsValues map[string]interface{} `json:"theirs_values,omitempty"`

	AutoResolvable      bool   `json:"auto_resolvable"`
	SuggestedResolution string `json:"suggested_resolution"`
	Detail              string `json:"detail,omitempty"`
}

// Analysis is the full merge preview for a pair of refs.
type Analysis struct {
	Ours      string     `json:"ours"`
	Theirs    string     `json:"theirs"`
	MergeBase string     `json:"merge_base"`
	Conflicts []Conflict `json:"conflicts"`

	// CleanChanges counts documents that merge without conflict.
	CleanChanges int `json:"clean_changes"`
}

// AutoResolvable reports whether every conflict can be resolved without a
// human decision.
func (a *Analysis) AutoResolvable() bool {
	for _, c := range a.Conflicts {
		if !c.AutoResolvable {
			return false
		}
	}
	return true
}

// Analyzer computes merge previews.
type Analyzer struct {
	store VersionedReader
}

func NewAnalyzer(store VersionedReader) *Analyzer {
	return &Analyzer{store: store}
}

// conflictID is deterministic over the identity of a conflict, not its
// contents, so re-analyzing after a content tweak keeps the same ID.
func conflictID(collection, docID, conflictType string) string {
	key := strings.Join([]string{collection, docID, conflictType}, "|")
	return "conf_" + hashutil.ShortHash(key, 12)
}

// Analyze computes the three-way merge preview for merging theirs into ours.
func (a *Analyzer) Analyze(ctx context.Context, ours, theirs string) (*Analysis, error) {
	base, err := a.store.MergeBase(ctx, ours, theirs)
	if err != nil {
		return nil, err
	}

	collections, err := a.unionCollections(ctx, base, ours, theirs)
	if err != nil {
		return nil, err
	}

	analysis := &Analysis{Ours: ours, Theirs: theirs, MergeBase: base}
	for _, collection := range collections {
		if err := a.analyzeCollection(ctx, analysis, collection, base, ours, theirs); err != nil {
			return nil, err
		}
	}

	sort.Slice(analysis.Conflicts, func(i, j int) bool {
		ci, cj := analysis.Conflicts[i], analysis.Conflicts[j]
		if ci.Collection != cj.Collection {
			return ci.Collection < cj.Collection
		}
		return ci.DocID < cj.DocID
	})

	debug.Logf("merge analysis %s <- %s: %d conflicts, %d clean",
		ours, theirs, len(analysis.Conflicts), analysis.CleanChanges)
	return analysis, nil
}

func (a *Analyzer) unionCollections(ctx context.Context, refs ...string) ([]string, error) {
	seen := make(map[string]bool)
	for _, ref := range refs {
		names, err := a.store.ListCollectionsAsOf(ctx, ref)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			seen[n] = true
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (a *Analyzer) analyzeCollection(ctx context.Context, analysis *Analysis, collection, base, ours, theirs string) error {
	baseHashes, err := a.store.DocHashesAsOf(ctx, collection, base)
	if err != nil {
		return err
	}
	oursHashes, err := a.store.DocHashesAsOf(ctx, collection, ours)
	if err != nil {
		return err
	}
	theirsHashes, err := a.store.DocHashesAsOf(ctx, collection, theirs)
	if err != nil {
		return err
	}

	ids := make(map[string]bool)
	for id := range baseHashes {
		ids[id] = true
	}
	for id := range oursHashes {
		ids[id] = true
	}
	for id := range theirsHashes {
		ids[id] = true
	}

	for id := range ids {
		b, inBase := baseHashes[id]
		o, inOurs := oursHashes[id]
		t, inTheirs := theirsHashes[id]

		oursChanged := inBase != inOurs || (inBase && o != b)
		theirsChanged := inBase != inTheirs || (inBase && t != b)
		if !oursChanged && !theirsChanged {
			continue
		}

		// Same outcome on both sides: identical content, or both deleted.
		if inOurs == inTheirs && o == t {
			if !inOurs {
				analysis.CleanChanges++
				continue
			}
			conflict, err := a.agreedContentConflict(ctx, collection, id, b, o, inBase, base, ours, theirs)
			if err != nil {
				return err
			}
			analysis.Conflicts = append(analysis.Conflicts, *conflict)
			continue
		}

		// One side changed. A modification of a document both refs still
		// carry is an auto-resolvable content conflict; a one-sided add or
		// delete merges silently.
		if oursChanged != theirsChanged {
			if !inBase || !inOurs || !inTheirs {
				analysis.CleanChanges++
				continue
			}
			conflict := Conflict{
				ID:             conflictID(collection, id, TypeContentModification),
				Collection:     collection,
				DocID:          id,
				Type:           TypeContentModification,
				BaseHash:       b,
				OursHash:       o,
				TheirsHash:     t,
				AutoResolvable: true,
			}
			if oursChanged {
				conflict.SuggestedResolution = ResolveKeepOurs
				conflict.Detail = "modified on ours only"
			} else {
				conflict.SuggestedResolution = ResolveKeepTheirs
				conflict.Detail = "modified on theirs only"
			}
			if err := a.fillSnapshots(ctx, &conflict, base, ours, theirs, inBase, inOurs, inTheirs); err != nil {
				return err
			}
			analysis.Conflicts = append(analysis.Conflicts, conflict)
			continue
		}

		conflict := Conflict{
			Collection: collection,
			DocID:      id,
			BaseHash:   b,
			OursHash:   o,
			TheirsHash: t,
		}
		switch {
		case !inBase && inOurs && inTheirs:
			conflict.Type = TypeAddAdd
			conflict.SuggestedResolution = ResolveManual
			conflict.Detail = "both branches added this document with different content"
		case !inOurs && inTheirs:
			conflict.Type = TypeDeleteModify
			conflict.SuggestedResolution = ResolveManual
			conflict.Detail = "deleted on ours, modified on theirs"
		case inOurs && !inTheirs:
			conflict.Type = TypeDeleteModify
			conflict.SuggestedResolution = ResolveManual
			conflict.Detail = "modified on ours, deleted on theirs"
		default:
			conflict.Type = TypeContentModification
			conflict.SuggestedResolution = ResolveManual
			conflict.Detail = "modified differently on both branches"
		}
		conflict.ID = conflictID(collection, id, conflict.Type)
		if err := a.fillSnapshots(ctx, &conflict, base, ours, theirs, inBase, inOurs, inTheirs); err != nil {
			return err
		}
		analysis.Conflicts = append(analysis.Conflicts, conflict)
	}
	return nil
}

// agreedContentConflict handles documents whose content both sides agree on
// after changing: diverged metadata yields a MetadataConflict, otherwise the
// identical change surfaces as an auto-resolvable conflict of the change's
// kind.
func (a *Analyzer) agreedContentConflict(ctx context.Context, collection, id, baseHash, agreedHash string, inBase bool, base, ours, theirs string) (*Conflict, error) {
	oursDoc, err := a.store.GetDocumentAsOf(ctx, collection, id, ours)
	if err != nil {
		return nil, err
	}
	theirsDoc, err := a.store.GetDocumentAsOf(ctx, collection, id, theirs)
	if err != nil {
		return nil, err
	}

	conflict := &Conflict{
		Collection:    collection,
		DocID:         id,
		BaseHash:      baseHash,
		OursHash:      agreedHash,
		TheirsHash:    agreedHash,
		OursContent:   oursDoc.Content,
		TheirsContent: theirsDoc.Content,
		OursValues:    oursDoc.Metadata,
		TheirsValues:  theirsDoc.Metadata,
	}
	if inBase {
		baseDoc, err := a.store.GetDocumentAsOf(ctx, collection, id, base)
		if err != nil {
			return nil, err
		}
		conflict.BaseContent = baseDoc.Content
		conflict.BaseValues = baseDoc.Metadata
	}

	switch {
	case !reflect.DeepEqual(oursDoc.Metadata, theirsDoc.Metadata):
		conflict.Type = TypeMetadataConflict
		conflict.SuggestedResolution = ResolveFieldMerge
		conflict.Detail = "same content, diverged metadata"
	case inBase:
		conflict.Type = TypeContentModification
		conflict.SuggestedResolution = ResolveKeepOurs
		conflict.Detail = "both branches made the same content change"
	default:
		conflict.Type = TypeAddAdd
		conflict.SuggestedResolution = ResolveKeepOurs
		conflict.Detail = "both branches added identical content"
	}
	conflict.ID = conflictID(collection, id, conflict.Type)
	conflict.AutoResolvable = true
	return conflict, nil
}

// fillSnapshots loads the content and metadata of each side the document
// exists on.
func (a *Analyzer) fillSnapshots(ctx context.Context, c *Conflict, base, ours, theirs string, inBase, inOurs, inTheirs bool) error {
	if inBase {
		d, err := a.store.GetDocumentAsOf(ctx, c.Collection, c.DocID, base)
		if err != nil {
			return err
		}
		c.BaseContent, c.BaseValues = d.Content, d.Metadata
	}
	if inOurs {
		d, err := a.store.GetDocumentAsOf(ctx, c.Collection, c.DocID, ours)
		if err != nil {
			return err
		}
		c.OursContent, c.OursValues = d.Content, d.Metadata
	}
	if inTheirs {
		d, err := a.store.GetDocumentAsOf(ctx, c.Collection, c.DocID, theirs)
		if err != nil {
			return err
		}
		c.TheirsContent, c.TheirsValues = d.Content, d.Metadata
	}
	return nil
}

// ResolutionPreview describes what applying a resolution would produce.
type ResolutionPreview struct {
	ConflictID     string                 `json:"conflict_id"`
	Resolution     string                 `json:"resolution"`
	ResultContent  string                 `json:"result_content"`
	ResultMetadata map[string]interface{} `json:"result_metadata,omitempty"`
	Confidence     int                    `json:"confidence"`
	Warnings       []string               `json:"warnings,omitempty"`
}

// PreviewResolution evaluates a proposed resolution for one conflict without
// applying anything: the resulting content and metadata, a confidence score,
// and a warning per dropped field or content side.
func (a *Analyzer) PreviewResolution(conflict Conflict, resolution string) (*ResolutionPreview, error) {
	switch resolution {
	case ResolveKeepOurs, ResolveKeepTheirs, ResolveFieldMerge, ResolveManual:
	default:
		return nil, dmmserr.Validationf("unknown resolution %q", resolution)
	}

	preview := &ResolutionPreview{ConflictID: conflict.ID, Resolution: resolution}

	switch resolution {
	case ResolveKeepOurs:
		preview.ResultContent = conflict.OursContent
		preview.ResultMetadata = conflict.OursValues
		if conflict.TheirsContent != conflict.OursContent {
			preview.Warnings = append(preview.Warnings, "theirs content is dropped")
		}
		preview.Warnings = append(preview.Warnings, droppedFieldWarnings(conflict.TheirsValues, conflict.OursValues, "theirs")...)
	case ResolveKeepTheirs:
		preview.ResultContent = conflict.TheirsContent
		preview.ResultMetadata = conflict.TheirsValues
		if conflict.OursContent != conflict.TheirsContent {
			preview.Warnings = append(preview.Warnings, "ours content is dropped")
		}
		preview.Warnings = append(preview.Warnings, droppedFieldWarnings(conflict.OursValues, conflict.TheirsValues, "ours")...)
	case ResolveFieldMerge:
		switch {
		case conflict.OursHash == conflict.TheirsHash, conflict.TheirsHash == conflict.BaseHash:
			preview.ResultContent = conflict.OursContent
		case conflict.OursHash == conflict.BaseHash:
			preview.ResultContent = conflict.TheirsContent
		default:
			preview.ResultContent = conflict.OursContent
			preview.Warnings = append(preview.Warnings, "content diverged on both sides; field_merge keeps ours")
		}
		merged, dropped := mergeMetadataDetail(conflict.OursValues, conflict.TheirsValues)
		preview.ResultMetadata = merged
		fields := make([]string, 0, len(dropped))
		for field := range dropped {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			preview.Warnings = append(preview.Warnings,
				fmt.Sprintf("metadata field %q: %s value is dropped", field, dropped[field]))
		}
	}

	switch conflict.Type {
	case TypeMetadataConflict:
		if resolution == ResolveFieldMerge {
			preview.Confidence = 95
		} else {
			preview.Confidence = 80
			preview.Warnings = append(preview.Warnings,
				"discarding one side's metadata; field_merge would keep both")
		}
	case TypeDeleteModify:
		if resolution == conflict.SuggestedResolution {
			preview.Confidence = 70
		} else {
			preview.Confidence = 40
		}
		if resolution == ResolveKeepOurs && conflict.OursHash == "" ||
			resolution == ResolveKeepTheirs && conflict.TheirsHash == "" {
			preview.Warnings = append(preview.Warnings,
				fmt.Sprintf("document %s will be deleted; the surviving modification is lost", conflict.DocID))
		}
	case TypeAddAdd, TypeContentModification:
		if conflict.AutoResolvable {
			preview.Confidence = 90
		} else {
			preview.Confidence = 50
			if resolution != ResolveManual {
				preview.Warnings = append(preview.Warnings,
					"both sides carry distinct content; the unchosen side's content is lost")
			}
		}
	default:
		return nil, dmmserr.Validationf("unknown conflict type %q", conflict.Type)
	}
	return preview, nil
}

// droppedFieldWarnings lists fields of the losing side whose value differs
// from (or is absent in) the kept side.
func droppedFieldWarnings(losing, kept map[string]interface{}, side string) []string {
	fields := make([]string, 0, len(losing))
	for field, v := range losing {
		if kv, ok := kept[field]; ok && reflect.DeepEqual(kv, v) {
			continue
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		out = append(out, fmt.Sprintf("metadata field %q: %s value is dropped", field, side))
	}
	return out
}

// MergeMetadata unions two metadata maps. Non-overlapping fields merge; on
// collision the newer timestamp wins, then the higher integer, then ours.
func MergeMetadata(ours, theirs map[string]interface{}) map[string]interface{} {
	merged, _ := mergeMetadataDetail(ours, theirs)
	return merged
}

// mergeMetadataDetail also reports which side's value each collided field
// dropped.
func mergeMetadataDetail(ours, theirs map[string]interface{}) (map[string]interface{}, map[string]string) {
	out := make(map[string]interface{}, len(ours)+len(theirs))
	dropped := make(map[string]string)
	for k, v := range theirs {
		out[k] = v
	}
	for k, ov := range ours {
		tv, clash := theirs[k]
		if !clash || reflect.DeepEqual(ov, tv) {
			out[k] = ov
			continue
		}
		if preferTheirs(ov, tv) {
			out[k] = tv
			dropped[k] = "ours"
		} else {
			out[k] = ov
			dropped[k] = "theirs"
		}
	}
	if len(out) == 0 {
		return nil, dropped
	}
	return out, dropped
}

// preferTheirs applies the collision preferences: a newer timestamp beats an
// older one, a higher integer beats a lower one, and ties fall to ours.
func preferTheirs(ov, tv interface{}) bool {
	if ot, ok := timeValue(ov); ok {
		if tt, ok := timeValue(tv); ok {
			return tt.After(ot)
		}
	}
	if oi, ok := intValue(ov); ok {
		if ti, ok := intValue(tv); ok {
			return ti > oi
		}
	}
	return false
}

func timeValue(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func intValue(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

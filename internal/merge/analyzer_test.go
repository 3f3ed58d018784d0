package merge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmms-io/dmms/internal/dmmserr"
	"github.com/dmms-io/dmms/internal/dolt"
	"github.com/dmms-io/dmms/internal/hashutil"
)

// fakeVersioned holds ref -> collection -> id -> document.
type fakeVersioned struct {
	base string
	docs map[string]map[string]map[string]dolt.Document
}

func (f *fakeVersioned) MergeBase(ctx context.Context, refA, refB string) (string, error) {
	return f.base, nil
}

func (f *fakeVersioned) ListCollectionsAsOf(ctx context.Context, ref string) ([]string, error) {
	var out []string
	for name := range f.docs[ref] {
		out = append(out, name)
	}
	return out, nil
}

func (f *fakeVersioned) DocHashesAsOf(ctx context.Context, collection, ref string) (map[string]string, error) {
	out := make(map[string]string)
	for id, d := range f.docs[ref][collection] {
		out[id] = hashutil.ContentHash(d.Content)
	}
	return out, nil
}

func (f *fakeVersioned) GetDocumentAsOf(ctx context.Context, collection, id, ref string) (*dolt.Document, error) {
	d, ok := f.docs[ref][collection][id]
	if !ok {
		return nil, dmmserr.NotFoundf("document %s/%s at %s", collection, id, ref)
	}
	return &d, nil
}

func doc(content string, meta map[string]interface{}) dolt.Document {
	return dolt.Document{Content: content, Metadata: meta}
}

func newFake() *fakeVersioned {
	return &fakeVersioned{
		base: "base",
		docs: map[string]map[string]map[string]dolt.Document{
			"base": {"docs": {}}, "main": {"docs": {}}, "feature": {"docs": {}},
		},
	}
}

func TestAnalyzeCleanMerge(t *testing.T) {
	f := newFake()
	f.docs["base"]["docs"]["a"] = doc("v1", nil)
	f.docs["main"]["docs"]["a"] = doc("v1", nil)
	f.docs["feature"]["docs"]["a"] = doc("v1", nil)
	f.docs["feature"]["docs"]["new"] = doc("added", nil)
	// Deleted on feature, untouched on main.
	f.docs["base"]["docs"]["old"] = doc("obsolete", nil)
	f.docs["main"]["docs"]["old"] = doc("obsolete", nil)

	analysis, err := NewAnalyzer(f).Analyze(context.Background(), "main", "feature")
	require.NoError(t, err)
	assert.Empty(t, analysis.Conflicts)
	assert.Equal(t, 2, analysis.CleanChanges)
	assert.True(t, analysis.AutoResolvable())
	assert.Equal(t, "base", analysis.MergeBase)
}

func TestAnalyzeOneSideModificationIsAutoResolvable(t *testing.T) {
	f := newFake()
	f.docs["base"]["docs"]["a"] = doc("X", nil)
	f.docs["main"]["docs"]["a"] = doc("Y", nil)
	f.docs["feature"]["docs"]["a"] = doc("X", nil)

	analysis, err := NewAnalyzer(f).Analyze(context.Background(), "main", "feature")
	require.NoError(t, err)
	require.Len(t, analysis.Conflicts, 1)
	c := analysis.Conflicts[0]
	assert.Equal(t, TypeContentModification, c.Type)
	assert.True(t, c.AutoResolvable)
	assert.Equal(t, ResolveKeepOurs, c.SuggestedResolution)
	assert.Equal(t, "X", c.BaseContent)
	assert.Equal(t, "Y", c.OursContent)
	assert.Equal(t, "X", c.TheirsContent)
	assert.True(t, analysis.AutoResolvable())

	// Symmetric: only theirs moved.
	f2 := newFake()
	f2.docs["base"]["docs"]["a"] = doc("X", nil)
	f2.docs["main"]["docs"]["a"] = doc("X", nil)
	f2.docs["feature"]["docs"]["a"] = doc("Z", nil)
	analysis, err = NewAnalyzer(f2).Analyze(context.Background(), "main", "feature")
	require.NoError(t, err)
	require.Len(t, analysis.Conflicts, 1)
	assert.True(t, analysis.Conflicts[0].AutoResolvable)
	assert.Equal(t, ResolveKeepTheirs, analysis.Conflicts[0].SuggestedResolution)
}

func TestAnalyzeIdenticalChangesAreAutoResolvable(t *testing.T) {
	// Both branches made the same edit.
	f := newFake()
	f.docs["base"]["docs"]["a"] = doc("v1", nil)
	f.docs["main"]["docs"]["a"] = doc("v2", nil)
	f.docs["feature"]["docs"]["a"] = doc("v2", nil)

	analysis, err := NewAnalyzer(f).Analyze(context.Background(), "main", "feature")
	require.NoError(t, err)
	require.Len(t, analysis.Conflicts, 1)
	c := analysis.Conflicts[0]
	assert.Equal(t, TypeContentModification, c.Type)
	assert.True(t, c.AutoResolvable)
	assert.Equal(t, ResolveKeepOurs, c.SuggestedResolution)

	// Both branches added identical content.
	f2 := newFake()
	f2.docs["main"]["docs"]["b"] = doc("same", nil)
	f2.docs["feature"]["docs"]["b"] = doc("same", nil)
	analysis, err = NewAnalyzer(f2).Analyze(context.Background(), "main", "feature")
	require.NoError(t, err)
	require.Len(t, analysis.Conflicts, 1)
	assert.Equal(t, TypeAddAdd, analysis.Conflicts[0].Type)
	assert.True(t, analysis.Conflicts[0].AutoResolvable)
}

func TestAnalyzeContentModification(t *testing.T) {
	f := newFake()
	f.docs["base"]["docs"]["a"] = doc("original", nil)
	f.docs["main"]["docs"]["a"] = doc("ours edit", nil)
	f.docs["feature"]["docs"]["a"] = doc("theirs edit", nil)

	analysis, err := NewAnalyzer(f).Analyze(context.Background(), "main", "feature")
	require.NoError(t, err)
	require.Len(t, analysis.Conflicts, 1)
	c := analysis.Conflicts[0]
	assert.Equal(t, TypeContentModification, c.Type)
	assert.False(t, c.AutoResolvable)
	assert.Equal(t, ResolveManual, c.SuggestedResolution)
	assert.False(t, analysis.AutoResolvable())
}

func TestAnalyzeAddAdd(t *testing.T) {
	f := newFake()
	f.docs["main"]["docs"]["a"] = doc("ours version", nil)
	f.docs["feature"]["docs"]["a"] = doc("theirs version", nil)

	analysis, err := NewAnalyzer(f).Analyze(context.Background(), "main", "feature")
	require.NoError(t, err)
	require.Len(t, analysis.Conflicts, 1)
	assert.Equal(t, TypeAddAdd, analysis.Conflicts[0].Type)
}

func TestAnalyzeDeleteModify(t *testing.T) {
	f := newFake()
	f.docs["base"]["docs"]["a"] = doc("original", nil)
	// Deleted on main, modified on feature.
	f.docs["feature"]["docs"]["a"] = doc("edited", nil)

	analysis, err := NewAnalyzer(f).Analyze(context.Background(), "main", "feature")
	require.NoError(t, err)
	require.Len(t, analysis.Conflicts, 1)
	c := analysis.Conflicts[0]
	assert.Equal(t, TypeDeleteModify, c.Type)
	assert.False(t, c.AutoResolvable)
	assert.Equal(t, ResolveManual, c.SuggestedResolution)

	// Mirror case: modified on ours, deleted on theirs.
	f2 := newFake()
	f2.docs["base"]["docs"]["a"] = doc("original", nil)
	f2.docs["main"]["docs"]["a"] = doc("edited", nil)
	analysis, err = NewAnalyzer(f2).Analyze(context.Background(), "main", "feature")
	require.NoError(t, err)
	require.Len(t, analysis.Conflicts, 1)
	assert.Equal(t, TypeDeleteModify, analysis.Conflicts[0].Type)
}

func TestAnalyzeBothDeletedIsClean(t *testing.T) {
	f := newFake()
	f.docs["base"]["docs"]["a"] = doc("original", nil)

	analysis, err := NewAnalyzer(f).Analyze(context.Background(), "main", "feature")
	require.NoError(t, err)
	assert.Empty(t, analysis.Conflicts)
	assert.Equal(t, 1, analysis.CleanChanges)
}

func TestAnalyzeMetadataConflict(t *testing.T) {
	f := newFake()
	f.docs["base"]["docs"]["a"] = doc("original", map[string]interface{}{"tag": "old"})
	f.docs["main"]["docs"]["a"] = doc("same new", map[string]interface{}{"tag": "ours"})
	f.docs["feature"]["docs"]["a"] = doc("same new", map[string]interface{}{"tag": "theirs"})

	analysis, err := NewAnalyzer(f).Analyze(context.Background(), "main", "feature")
	require.NoError(t, err)
	require.Len(t, analysis.Conflicts, 1)
	c := analysis.Conflicts[0]
	assert.Equal(t, TypeMetadataConflict, c.Type)
	assert.True(t, c.AutoResolvable)
	assert.Equal(t, ResolveFieldMerge, c.SuggestedResolution)
	assert.True(t, analysis.AutoResolvable())
}

func TestConflictIDsAreDeterministic(t *testing.T) {
	build := func(theirs string) *Analysis {
		f := newFake()
		f.docs["base"]["docs"]["a"] = doc("original", nil)
		f.docs["main"]["docs"]["a"] = doc("ours", nil)
		f.docs["feature"]["docs"]["a"] = doc(theirs, nil)
		analysis, err := NewAnalyzer(f).Analyze(context.Background(), "main", "feature")
		require.NoError(t, err)
		return analysis
	}
	first := build("theirs")
	second := build("theirs")
	require.Len(t, first.Conflicts, 1)
	assert.Equal(t, first.Conflicts[0].ID, second.Conflicts[0].ID)
	assert.Regexp(t, `^conf_[0-9a-f]{12}$`, first.Conflicts[0].ID)

	// The ID keys on collection, doc and type only, so a content tweak on
	// one side does not mint a new conflict.
	third := build("theirs v2")
	assert.Equal(t, first.Conflicts[0].ID, third.Conflicts[0].ID)
	want := "conf_" + hashutil.ShortHash("docs|a|"+TypeContentModification, 12)
	assert.Equal(t, want, first.Conflicts[0].ID)
}

func TestConflictCarriesSnapshots(t *testing.T) {
	f := newFake()
	f.docs["base"]["docs"]["a"] = doc("original", map[string]interface{}{"rev": 1})
	f.docs["main"]["docs"]["a"] = doc("ours", map[string]interface{}{"rev": 2})
	f.docs["feature"]["docs"]["a"] = doc("theirs", map[string]interface{}{"rev": 3})

	analysis, err := NewAnalyzer(f).Analyze(context.Background(), "main", "feature")
	require.NoError(t, err)
	require.Len(t, analysis.Conflicts, 1)
	c := analysis.Conflicts[0]
	assert.Equal(t, "original", c.BaseContent)
	assert.Equal(t, "ours", c.OursContent)
	assert.Equal(t, "theirs", c.TheirsContent)
	assert.Equal(t, map[string]interface{}{"rev": 1}, c.BaseValues)
	assert.Equal(t, map[string]interface{}{"rev": 2}, c.OursValues)
	assert.Equal(t, map[string]interface{}{"rev": 3}, c.TheirsValues)
}

func TestPreviewResolution(t *testing.T) {
	analyzer := NewAnalyzer(nil)

	meta := Conflict{
		ID:            "conf_x",
		Type:          TypeMetadataConflict,
		OursContent:   "same",
		TheirsContent: "same",
		OursValues:    map[string]interface{}{"tag": "ours", "lang": "en"},
		TheirsValues:  map[string]interface{}{"tag": "theirs", "priority": 5},
	}
	p, err := analyzer.PreviewResolution(meta, ResolveFieldMerge)
	require.NoError(t, err)
	assert.Equal(t, 95, p.Confidence)
	assert.Equal(t, "same", p.ResultContent)
	// Non-overlapping fields merge; the collided field drops one side.
	assert.Equal(t, "en", p.ResultMetadata["lang"])
	assert.Equal(t, 5, p.ResultMetadata["priority"])
	assert.Equal(t, "ours", p.ResultMetadata["tag"])
	require.Len(t, p.Warnings, 1)
	assert.Contains(t, p.Warnings[0], `"tag"`)
	assert.Contains(t, p.Warnings[0], "theirs value is dropped")

	p, err = analyzer.PreviewResolution(meta, ResolveKeepOurs)
	require.NoError(t, err)
	assert.Equal(t, meta.OursValues, p.ResultMetadata)
	assert.NotEmpty(t, p.Warnings)

	dm := Conflict{ID: "conf_y", Type: TypeDeleteModify, TheirsHash: "abc", TheirsContent: "edited"}
	p, err = analyzer.PreviewResolution(dm, ResolveKeepOurs)
	require.NoError(t, err)
	assert.Equal(t, "", p.ResultContent)
	assert.NotEmpty(t, p.Warnings, "resolving to the deleted side loses the modification")

	_, err = analyzer.PreviewResolution(meta, "flip_a_coin")
	assert.ErrorIs(t, err, dmmserr.ErrValidation)
}

func TestMergeMetadataOursWins(t *testing.T) {
	merged := MergeMetadata(
		map[string]interface{}{"shared": "ours", "onlyours": 1},
		map[string]interface{}{"shared": "theirs", "onlytheirs": 2},
	)
	assert.Equal(t, "ours", merged["shared"])
	assert.Equal(t, 1, merged["onlyours"])
	assert.Equal(t, 2, merged["onlytheirs"])

	assert.Nil(t, MergeMetadata(nil, nil))
}

func TestMergeMetadataCollisionPreferences(t *testing.T) {
	merged := MergeMetadata(
		map[string]interface{}{
			"updated_at": "2026-01-02T00:00:00Z",
			"version":    int64(3),
			"note":       "ours",
		},
		map[string]interface{}{
			"updated_at": "2026-03-04T00:00:00Z",
			"version":    int64(2),
			"note":       "theirs",
		},
	)
	// Newer timestamp wins regardless of side.
	assert.Equal(t, "2026-03-04T00:00:00Z", merged["updated_at"])
	// Higher integer version wins.
	assert.Equal(t, int64(3), merged["version"])
	// Plain collisions fall to ours.
	assert.Equal(t, "ours", merged["note"])
}

package chroma

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dmms-io/dmms/internal/dmmserr"
	"github.com/dmms-io/dmms/internal/sqlescape"
)

// Local is the persistent file-backed gateway. Each collection is a
// directory under the data path holding meta.json and docs.jsonl; document
// mutations rewrite docs.jsonl atomically (temp file + rename), so a crash
// leaves either the old or the new file.
//
// Query scoring is a term-overlap heuristic: real embedding similarity is
// the external store's business, and in persistent mode the callers that
// matter (the sync core, ID resolution) filter by metadata, not distance.
type Local struct {
	mu   sync.RWMutex
	root string

	// collections loaded lazily: name -> state
	collections map[string]*localCollection
}

type localCollection struct {
	Metadata map[string]interface{}
	Docs     map[string]Document // by ID
	Order    []string            // insertion order for stable listings
}

type collectionMeta struct {
	Name     string                 `json:"name"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewLocal opens (creating if needed) a persistent gateway rooted at dataPath.
func NewLocal(dataPath string) (*Local, error) {
	root := filepath.Join(dataPath, "collections")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating chroma data directory: %w", err)
	}
	l := &Local{root: root, collections: make(map[string]*localCollection)}
	if err := l.loadAll(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Local) loadAll() error {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return fmt.Errorf("scanning collections: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := l.loadCollection(e.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (l *Local) loadCollection(name string) error {
	dir := filepath.Join(l.root, name)

	metaData, err := os.ReadFile(filepath.Join(dir, "meta.json")) // #nosec G304 - paths under our data root
	if err != nil {
		if os.IsNotExist(err) {
			return nil // half-created directory, skip
		}
		return fmt.Errorf("reading collection meta %s: %w", name, err)
	}
	var meta collectionMeta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return fmt.Errorf("parsing collection meta %s: %w", name, err)
	}

	col := &localCollection{Metadata: meta.Metadata, Docs: make(map[string]Document)}

	f, err := os.Open(filepath.Join(dir, "docs.jsonl")) // #nosec G304
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("opening docs for %s: %w", name, err)
		}
	} else {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if line == "" {
				continue
			}
			var doc Document
			if err := json.Unmarshal([]byte(line), &doc); err != nil {
				// Skip corrupt lines rather than refusing to open the store.
				fmt.Fprintf(os.Stderr, "Warning: skipping corrupt line %d in %s/docs.jsonl: %v\n", lineNo, name, err)
				continue
			}
			if doc.ID == "" {
				continue
			}
			if _, exists := col.Docs[doc.ID]; !exists {
				col.Order = append(col.Order, doc.ID)
			}
			col.Docs[doc.ID] = doc
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading docs for %s: %w", name, err)
		}
	}

	l.collections[name] = col
	return nil
}

// persist writes meta.json and docs.jsonl for one collection atomically.
func (l *Local) persist(name string) error {
	col, ok := l.collections[name]
	if !ok {
		return dmmserr.NotFoundf("collection %s", name)
	}
	dir := filepath.Join(l.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating collection directory: %w", err)
	}

	metaData, err := json.Marshal(collectionMeta{Name: name, Metadata: col.Metadata})
	if err != nil {
		return fmt.Errorf("marshaling collection meta: %w", err)
	}
	if err := atomicWrite(filepath.Join(dir, "meta.json"), metaData); err != nil {
		return err
	}

	var buf strings.Builder
	for _, id := range col.Order {
		doc, ok := col.Docs[id]
		if !ok {
			continue
		}
		line, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshaling document %s: %w", id, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return atomicWrite(filepath.Join(dir, "docs.jsonl"), []byte(buf.String()))
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (l *Local) ListCollections(ctx context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.collections))
	for name := range l.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (l *Local) CreateCollection(ctx context.Context, name string, metadata map[string]interface{}) error {
	if err := sqlescape.ValidateName(name); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.collections[name]; exists {
		return fmt.Errorf("collection %s: %w", name, dmmserr.ErrAlreadyExists)
	}
	l.collections[name] = &localCollection{Metadata: metadata, Docs: make(map[string]Document)}
	return l.persist(name)
}

func (l *Local) DeleteCollection(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.collections[name]; !exists {
		return dmmserr.NotFoundf("collection %s", name)
	}
	delete(l.collections, name)
	if err := os.RemoveAll(filepath.Join(l.root, name)); err != nil {
		return fmt.Errorf("removing collection data: %w", err)
	}
	return nil
}

func (l *Local) GetCollectionMetadata(ctx context.Context, name string) (map[string]interface{}, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	col, ok := l.collections[name]
	if !ok {
		return nil, dmmserr.NotFoundf("collection %s", name)
	}
	return col.Metadata, nil
}

// ModifyCollection renames and/or replaces metadata. Empty newName keeps the
// current name; nil metadata keeps current metadata.
func (l *Local) ModifyCollection(ctx context.Context, name, newName string, metadata map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	col, ok := l.collections[name]
	if !ok {
		return dmmserr.NotFoundf("collection %s", name)
	}
	if metadata != nil {
		col.Metadata = metadata
	}
	if newName != "" && newName != name {
		if err := sqlescape.ValidateName(newName); err != nil {
			return err
		}
		if _, exists := l.collections[newName]; exists {
			return fmt.Errorf("collection %s: %w", newName, dmmserr.ErrAlreadyExists)
		}
		l.collections[newName] = col
		delete(l.collections, name)
		if err := os.Rename(filepath.Join(l.root, name), filepath.Join(l.root, newName)); err != nil {
			return fmt.Errorf("renaming collection data: %w", err)
		}
		name = newName
	}
	return l.persist(name)
}

func (l *Local) Count(ctx context.Context, name string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	col, ok := l.collections[name]
	if !ok {
		return 0, dmmserr.NotFoundf("collection %s", name)
	}
	return len(col.Docs), nil
}

// AddDocuments upserts docs by ID.
func (l *Local) AddDocuments(ctx context.Context, collection string, docs []Document) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	col, ok := l.collections[collection]
	if !ok {
		return dmmserr.NotFoundf("collection %s", collection)
	}
	for _, doc := range docs {
		if doc.ID == "" {
			return dmmserr.Validationf("document with empty ID")
		}
		if _, exists := col.Docs[doc.ID]; !exists {
			col.Order = append(col.Order, doc.ID)
		}
		col.Docs[doc.ID] = doc
	}
	return l.persist(collection)
}

// GetDocuments returns docs matching ids (all when empty) filtered by where.
func (l *Local) GetDocuments(ctx context.Context, collection string, ids []string, where Where) ([]Document, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	col, ok := l.collections[collection]
	if !ok {
		return nil, dmmserr.NotFoundf("collection %s", collection)
	}

	candidates := col.Order
	if len(ids) > 0 {
		candidates = ids
	}
	var out []Document
	for _, id := range candidates {
		doc, ok := col.Docs[id]
		if !ok {
			continue
		}
		if len(where) > 0 && !matchesWhere(doc.Metadata, where) {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

func (l *Local) DeleteDocuments(ctx context.Context, collection string, ids []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	col, ok := l.collections[collection]
	if !ok {
		return dmmserr.NotFoundf("collection %s", collection)
	}
	removed := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, exists := col.Docs[id]; exists {
			delete(col.Docs, id)
			removed[id] = true
		}
	}
	if len(removed) == 0 {
		return nil
	}
	order := col.Order[:0]
	for _, id := range col.Order {
		if !removed[id] {
			order = append(order, id)
		}
	}
	col.Order = order
	return l.persist(collection)
}

// Query ranks documents by shared-term count with the query text, after
// applying the metadata filter and the whereDocument substring filter.
// Distance is 1/(1+score), so higher overlap reads as closer.
func (l *Local) Query(ctx context.Context, collection, text string, n int, where Where, whereDocument string) (*QueryResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	col, ok := l.collections[collection]
	if !ok {
		return nil, dmmserr.NotFoundf("collection %s", collection)
	}
	if n <= 0 {
		n = 10
	}

	terms := tokenize(text)
	type scored struct {
		doc   Document
		score int
	}
	var hits []scored
	for _, id := range col.Order {
		doc := col.Docs[id]
		if len(where) > 0 && !matchesWhere(doc.Metadata, where) {
			continue
		}
		if whereDocument != "" && !strings.Contains(doc.Content, whereDocument) {
			continue
		}
		hits = append(hits, scored{doc: doc, score: overlap(terms, tokenize(doc.Content))})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > n {
		hits = hits[:n]
	}

	res := &QueryResult{}
	for _, h := range hits {
		res.IDs = append(res.IDs, h.doc.ID)
		res.Documents = append(res.Documents, h.doc.Content)
		res.Metadatas = append(res.Metadatas, h.doc.Metadata)
		res.Distances = append(res.Distances, float32(1.0/(1.0+float64(h.score))))
	}
	return res, nil
}

func (l *Local) Heartbeat(ctx context.Context) error {
	_, err := os.Stat(l.root)
	if err != nil {
		return fmt.Errorf("chroma data directory: %w", err)
	}
	return nil
}

func (l *Local) Close() error { return nil }

func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if w != "" {
			out[w] = true
		}
	}
	return out
}

func overlap(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}

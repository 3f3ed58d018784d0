package chroma

import (
	"context"
	"fmt"
	"strings"

	chromago "github.com/amikos-tech/chroma-go/pkg/api/v2"

	"github.com/dmms-io/dmms/internal/dmmserr"
)

// HTTP is the remote gateway speaking to a running Chroma server through the
// chroma-go client. The server owns embeddings; we pass documents through
// and let its configured embedding function index them.
type HTTP struct {
	client chromago.Client
}

// NewHTTP connects to a Chroma server.
func NewHTTP(host string, port int) (*HTTP, error) {
	client, err := chromago.NewHTTPClient(
		chromago.WithBaseURL(fmt.Sprintf("http://%s:%d", host, port)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating chroma client: %w", err)
	}
	return &HTTP{client: client}, nil
}

func (h *HTTP) ListCollections(ctx context.Context) ([]string, error) {
	cols, err := h.client.ListCollections(ctx)
	if err != nil {
		return nil, wrapChromaErr("listing collections", err)
	}
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name())
	}
	return names, nil
}

func (h *HTTP) CreateCollection(ctx context.Context, name string, metadata map[string]interface{}) error {
	opts := []chromago.CreateCollectionOption{}
	if len(metadata) > 0 {
		opts = append(opts, chromago.WithCollectionMetadataCreate(toCollectionMetadata(metadata)))
	}
	if _, err := h.client.CreateCollection(ctx, name, opts...); err != nil {
		return wrapChromaErr("creating collection "+name, err)
	}
	return nil
}

func (h *HTTP) DeleteCollection(ctx context.Context, name string) error {
	if err := h.client.DeleteCollection(ctx, name); err != nil {
		return wrapChromaErr("deleting collection "+name, err)
	}
	return nil
}

func (h *HTTP) GetCollectionMetadata(ctx context.Context, name string) (map[string]interface{}, error) {
	col, err := h.client.GetCollection(ctx, name)
	if err != nil {
		return nil, wrapChromaErr("getting collection "+name, err)
	}
	return fromCollectionMetadata(col.Metadata()), nil
}

func (h *HTTP) ModifyCollection(ctx context.Context, name, newName string, metadata map[string]interface{}) error {
	col, err := h.client.GetCollection(ctx, name)
	if err != nil {
		return wrapChromaErr("getting collection "+name, err)
	}
	if newName != "" && newName != name {
		if err := col.ModifyName(ctx, newName); err != nil {
			return wrapChromaErr("renaming collection "+name, err)
		}
	}
	if metadata != nil {
		if err := col.ModifyMetadata(ctx, toCollectionMetadata(metadata)); err != nil {
			return wrapChromaErr("updating collection metadata for "+name, err)
		}
	}
	return nil
}

func (h *HTTP) Count(ctx context.Context, name string) (int, error) {
	col, err := h.client.GetCollection(ctx, name)
	if err != nil {
		return 0, wrapChromaErr("getting collection "+name, err)
	}
	n, err := col.Count(ctx)
	if err != nil {
		return 0, wrapChromaErr("counting "+name, err)
	}
	return n, nil
}

func (h *HTTP) AddDocuments(ctx context.Context, collection string, docs []Document) error {
	col, err := h.client.GetCollection(ctx, collection)
	if err != nil {
		return wrapChromaErr("getting collection "+collection, err)
	}
	ids := make(chromago.DocumentIDs, 0, len(docs))
	texts := make([]string, 0, len(docs))
	metas := make([]chromago.DocumentMetadata, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, chromago.DocumentID(d.ID))
		texts = append(texts, d.Content)
		metas = append(metas, toDocumentMetadata(d.Metadata))
	}
	err = col.Upsert(ctx,
		chromago.WithIDs(ids...),
		chromago.WithTexts(texts...),
		chromago.WithMetadatas(metas...),
	)
	if err != nil {
		return wrapChromaErr("adding documents to "+collection, err)
	}
	return nil
}

func (h *HTTP) GetDocuments(ctx context.Context, collection string, ids []string, where Where) ([]Document, error) {
	col, err := h.client.GetCollection(ctx, collection)
	if err != nil {
		return nil, wrapChromaErr("getting collection "+collection, err)
	}
	opts := []chromago.CollectionGetOption{
		chromago.WithIncludeGet(chromago.IncludeDocuments, chromago.IncludeMetadatas),
	}
	if len(ids) > 0 {
		docIDs := make(chromago.DocumentIDs, 0, len(ids))
		for _, id := range ids {
			docIDs = append(docIDs, chromago.DocumentID(id))
		}
		opts = append(opts, chromago.WithIDsGet(docIDs...))
	}
	if len(where) > 0 {
		opts = append(opts, chromago.WithWhereGet(toWhereFilter(where)))
	}
	res, err := col.Get(ctx, opts...)
	if err != nil {
		return nil, wrapChromaErr("getting documents from "+collection, err)
	}

	var out []Document
	resIDs := res.GetIDs()
	resDocs := res.GetDocuments()
	resMetas := res.GetMetadatas()
	for i, id := range resIDs {
		doc := Document{ID: string(id)}
		if i < len(resDocs) {
			doc.Content = resDocs[i].ContentString()
		}
		if i < len(resMetas) {
			doc.Metadata = fromDocumentMetadata(resMetas[i])
		}
		out = append(out, doc)
	}
	return out, nil
}

func (h *HTTP) DeleteDocuments(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := h.client.GetCollection(ctx, collection)
	if err != nil {
		return wrapChromaErr("getting collection "+collection, err)
	}
	docIDs := make(chromago.DocumentIDs, 0, len(ids))
	for _, id := range ids {
		docIDs = append(docIDs, chromago.DocumentID(id))
	}
	if err := col.Delete(ctx, chromago.WithIDsDelete(docIDs...)); err != nil {
		return wrapChromaErr("deleting documents from "+collection, err)
	}
	return nil
}

func (h *HTTP) Query(ctx context.Context, collection, text string, n int, where Where, whereDocument string) (*QueryResult, error) {
	col, err := h.client.GetCollection(ctx, collection)
	if err != nil {
		return nil, wrapChromaErr("getting collection "+collection, err)
	}
	if n <= 0 {
		n = 10
	}
	// Distances come back by default; the include list only needs the
	// payloads.
	opts := []chromago.CollectionQueryOption{
		chromago.WithQueryTexts(text),
		chromago.WithNResults(n),
		chromago.WithIncludeQuery(chromago.IncludeDocuments, chromago.IncludeMetadatas),
	}
	if len(where) > 0 {
		opts = append(opts, chromago.WithWhereQuery(toWhereFilter(where)))
	}
	if whereDocument != "" {
		opts = append(opts, chromago.WithWhereDocumentQuery(chromago.Contains(whereDocument)))
	}
	res, err := col.Query(ctx, opts...)
	if err != nil {
		return nil, wrapChromaErr("querying "+collection, err)
	}

	out := &QueryResult{}
	idGroups := res.GetIDGroups()
	docGroups := res.GetDocumentsGroups()
	metaGroups := res.GetMetadatasGroups()
	distGroups := res.GetDistancesGroups()
	if len(idGroups) > 0 {
		for i, id := range idGroups[0] {
			out.IDs = append(out.IDs, string(id))
			if len(docGroups) > 0 && i < len(docGroups[0]) {
				out.Documents = append(out.Documents, docGroups[0][i].ContentString())
			}
			if len(metaGroups) > 0 && i < len(metaGroups[0]) {
				out.Metadatas = append(out.Metadatas, fromDocumentMetadata(metaGroups[0][i]))
			}
			if len(distGroups) > 0 && i < len(distGroups[0]) {
				out.Distances = append(out.Distances, float32(distGroups[0][i]))
			}
		}
	}
	return out, nil
}

func (h *HTTP) Heartbeat(ctx context.Context) error {
	if err := h.client.Heartbeat(ctx); err != nil {
		return wrapChromaErr("chroma heartbeat", err)
	}
	return nil
}

func (h *HTTP) Close() error {
	return h.client.Close()
}

var _ Gateway = (*HTTP)(nil)

func toCollectionMetadata(m map[string]interface{}) chromago.CollectionMetadata {
	meta := chromago.NewMetadata()
	setAttributes(m, func(k string, v interface{}) {
		switch val := v.(type) {
		case string:
			meta.SetString(k, val)
		case bool:
			meta.SetBool(k, val)
		case int:
			meta.SetInt(k, int64(val))
		case int64:
			meta.SetInt(k, val)
		case float64:
			meta.SetFloat(k, val)
		default:
			meta.SetString(k, fmt.Sprintf("%v", val))
		}
	})
	return meta
}

func fromCollectionMetadata(meta chromago.CollectionMetadata) map[string]interface{} {
	if meta == nil {
		return nil
	}
	out := make(map[string]interface{})
	for _, k := range meta.Keys() {
		if v, ok := metadataValue(meta, k); ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func toDocumentMetadata(m map[string]interface{}) chromago.DocumentMetadata {
	meta := chromago.NewDocumentMetadata()
	setAttributes(m, func(k string, v interface{}) {
		switch val := v.(type) {
		case string:
			meta.SetString(k, val)
		case bool:
			meta.SetBool(k, val)
		case int:
			meta.SetInt(k, int64(val))
		case int64:
			meta.SetInt(k, val)
		case float64:
			meta.SetFloat(k, val)
		default:
			meta.SetString(k, fmt.Sprintf("%v", val))
		}
	})
	return meta
}

func fromDocumentMetadata(meta chromago.DocumentMetadata) map[string]interface{} {
	if meta == nil {
		return nil
	}
	// The DocumentMetadata interface has no key enumeration; the concrete
	// client type does.
	keyed, ok := meta.(interface{ Keys() []string })
	if !ok {
		return nil
	}
	out := make(map[string]interface{})
	for _, k := range keyed.Keys() {
		if v, ok := metadataValue(meta, k); ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// metadataValue reads one key through the typed accessors. GetRaw returns
// the client's internal value wrapper, not the scalar, so it is not used.
func metadataValue(meta interface {
	GetString(string) (string, bool)
	GetBool(string) (bool, bool)
	GetInt(string) (int64, bool)
	GetFloat(string) (float64, bool)
}, key string) (interface{}, bool) {
	if v, ok := meta.GetString(key); ok {
		return v, true
	}
	if v, ok := meta.GetBool(key); ok {
		return v, true
	}
	if v, ok := meta.GetInt(key); ok {
		return v, true
	}
	if v, ok := meta.GetFloat(key); ok {
		return v, true
	}
	return nil, false
}

func setAttributes(m map[string]interface{}, set func(string, interface{})) {
	for k, v := range m {
		set(k, v)
	}
}

func toWhereFilter(where Where) chromago.WhereFilter {
	clauses := make([]chromago.WhereClause, 0, len(where))
	for k, v := range where {
		switch val := v.(type) {
		case string:
			clauses = append(clauses, chromago.EqString(k, val))
		case bool:
			clauses = append(clauses, chromago.EqBool(k, val))
		case int:
			clauses = append(clauses, chromago.EqInt(k, val))
		case int64:
			clauses = append(clauses, chromago.EqInt(k, int(val)))
		case float32:
			clauses = append(clauses, chromago.EqFloat(k, val))
		case float64:
			clauses = append(clauses, chromago.EqFloat(k, float32(val)))
		default:
			clauses = append(clauses, chromago.EqString(k, fmt.Sprintf("%v", val)))
		}
	}
	if len(clauses) == 1 {
		return clauses[0]
	}
	return chromago.And(clauses...)
}

// wrapChromaErr maps client errors onto the shared error kinds.
func wrapChromaErr(opDesc string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist"):
		return fmt.Errorf("%s: %v: %w", opDesc, err, dmmserr.ErrNotFound)
	case strings.Contains(msg, "already exists"):
		return fmt.Errorf("%s: %v: %w", opDesc, err, dmmserr.ErrAlreadyExists)
	case strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "timeout"):
		return fmt.Errorf("%s: %v: %w", opDesc, err, dmmserr.ErrExternalTimeout)
	default:
		return fmt.Errorf("%s: %v: %w", opDesc, err, dmmserr.ErrExternalCommand)
	}
}

package dolt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmms-io/dmms/internal/dmmserr"
	"github.com/dmms-io/dmms/internal/hashutil"
	"github.com/dmms-io/dmms/internal/sqlescape"
)

// Document is one stored row in the documents table.
type Document struct {
	Collection  string
	ID          string
	Content     string
	ContentHash string
	Metadata    map[string]interface{}
	UpdatedAt   time.Time
}

// Collection is one row in the collections table.
type Collection struct {
	Name      string
	Metadata  map[string]interface{}
	UpdatedAt time.Time
}

// UpsertCollection creates or updates a collection row.
func (s *Store) UpsertCollection(ctx context.Context, name string, metadata map[string]interface{}) error {
	if err := sqlescape.ValidateName(name); err != nil {
		return err
	}
	meta, err := sqlescape.EncodeMetadata(metadata)
	if err != nil {
		return err
	}
	_, err = s.execContext(ctx, `
		INSERT INTO collections (collection_name, metadata) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE metadata = VALUES(metadata), updated_at = CURRENT_TIMESTAMP`,
		name, meta)
	if err != nil {
		return fmt.Errorf("upserting collection %s: %w", name, err)
	}
	return nil
}

// RenameCollection renames a collection and re-homes its documents.
func (s *Store) RenameCollection(ctx context.Context, oldName, newName string) error {
	if err := sqlescape.ValidateName(newName); err != nil {
		return err
	}
	res, err := s.execContext(ctx, `UPDATE collections SET collection_name = ?, updated_at = CURRENT_TIMESTAMP WHERE collection_name = ?`, newName, oldName)
	if err != nil {
		return fmt.Errorf("renaming collection %s: %w", oldName, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dmmserr.NotFoundf("collection %s", oldName)
	}
	if _, err := s.execContext(ctx, `UPDATE documents SET collection_name = ? WHERE collection_name = ?`, newName, oldName); err != nil {
		return fmt.Errorf("re-homing documents from %s: %w", oldName, err)
	}
	return nil
}

// DeleteCollection removes the collection row and every document in it.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	if _, err := s.execContext(ctx, `DELETE FROM documents WHERE collection_name = ?`, name); err != nil {
		return fmt.Errorf("deleting documents of %s: %w", name, err)
	}
	res, err := s.execContext(ctx, `DELETE FROM collections WHERE collection_name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting collection %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dmmserr.NotFoundf("collection %s", name)
	}
	return nil
}

// ListCollections returns collection rows ordered by name.
func (s *Store) ListCollections(ctx context.Context) ([]Collection, error) {
	rows, cancel, err := s.queryContext(ctx, `SELECT collection_name, metadata, updated_at FROM collections ORDER BY collection_name`)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	defer cancel()
	defer rows.Close()

	var out []Collection
	for rows.Next() {
		var c Collection
		var meta sql.NullString
		if err := rows.Scan(&c.Name, &meta, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning collection: %w", err)
		}
		if c.Metadata, err = sqlescape.DecodeJSONColumn([]byte(meta.String)); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", c.Name, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCollection returns one collection row.
func (s *Store) GetCollection(ctx context.Context, name string) (*Collection, error) {
	var c Collection
	var meta sql.NullString
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&c.Name, &meta, &c.UpdatedAt)
	}, `SELECT collection_name, metadata, updated_at FROM collections WHERE collection_name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dmmserr.NotFoundf("collection %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("getting collection %s: %w", name, err)
	}
	if c.Metadata, err = sqlescape.DecodeJSONColumn([]byte(meta.String)); err != nil {
		return nil, fmt.Errorf("decoding metadata for %s: %w", name, err)
	}
	return &c, nil
}

// UpsertDocuments writes docs into collection, computing content hashes.
// The collection row is created if missing so a document write can never
// land in a phantom collection.
func (s *Store) UpsertDocuments(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := s.UpsertCollection(ctx, collection, nil); err != nil {
		return err
	}
	for _, doc := range docs {
		if doc.ID == "" {
			return dmmserr.Validationf("document with empty ID")
		}
		meta, err := sqlescape.EncodeMetadata(doc.Metadata)
		if err != nil {
			return err
		}
		hash := doc.ContentHash
		if hash == "" {
			hash = hashutil.ContentHash(doc.Content)
		}
		_, err = s.execContext(ctx, `
			INSERT INTO documents (collection_name, doc_id, content, content_hash, metadata)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				content = VALUES(content),
				content_hash = VALUES(content_hash),
				metadata = VALUES(metadata),
				updated_at = CURRENT_TIMESTAMP`,
			collection, doc.ID, doc.Content, hash, meta)
		if err != nil {
			return fmt.Errorf("upserting document %s/%s: %w", collection, doc.ID, err)
		}
	}
	return nil
}

// DeleteDocuments removes ids from collection, returning how many existed.
func (s *Store) DeleteDocuments(ctx context.Context, collection string, ids []string) (int64, error) {
	var total int64
	for _, id := range ids {
		res, err := s.execContext(ctx, `DELETE FROM documents WHERE collection_name = ? AND doc_id = ?`, collection, id)
		if err != nil {
			return total, fmt.Errorf("deleting document %s/%s: %w", collection, id, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// GetDocument returns one document row.
func (s *Store) GetDocument(ctx context.Context, collection, id string) (*Document, error) {
	var d Document
	var meta sql.NullString
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&d.Collection, &d.ID, &d.Content, &d.ContentHash, &meta, &d.UpdatedAt)
	}, `SELECT collection_name, doc_id, content, content_hash, metadata, updated_at
		FROM documents WHERE collection_name = ? AND doc_id = ?`, collection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dmmserr.NotFoundf("document %s/%s", collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting document %s/%s: %w", collection, id, err)
	}
	if d.Metadata, err = sqlescape.DecodeJSONColumn([]byte(meta.String)); err != nil {
		return nil, fmt.Errorf("decoding metadata for %s/%s: %w", collection, id, err)
	}
	return &d, nil
}

// ListDocuments returns all documents in a collection ordered by ID.
func (s *Store) ListDocuments(ctx context.Context, collection string) ([]Document, error) {
	rows, cancel, err := s.queryContext(ctx, `
		SELECT collection_name, doc_id, content, content_hash, metadata, updated_at
		FROM documents WHERE collection_name = ? ORDER BY doc_id`, collection)
	if err != nil {
		return nil, fmt.Errorf("listing documents of %s: %w", collection, err)
	}
	defer cancel()
	defer rows.Close()
	return scanDocuments(rows)
}

// DocHashes returns id -> content_hash for one collection, the cheap side of
// change detection.
func (s *Store) DocHashes(ctx context.Context, collection string) (map[string]string, error) {
	rows, cancel, err := s.queryContext(ctx, `
		SELECT doc_id, content_hash FROM documents WHERE collection_name = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("reading hashes of %s: %w", collection, err)
	}
	defer cancel()
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("scanning hash row: %w", err)
		}
		out[id] = hash
	}
	return out, rows.Err()
}

func scanDocuments(rows *sql.Rows) ([]Document, error) {
	var out []Document
	for rows.Next() {
		var d Document
		var meta sql.NullString
		if err := rows.Scan(&d.Collection, &d.ID, &d.Content, &d.ContentHash, &meta, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		var err error
		if d.Metadata, err = sqlescape.DecodeJSONColumn([]byte(meta.String)); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", d.ID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

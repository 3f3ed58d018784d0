package dolt

import (
	"context"
	"fmt"
)

// Schema for the versioned mirror. Each documents row is one logical
// document: reassembled content under its base ID, with a content_hash
// column so change detection can compare sides without re-reading content.
// Vectors and chunk rows never reach these tables.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS collections (
		collection_name VARCHAR(255) NOT NULL PRIMARY KEY,
		metadata TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		doc_id VARCHAR(512) NOT NULL,
		collection_name VARCHAR(255) NOT NULL,
		content LONGTEXT,
		content_hash CHAR(64) NOT NULL DEFAULT '',
		metadata TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (collection_name, doc_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(collection_name, content_hash)`,
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.execContext(ctx, stmt); err != nil {
			return fmt.Errorf("initializing dolt schema: %w", err)
		}
	}
	return nil
}

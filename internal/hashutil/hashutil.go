// Package hashutil provides content hashing and chunk-ID derivation.
//
// Content identity across the vector store and the Dolt tables is a SHA-256
// over the raw content bytes, rendered as lowercase hex. The empty string is
// the sentinel for "no content" and hashes to the empty string, so absent and
// empty documents compare equal everywhere a hash is compared.
package hashutil

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var chunkIDPattern = regexp.MustCompile(`^(.+)_chunk_(\d+)$`)

// ContentHash returns the lowercase-hex SHA-256 of content.
// Empty content returns "" so "no content" and "empty content" hash equal.
func ContentHash(content string) string {
	if content == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// QuickHash returns a base64 SHA-256 of content. Used only by the sync
// fast-path comparison; never persisted. Persisted hashes are always the
// hex form from ContentHash.
func QuickHash(content string) string {
	if content == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(content))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// ShortHash returns the first n hex characters of the SHA-256 of key.
// Used for deterministic conflict IDs.
func ShortHash(key string, n int) string {
	sum := sha256.Sum256([]byte(key))
	h := hex.EncodeToString(sum[:])
	if n > len(h) {
		n = len(h)
	}
	return h[:n]
}

// IsChunkID reports whether id has the {base}_chunk_{n} form.
func IsChunkID(id string) bool {
	return chunkIDPattern.MatchString(id)
}

// BaseID strips exactly one trailing _chunk_{n} suffix if present.
// Defective double-chunked IDs (doc_chunk_0_chunk_0) lose one level per
// call; use RootID to strip to the original base.
func BaseID(id string) string {
	m := chunkIDPattern.FindStringSubmatch(id)
	if m == nil {
		return id
	}
	return m[1]
}

// RootID strips _chunk_{n} suffixes until none remain.
func RootID(id string) string {
	for IsChunkID(id) {
		id = BaseID(id)
	}
	return id
}

// ChunkIndex returns the chunk index encoded in id, or -1 when id is not a
// chunk ID.
func ChunkIndex(id string) int {
	m := chunkIDPattern.FindStringSubmatch(id)
	if m == nil {
		return -1
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return -1
	}
	return n
}

// ChunkID builds the ID for chunk i of base.
func ChunkID(base string, i int) string {
	return fmt.Sprintf("%s_chunk_%d", base, i)
}

// UniqueBaseIDs maps ids through BaseID and deduplicates, preserving first
// occurrence order.
func UniqueBaseIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		base := BaseID(strings.TrimSpace(id))
		if base == "" || seen[base] {
			continue
		}
		seen[base] = true
		out = append(out, base)
	}
	return out
}

// Package sqlescape handles safe embedding of JSON into SQL string literals
// and tolerant reads of JSON columns coming back from the store.
//
// Most statements use placeholders and never touch this package. Dolt system
// functions (dolt_diff_*, AS OF refs) cannot be parameterized, so refs and
// the JSON written through literal paths go through the two-stage escape:
// marshal to JSON first, then escape backslashes before quotes. Escaping in
// the other order corrupts Windows paths like C:\Users\... on the way back.
package sqlescape

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/dmms-io/dmms/internal/dmmserr"
)

// JSONString marshals v and escapes the result for embedding inside a
// single-quoted SQL literal.
func JSONString(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling value for SQL literal: %w", err)
	}
	return EscapeString(string(data)), nil
}

// EscapeString escapes s for a single-quoted SQL literal. Backslashes are
// doubled first; escaping quotes first would double the backslash that the
// quote escape itself introduces.
func EscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `''`)
	return s
}

// DecodeJSONColumn parses a JSON column value into a map. It tolerates the
// shapes Dolt hands back across versions: raw JSON text, double-encoded JSON
// (a JSON string containing JSON), NULL, and the empty string. A nil map is
// returned for "no metadata".
func DecodeJSONColumn(raw []byte) (map[string]interface{}, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" || s == "NULL" {
		return nil, nil
	}

	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err == nil {
		return m, nil
	}

	// Double-encoded: a JSON string whose contents are the object
	var inner string
	if err := json.Unmarshal([]byte(s), &inner); err == nil {
		if err := json.Unmarshal([]byte(inner), &m); err == nil {
			return m, nil
		}
	}

	return nil, fmt.Errorf("undecodable JSON column %q", truncate(s, 64))
}

// EncodeMetadata renders a metadata map as canonical JSON text for storage.
// Nil and empty maps encode as "{}" so column comparisons are stable.
func EncodeMetadata(m map[string]interface{}) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(data), nil
}

// refPattern limits refs to the characters Dolt itself allows in branch and
// commit names. Anything else is rejected before interpolation.
var refPattern = regexp.MustCompile(`^[a-zA-Z0-9._/-]+$`)

// ValidateRef rejects refs that cannot be safely interpolated into a Dolt
// system-table query.
func ValidateRef(ref string) error {
	if ref == "" {
		return dmmserr.Validationf("empty ref")
	}
	if !refPattern.MatchString(ref) {
		return dmmserr.Validationf("ref %q contains invalid characters", ref)
	}
	return nil
}

// ValidateName rejects collection names outside the filesystem-safe charset.
func ValidateName(name string) error {
	if name == "" {
		return dmmserr.Validationf("empty collection name")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return dmmserr.Validationf("collection name %q contains invalid character %q", name, r)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

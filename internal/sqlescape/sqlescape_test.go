package sqlescape

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unescape reverses EscapeString the way the SQL engine's literal parser
// would, letting tests prove the round trip without a live database.
func unescape(s string) string {
	s = strings.ReplaceAll(s, `''`, `'`)
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

func TestJSONStringRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		meta map[string]interface{}
	}{
		{"windows path", map[string]interface{}{
			"import_source": `C:\Users\piete\AppData\Local\Temp\DMMS`,
		}},
		{"single quote", map[string]interface{}{"author": "O'Brien"}},
		{"unicode escapes", map[string]interface{}{"title": "caf\u00e9 \u2014 r\u00e9sum\u00e9"}},
		{"backslash soup", map[string]interface{}{"re": `\d+\\n\'`}},
		{"nested", map[string]interface{}{
			"tags": []interface{}{"a", "b"},
			"n":    float64(3),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lit, err := JSONString(tt.meta)
			require.NoError(t, err)

			var got map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(unescape(lit)), &got))
			assert.Equal(t, tt.meta, got)
		})
	}
}

func TestEscapeStringOrder(t *testing.T) {
	// Backslash before quote: escaping quotes first would yield \\'' here.
	assert.Equal(t, `\\''`, EscapeString(`\'`))
}

func TestDecodeJSONColumn(t *testing.T) {
	t.Run("plain object", func(t *testing.T) {
		m, err := DecodeJSONColumn([]byte(`{"a":1}`))
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"a": float64(1)}, m)
	})

	t.Run("double encoded", func(t *testing.T) {
		m, err := DecodeJSONColumn([]byte(`"{\"a\":1}"`))
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"a": float64(1)}, m)
	})

	t.Run("null and empty", func(t *testing.T) {
		for _, raw := range []string{"", "null", "NULL", "  "} {
			m, err := DecodeJSONColumn([]byte(raw))
			require.NoError(t, err)
			assert.Nil(t, m)
		}
	})

	t.Run("garbage errors", func(t *testing.T) {
		_, err := DecodeJSONColumn([]byte("{not json"))
		assert.Error(t, err)
	})
}

func TestEncodeMetadata(t *testing.T) {
	s, err := EncodeMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", s)

	s, err = EncodeMetadata(map[string]interface{}{"k": "v"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, s)
}

func TestValidateRef(t *testing.T) {
	assert.NoError(t, ValidateRef("main"))
	assert.NoError(t, ValidateRef("feature/x-1.2"))
	assert.NoError(t, ValidateRef("ab12cd34ef56"))
	assert.Error(t, ValidateRef(""))
	assert.Error(t, ValidateRef("main'; DROP TABLE documents;--"))
	assert.Error(t, ValidateRef("a b"))
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("archive_2024.q1"))
	assert.Error(t, ValidateName(""))
	assert.Error(t, ValidateName("bad/name"))
	assert.Error(t, ValidateName("bad name"))
}

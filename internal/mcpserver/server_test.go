package mcpserver

import (
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmms-io/dmms/internal/chroma"
	"github.com/dmms-io/dmms/internal/dmmserr"
)

func TestFailureEnvelopeCarriesErrorKind(t *testing.T) {
	res, out, err := failure[okOutput](dmmserr.NotFoundf("collection notes"))
	require.NoError(t, err, "failures stay in-band, not protocol errors")
	assert.Zero(t, out)
	require.NotNil(t, res)
	assert.True(t, res.IsError)

	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)

	var payload failurePayload
	require.NoError(t, json.Unmarshal([]byte(text.Text), &payload))
	assert.False(t, payload.Success)
	assert.Equal(t, "not_found", payload.Error)
	assert.Contains(t, payload.Message, "collection notes")
}

func TestNewRegistersAgainstLocalGateway(t *testing.T) {
	gw, err := chroma.NewLocal(t.TempDir())
	require.NoError(t, err)

	s := New(Deps{Vector: gw, RepoPath: "/repo"})
	require.NotNil(t, s)
	assert.NotNil(t, s.resolver)
	assert.NotNil(t, s.srv)
}

func TestToFilterPreservesPatterns(t *testing.T) {
	filter := toFilter([]importFilterSpec{
		{Name: "archive_*", ImportInto: "consolidated", Documents: []string{"report_*"}},
	})
	require.Len(t, filter, 1)
	assert.Equal(t, "archive_*", filter[0].Name)
	assert.Equal(t, "consolidated", filter[0].ImportInto)
	assert.Equal(t, []string{"report_*"}, filter[0].Documents)
}

package cleaner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urlclean/urlclean/internal/expr"
)

const sampleDoc = `{
	"docs": "strips common tracking params",
	"params": {
		"flags": ["strip_utm"],
		"vars": {"ua": "urlclean"},
		"sets": {"nh_keep_http": ["legacy.example.com"]},
		"lists": {"strip_order": ["utm_source", "utm_medium"]},
		"maps": {"host_alias": {"en.m.wikipedia.org": "en.wikipedia.org"}},
		"partitionings": {"host_kind": {
			"categories": {"mobile": ["en.m.wikipedia.org"]},
			"default": "desktop"
		}}
	},
	"commons": {
		"string_sources": {
			"nothing": {"Literal": {"Value": ""}}
		}
	},
	"action": {"RemoveQueryParams": {"Names": ["utm_source", "utm_medium", "utm_campaign"]}}
}`

func TestParse_SampleDocument(t *testing.T) {
	c, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)
	assert.Equal(t, "strips common tracking params", c.Docs)
	assert.True(t, c.Params.HasFlag("strip_utm"))
	assert.Equal(t, "urlclean", c.Params.Vars["ua"])
	assert.NotNil(t, c.Root)
	assert.Contains(t, c.Commons.StringSources, "nothing")

	assert.True(t, c.Params.InSet("nh_keep_http", "legacy.example.com"))
	assert.Equal(t, []string{"utm_source", "utm_medium"}, c.Params.Lists["strip_order"])
	assert.Equal(t, "en.wikipedia.org", c.Params.Maps["host_alias"]["en.m.wikipedia.org"])

	part, ok := c.Params.Partitionings["host_kind"]
	require.True(t, ok)
	assert.Equal(t, "mobile", part.Category("en.m.wikipedia.org"))
	assert.Equal(t, "desktop", part.Category("example.com"))
}

func TestParse_ActionsArrayIsImplicitAll(t *testing.T) {
	doc := `{
		"actions": [
			{"RemoveQueryParams": {"Names": ["utm_source"]}},
			{"RemoveQueryParams": {"Names": ["utm_medium"]}}
		]
	}`
	c, err := Parse([]byte(doc))
	require.NoError(t, err)
	all, ok := c.Root.(expr.ActionAll)
	require.True(t, ok, "expected root to decode as an ActionAll, got %T", c.Root)
	assert.Len(t, all.Actions, 2)
}

func TestParse_RejectsBadAction(t *testing.T) {
	_, err := Parse([]byte(`{"action": {"NotARealAction": {}}}`))
	require.Error(t, err)
}

func TestParse_RejectsExcessiveNesting(t *testing.T) {
	deep := "{"
	for i := 0; i < maxDocDepth+5; i++ {
		deep += `"a":{`
	}
	for i := 0; i < maxDocDepth+6; i++ {
		deep += "}"
	}
	_, err := Parse([]byte(deep))
	require.Error(t, err)
}

package expr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urlclean/urlclean/internal/params"
	"github.com/urlclean/urlclean/internal/redirect"
	"github.com/urlclean/urlclean/internal/state"
	"github.com/urlclean/urlclean/internal/urlmodel"
)

func testCtx(t *testing.T, raw string) *Ctx {
	t.Helper()
	u, err := urlmodel.Parse(raw)
	require.NoError(t, err)
	ts := state.New(u, params.New(), params.JobContext{}, params.TaskContext{Vars: map[string]string{}}, nil, nil)
	return NewCtx(context.Background(), ts, NewCommons(), redirect.DefaultConfig())
}

func TestDecodeAction_RemoveTrackingParams(t *testing.T) {
	doc := `{"All":{"Actions":[
		{"RemoveQueryParams":{"Names":["utm_source","utm_medium"]}}
	]}}`
	act, err := DecodeAction([]byte(doc))
	require.NoError(t, err)

	c := testCtx(t, "https://example.com/?utm_source=x&id=1")
	require.NoError(t, act.Apply(c))
	assert.Equal(t, "https://example.com/?id=1", c.State.URL.String())
}

func TestDecodeAction_AllowQueryParams_Idempotent(t *testing.T) {
	act, err := DecodeAction([]byte(`{"AllowQueryParams":{"Names":["id"]}}`))
	require.NoError(t, err)

	c := testCtx(t, "https://example.com/?id=1&utm_source=x")
	require.NoError(t, act.Apply(c))
	once := c.State.URL.String()
	require.NoError(t, act.Apply(c))
	assert.Equal(t, once, c.State.URL.String())
}

func TestDecodeCondition_UnqualifiedDomain(t *testing.T) {
	cond, err := DecodeCondition([]byte(`{"UnqualifiedDomain":{"Domain":"example"}}`))
	require.NoError(t, err)

	c := testCtx(t, "https://example.com/")
	ok, err := cond.Eval(c)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDecodeCondition_MaybeWWWDomain(t *testing.T) {
	cond, err := DecodeCondition([]byte(`{"MaybeWWWDomain":{"Domain":"en.wikipedia.org"}}`))
	require.NoError(t, err)

	c := testCtx(t, "https://en.wikipedia.org/wiki/Go")
	ok, err := cond.Eval(c)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAction_SetPart_Host(t *testing.T) {
	act, err := DecodeAction([]byte(`{"SetPart":{"Part":{"Kind":"host"},"Value":{"Literal":{"Value":"en.wikipedia.org"}}}}`))
	require.NoError(t, err)

	c := testCtx(t, "https://en.m.wikipedia.org/wiki/Go")
	require.NoError(t, act.Apply(c))
	assert.Equal(t, "https://en.wikipedia.org/wiki/Go", c.State.URL.String())
}

func TestAction_Common_Recursion(t *testing.T) {
	commons := NewCommons()
	commons.Actions["loop"] = ActionCommon{Name: "loop"}

	c := testCtx(t, "https://example.com/")
	c.Commons = commons
	c.CommonDepthLimit = 8

	err := ActionCommon{Name: "loop"}.Apply(c)
	require.Error(t, err)
}

func TestModification_KeepRange(t *testing.T) {
	c := testCtx(t, "https://example.com/")
	m := KeepRange{Start: intp(0), End: intp(3)}
	out, err := m.Apply(c, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hel", out)

	m2 := KeepRange{Start: intp(-3)}
	out2, err := m2.Apply(c, "hello")
	require.NoError(t, err)
	assert.Equal(t, "llo", out2)
}

func TestRepeat_ReachesFixedPoint(t *testing.T) {
	act := Repeat{
		Limit: 10,
		Action: ModifyScratchpadVar{
			Name:         "n",
			Modification: ModIfCondition{Condition: CondAlways{}, Then: Replace{From: "", To: ""}, Else: Replace{From: "", To: ""}},
		},
	}
	c := testCtx(t, "https://example.com/")
	require.NoError(t, act.Apply(c))
}

func TestRepeat_LimitZeroIsNoOp(t *testing.T) {
	act := Repeat{Limit: 0, Action: SetScratchpadVar{Name: "x", Value: Literal{Value: "1"}}}
	c := testCtx(t, "https://example.com/")
	require.NoError(t, act.Apply(c))
	_, ok := c.State.Scratchpad.Get("x")
	assert.False(t, ok)
}

func TestDecodeAction_BareStringVariant(t *testing.T) {
	act, err := DecodeAction([]byte(`"RemoveQuery"`))
	require.NoError(t, err)

	c := testCtx(t, "https://example.com/?utm_source=x")
	require.NoError(t, act.Apply(c))
	assert.Equal(t, "https://example.com/", c.State.URL.String())
}

func TestDecodeCondition_StringIs(t *testing.T) {
	cond, err := DecodeCondition([]byte(`{"StringIs":{
		"Left": {"Part": {"Part": {"Kind": "scheme"}}},
		"Right": {"Literal": {"Value": "https"}}
	}}`))
	require.NoError(t, err)

	c := testCtx(t, "https://example.com/")
	ok, err := cond.Eval(c)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDecodeAction_RepeatActionsAndLimit(t *testing.T) {
	act, err := DecodeAction([]byte(`{"Repeat":{
		"actions": [{"ModifyScratchpadVar": {"Name": "n", "Modification": {"Append": {"Value": {"Literal": {"Value": "x"}}}}}}],
		"limit": 3
	}}`))
	require.NoError(t, err)

	c := testCtx(t, "https://example.com/")
	err = act.Apply(c)
	require.Error(t, err) // each round appends, so no fixed point within the limit
}

func TestModificationCommon_Dispatch(t *testing.T) {
	c := testCtx(t, "https://example.com/")
	c.Commons.Modifications["shout"] = Uppercase{}

	out, err := ModificationCommon{Name: "shout"}.Apply(c, "go")
	require.NoError(t, err)
	assert.Equal(t, "GO", out)
}

func TestModification_RemoveChar(t *testing.T) {
	c := testCtx(t, "https://example.com/")

	out, err := RemoveChar{Index: 0}.Apply(c, "hello")
	require.NoError(t, err)
	assert.Equal(t, "ello", out)

	out, err = RemoveChar{Index: -1}.Apply(c, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hell", out)

	out, err = RemoveChar{Index: 99}.Apply(c, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func intp(i int) *int { return &i }

package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiff_Apply(t *testing.T) {
	base := New()
	base.Flags["keep_http"] = struct{}{}
	base.Vars["x"] = "1"
	base.Sets["nh_keep_http"] = map[string]struct{}{"example.com": {}}

	d := Diff{
		SetFlags:   []string{"no_network"},
		UnsetFlags: []string{"keep_http"},
		SetVars:    map[string]string{"y": "2"},
		AddSet:     map[string][]string{"nh_keep_http": {"other.com"}},
	}

	out := d.Apply(base)

	assert.False(t, out.HasFlag("keep_http"))
	assert.True(t, out.HasFlag("no_network"))
	assert.Equal(t, "1", out.Vars["x"])
	assert.Equal(t, "2", out.Vars["y"])
	assert.True(t, out.InSet("nh_keep_http", "example.com"))
	assert.True(t, out.InSet("nh_keep_http", "other.com"))

	// base is untouched
	assert.True(t, base.HasFlag("keep_http"))
	assert.False(t, base.HasFlag("no_network"))
}

func TestPartitioning_Category(t *testing.T) {
	p := Partitioning{Categories: map[string]string{"a": "cat1"}, Default: "other"}
	assert.Equal(t, "cat1", p.Category("a"))
	assert.Equal(t, "other", p.Category("zzz"))
}

func TestScratchpad(t *testing.T) {
	s := NewScratchpad()
	_, ok := s.Get("x")
	assert.False(t, ok)

	s.Set("x", "1")
	v, ok := s.Get("x")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	snap := s.Snapshot()
	s.Set("x", "2")
	assert.Equal(t, "1", snap["x"])
}

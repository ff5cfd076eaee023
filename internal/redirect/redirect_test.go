package redirect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urlclean/urlclean/internal/cache"
	"github.com/urlclean/urlclean/internal/params"
	"github.com/urlclean/urlclean/internal/state"
	"github.com/urlclean/urlclean/internal/urlmodel"
)

func newTestState(t *testing.T, raw string) (*state.TaskState, *cache.Store) {
	t.Helper()
	u, err := urlmodel.Parse(raw)
	require.NoError(t, err)
	c, err := cache.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() }) //nolint:errcheck
	return state.New(u, params.New(), params.JobContext{}, params.TaskContext{Vars: map[string]string{}}, c, http.DefaultClient), c
}

func TestExpand_FollowsSingleHop(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	shortener := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusMovedPermanently)
	}))
	defer shortener.Close()

	ts, _ := newTestState(t, shortener.URL+"/")
	ts.HTTPClient = shortener.Client()

	err := Expand(context.Background(), ts, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, target.URL+"/", ts.URL.String())
}

func TestExpand_NoRedirectIsNoOp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ts, _ := newTestState(t, srv.URL+"/")
	ts.HTTPClient = srv.Client()

	before := ts.URL.String()
	err := Expand(context.Background(), ts, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, before, ts.URL.String())
}

func TestExpand_RedirectShortcutSkipsNetwork(t *testing.T) {
	ts, _ := newTestState(t, "https://t.co/abc")
	ts.Params.Flags["no_network"] = struct{}{}
	ts.TaskContext.Vars[shortcutVar] = "https://example.com/resolved"

	err := Expand(context.Background(), ts, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/resolved", ts.URL.String())
}

func TestExpand_NoNetworkWithoutShortcutIsNoOp(t *testing.T) {
	ts, _ := newTestState(t, "https://t.co/abc")
	ts.Params.Flags["no_network"] = struct{}{}

	before := ts.URL.String()
	err := Expand(context.Background(), ts, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, before, ts.URL.String())
}

func TestExpand_RecursiveCallOnSameKeyFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ts, _ := newTestState(t, srv.URL+"/")
	ts.HTTPClient = srv.Client()

	require.NoError(t, Expand(context.Background(), ts, DefaultConfig()))
	err := Expand(context.Background(), ts, DefaultConfig())
	require.Error(t, err)
}

func TestExpand_NonRedirectErrorStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ts, _ := newTestState(t, srv.URL+"/")
	ts.HTTPClient = srv.Client()

	err := Expand(context.Background(), ts, DefaultConfig())
	require.Error(t, err)
}

func TestExpand_TooManyRedirects(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	ts, _ := newTestState(t, srv.URL+"/")
	ts.HTTPClient = srv.Client()

	cfg := DefaultConfig()
	cfg.MaxHops = 3
	err := Expand(context.Background(), ts, cfg)
	require.Error(t, err)
}

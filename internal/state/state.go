// Package state defines TaskState, the bundle of per-task data threaded
// through condition/action evaluation (internal/expr) and redirect
// expansion (internal/redirect). Splitting it out of both of those
// packages is what keeps expr and redirect from having to import each
// other: expr calls redirect.Expand(ts, ...), redirect calls back into
// nothing above it, and both depend only on state and urlmodel/params.
package state

import (
	"net/http"

	"github.com/urlclean/urlclean/internal/cache"
	"github.com/urlclean/urlclean/internal/params"
	"github.com/urlclean/urlclean/internal/urlmodel"
)

// TaskState is the mutable, single-task working set an action tree runs
// against. It is created fresh per task and discarded at task end.
type TaskState struct {
	URL *urlmodel.URL

	Params      *params.Params
	JobContext  params.JobContext
	TaskContext params.TaskContext
	Scratchpad  *params.Scratchpad

	Cache      *cache.Store
	HTTPClient *http.Client

	// CommonDepth counts active Common-name resolutions, so that expr's
	// eval context can enforce the recursion limit without importing
	// expr types here.
	CommonDepth int

	// activeCacheKeys marks (category, key) pairs this task has already
	// entered an ExpandRedirect single-flight region for. Keys stay
	// marked for the task's whole lifetime, deliberately wider than
	// in-region reentry: once a URL has been expanded, re-expanding the
	// byte-identical URL in the same task can only re-read the entry
	// just fetched, so it fails fast with RecursiveCacheWaitError, which
	// is what keeps a cleaner that loops ExpandRedirect over an
	// unchanging URL terminating. An expansion that rewrites the URL
	// re-enters under the new URL's key unhindered.
	activeCacheKeys map[string]struct{}
}

// New returns a fresh TaskState for one task.
func New(u *urlmodel.URL, p *params.Params, jc params.JobContext, tc params.TaskContext,
	c *cache.Store, client *http.Client) *TaskState {
	return &TaskState{
		URL:             u,
		Params:          p,
		JobContext:      jc,
		TaskContext:     tc,
		Scratchpad:      params.NewScratchpad(),
		Cache:           c,
		HTTPClient:      client,
		activeCacheKeys: map[string]struct{}{},
	}
}

// EnterCacheKey marks (category, key) as active for this task, returning
// false if it was already active (the caller should fail with
// RecursiveCacheWaitError rather than proceed).
func (ts *TaskState) EnterCacheKey(category, key string) bool {
	k := category + "\x00" + key
	if _, already := ts.activeCacheKeys[k]; already {
		return false
	}
	ts.activeCacheKeys[k] = struct{}{}
	return true
}

package expr

import (
	"context"

	"github.com/urlclean/urlclean/internal/errs"
	"github.com/urlclean/urlclean/internal/redirect"
	"github.com/urlclean/urlclean/internal/state"
)

// defaultCommonDepthLimit is the recursion guard for Common-name
// resolution: a Commons table that refers to itself (directly or
// through a cycle) fails loudly instead of blowing the Go stack.
const defaultCommonDepthLimit = 256

// Ctx is the evaluation context threaded through every StringSource,
// StringMatcher, StringModification, Condition and Action Eval/Apply
// call: the task's working state, the Commons lookup table the cleaner
// defines, and the redirect-expansion configuration ExpandRedirect uses.
type Ctx struct {
	context.Context
	State            *state.TaskState
	Commons          *Commons
	Redirect         redirect.Config
	CommonDepthLimit int
}

// NewCtx returns a Ctx with engine defaults filled in.
func NewCtx(parent context.Context, st *state.TaskState, commons *Commons, rcfg redirect.Config) *Ctx {
	limit := defaultCommonDepthLimit
	return &Ctx{Context: parent, State: st, Commons: commons, Redirect: rcfg, CommonDepthLimit: limit}
}

// enterCommon increments the shared recursion counter and returns a
// release function; it errors once the configured limit is exceeded.
func (c *Ctx) enterCommon(name string) (func(), error) {
	limit := c.CommonDepthLimit
	if limit <= 0 {
		limit = defaultCommonDepthLimit
	}
	if c.State.CommonDepth >= limit {
		return nil, &errs.CommonRecursionLimitError{Name: name, Limit: limit}
	}
	c.State.CommonDepth++
	return func() { c.State.CommonDepth-- }, nil
}

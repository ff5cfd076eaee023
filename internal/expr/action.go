package expr

import (
	"encoding/json"

	"github.com/urlclean/urlclean/internal/errs"
	"github.com/urlclean/urlclean/internal/redirect"
	"github.com/urlclean/urlclean/internal/urlmodel"
)

// Action is one interpreted instruction of a cleaner: it runs for
// effect, mutating the task's URL and/or scratchpad.
type Action interface {
	Apply(c *Ctx) error
}

// DecodeAction parses one externally-tagged Action node.
func DecodeAction(data []byte) (Action, error) {
	tag, payload, err := decodeTag(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case "None":
		return NoneAction{}, nil
	case "All":
		var v struct{ Actions []json.RawMessage }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		acts := make([]Action, 0, len(v.Actions))
		for _, raw := range v.Actions {
			a, err := DecodeAction(raw)
			if err != nil {
				return nil, err
			}
			acts = append(acts, a)
		}
		return ActionAll{Actions: acts}, nil
	case "If":
		var v struct {
			If   json.RawMessage
			Then json.RawMessage
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		cond, err := DecodeCondition(v.If)
		if err != nil {
			return nil, err
		}
		then, err := decodeActionOrNone(v.Then)
		if err != nil {
			return nil, err
		}
		els, err := decodeActionOrNone(elseBranch(payload))
		if err != nil {
			return nil, err
		}
		return ActionIf{Condition: cond, Then: then, Else: els}, nil
	case "Repeat":
		var v struct {
			Actions []json.RawMessage
			Limit   *int
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		inner, err := DecodeActionSequence(v.Actions)
		if err != nil {
			return nil, err
		}
		limit := defaultRepeatLimit
		if v.Limit != nil {
			limit = *v.Limit
		}
		return Repeat{Action: inner, Limit: limit}, nil
	case "SetPart":
		var v struct {
			Part  urlmodel.Part
			Value json.RawMessage
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		src, err := DecodeStringSource(v.Value)
		if err != nil {
			return nil, err
		}
		return SetPart{Part: v.Part, Value: src}, nil
	case "ModifyPart":
		var v struct {
			Part         urlmodel.Part
			Modification json.RawMessage
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		mod, err := DecodeStringModification(v.Modification)
		if err != nil {
			return nil, err
		}
		return ModifyPart{Part: v.Part, Modification: mod}, nil
	case "RemoveQuery":
		return RemoveQuery{}, nil
	case "RemoveQueryParams":
		var v struct{ Names []string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return RemoveQueryParams{Names: v.Names}, nil
	case "AllowQueryParams":
		var v struct{ Names []string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return AllowQueryParams{Names: v.Names}, nil
	case "GetUrlFromQueryParam": //nolint:revive,stylecheck
		var v struct{ Name string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return GetURLFromQueryParam{Name: v.Name}, nil
	case "GetPathFromQueryParam":
		var v struct{ Name string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return GetPathFromQueryParam{Name: v.Name}, nil
	case "SetScratchpadVar":
		var v struct {
			Name  string
			Value json.RawMessage
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		src, err := DecodeStringSource(v.Value)
		if err != nil {
			return nil, err
		}
		return SetScratchpadVar{Name: v.Name, Value: src}, nil
	case "ModifyScratchpadVar":
		var v struct {
			Name         string
			Modification json.RawMessage
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		mod, err := DecodeStringModification(v.Modification)
		if err != nil {
			return nil, err
		}
		return ModifyScratchpadVar{Name: v.Name, Modification: mod}, nil
	case "ExpandRedirect":
		return ExpandRedirectAction{}, nil
	case "Common":
		var v struct{ Name string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return ActionCommon{Name: v.Name}, nil
	default:
		return nil, unknownVariant("Action", tag)
	}
}

// DecodeActionSequence decodes a bare array of Action nodes into an
// ActionAll, the form a cleaner document's top-level "actions" key uses
// in place of a single "action" node.
func DecodeActionSequence(raws []json.RawMessage) (Action, error) {
	acts := make([]Action, 0, len(raws))
	for _, raw := range raws {
		a, err := DecodeAction(raw)
		if err != nil {
			return nil, err
		}
		acts = append(acts, a)
	}
	return ActionAll{Actions: acts}, nil
}

func decodeActionOrNone(raw json.RawMessage) (Action, error) {
	if len(raw) == 0 {
		return NoneAction{}, nil
	}
	return DecodeAction(raw)
}

type NoneAction struct{}

func (NoneAction) Apply(*Ctx) error { return nil }

// ActionAll runs each action in sequence, stopping at the first error.
type ActionAll struct{ Actions []Action }

func (a ActionAll) Apply(c *Ctx) error {
	for _, sub := range a.Actions {
		if err := sub.Apply(c); err != nil {
			return err
		}
	}
	return nil
}

type ActionIf struct {
	Condition  Condition
	Then, Else Action
}

func (a ActionIf) Apply(c *Ctx) error {
	ok, err := a.Condition.Eval(c)
	if err != nil {
		return err
	}
	if ok {
		return a.Then.Apply(c)
	}
	return a.Else.Apply(c)
}

// defaultRepeatLimit bounds a Repeat whose document omits the limit.
const defaultRepeatLimit = 64

// Repeat applies Action until a round leaves both the URL and the
// scratchpad unchanged (a fixed point) or Limit rounds have run without
// reaching one, in which case it fails with RepeatLimitReachedError.
// A Limit of zero (or less) makes Repeat a no-op. Fixed-point detection
// considers only in-memory URL and scratchpad state, not any cache
// writes Action may have caused as a side effect.
type Repeat struct {
	Action Action
	Limit  int
}

func (a Repeat) Apply(c *Ctx) error {
	limit := a.Limit
	if limit <= 0 {
		return nil
	}
	for i := 0; i < limit; i++ {
		before := c.State.URL.String()
		beforeScratch := c.State.Scratchpad.Snapshot()

		if err := a.Action.Apply(c); err != nil {
			return err
		}

		after := c.State.URL.String()
		afterScratch := c.State.Scratchpad.Snapshot()
		if before == after && scratchEqual(beforeScratch, afterScratch) {
			return nil
		}
	}
	return &errs.RepeatLimitReachedError{Limit: limit}
}

func scratchEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// SetPart writes Value's evaluated result into Part.
type SetPart struct {
	Part  urlmodel.Part
	Value StringSource
}

func (a SetPart) Apply(c *Ctx) error {
	v, ok, err := a.Value.Eval(c)
	if err != nil {
		return err
	}
	if !ok {
		return c.State.URL.Set(a.Part, nil)
	}
	return c.State.URL.Set(a.Part, &v)
}

// ModifyPart reads Part, runs it through Modification, and writes the
// result back. A Part with no current value is treated as "" for the
// purpose of the modification, matching StringModification's general
// string-in-string-out contract.
type ModifyPart struct {
	Part         urlmodel.Part
	Modification StringModification
}

func (a ModifyPart) Apply(c *Ctx) error {
	cur, ok, err := c.State.URL.Get(a.Part)
	if err != nil {
		return err
	}
	if !ok {
		cur = ""
	}
	out, err := a.Modification.Apply(c, cur)
	if err != nil {
		return err
	}
	return c.State.URL.Set(a.Part, &out)
}

// RemoveQuery clears the entire query string.
type RemoveQuery struct{}

func (RemoveQuery) Apply(c *Ctx) error {
	c.State.URL.Query = nil
	return nil
}

// RemoveQueryParams drops every query param whose name is in Names.
type RemoveQueryParams struct{ Names []string }

func (a RemoveQueryParams) Apply(c *Ctx) error {
	drop := make(map[string]struct{}, len(a.Names))
	for _, n := range a.Names {
		drop[n] = struct{}{}
	}
	kept := c.State.URL.Query[:0]
	for _, qp := range c.State.URL.Query {
		if _, ok := drop[qp.Name]; !ok {
			kept = append(kept, qp)
		}
	}
	c.State.URL.Query = kept
	return nil
}

// AllowQueryParams keeps only query params whose name is in Names,
// dropping everything else. Applying it twice in a row is idempotent.
type AllowQueryParams struct{ Names []string }

func (a AllowQueryParams) Apply(c *Ctx) error {
	allow := make(map[string]struct{}, len(a.Names))
	for _, n := range a.Names {
		allow[n] = struct{}{}
	}
	kept := c.State.URL.Query[:0]
	for _, qp := range c.State.URL.Query {
		if _, ok := allow[qp.Name]; ok {
			kept = append(kept, qp)
		}
	}
	c.State.URL.Query = kept
	return nil
}

// GetURLFromQueryParam replaces the whole URL with the value of the
// named query param (e.g. a redirector's "?url=" parameter), which must
// parse as an absolute URL.
type GetURLFromQueryParam struct{ Name string } //nolint:revive,stylecheck

func (a GetURLFromQueryParam) Apply(c *Ctx) error {
	for _, qp := range c.State.URL.Query {
		if qp.Name == a.Name && qp.Value != nil {
			u, err := urlmodel.Parse(*qp.Value)
			if err != nil {
				return &errs.InvalidUrlPartValueError{Part: "whole", Value: *qp.Value, Cause: err}
			}
			c.State.URL = u
			return nil
		}
	}
	return &errs.TypeError{Msg: "query param not present: " + a.Name}
}

// GetPathFromQueryParam replaces the current path with the value of the
// named query param, leaving scheme/host untouched.
type GetPathFromQueryParam struct{ Name string }

func (a GetPathFromQueryParam) Apply(c *Ctx) error {
	for _, qp := range c.State.URL.Query {
		if qp.Name == a.Name && qp.Value != nil {
			return c.State.URL.Set(urlmodel.Part{Kind: urlmodel.PartPath}, qp.Value)
		}
	}
	return &errs.TypeError{Msg: "query param not present: " + a.Name}
}

// SetScratchpadVar writes Value's evaluated result into a scratchpad
// variable, or clears it when Value yields no result.
type SetScratchpadVar struct {
	Name  string
	Value StringSource
}

func (a SetScratchpadVar) Apply(c *Ctx) error {
	v, ok, err := a.Value.Eval(c)
	if err != nil {
		return err
	}
	if !ok {
		c.State.Scratchpad.Delete(a.Name)
		return nil
	}
	c.State.Scratchpad.Set(a.Name, v)
	return nil
}

// ModifyScratchpadVar reads a scratchpad variable (treating "unset" as
// ""), runs it through Modification, and writes the result back.
type ModifyScratchpadVar struct {
	Name         string
	Modification StringModification
}

func (a ModifyScratchpadVar) Apply(c *Ctx) error {
	cur, _ := c.State.Scratchpad.Get(a.Name)
	out, err := a.Modification.Apply(c, cur)
	if err != nil {
		return err
	}
	c.State.Scratchpad.Set(a.Name, out)
	return nil
}

// ExpandRedirectAction follows the current URL's redirect chain via
// internal/redirect, using the engine-configured Config on Ctx.
type ExpandRedirectAction struct{}

func (ExpandRedirectAction) Apply(c *Ctx) error {
	return redirect.Expand(c.Context, c.State, c.Redirect)
}

// ActionCommon dispatches to Commons.Actions[Name].
type ActionCommon struct{ Name string }

func (a ActionCommon) Apply(c *Ctx) error {
	target, ok := c.Commons.Actions[a.Name]
	if !ok {
		return &errs.ConfigError{Msg: "undefined action common: " + a.Name}
	}
	release, err := c.enterCommon(a.Name)
	if err != nil {
		return err
	}
	defer release()
	return target.Apply(c)
}

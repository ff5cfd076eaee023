package expr

import (
	"encoding/json"
	"os/exec"
	"regexp"

	"github.com/urlclean/urlclean/internal/errs"
)

// Condition is a boolean predicate over task state.
type Condition interface {
	Eval(c *Ctx) (bool, error)
}

// DecodeCondition parses one externally-tagged Condition node.
func DecodeCondition(data []byte) (Condition, error) {
	tag, payload, err := decodeTag(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case "Always":
		return CondAlways{}, nil
	case "Never":
		return CondNever{}, nil
	case "All":
		return decodeConditionList(payload, func(cs []Condition) Condition { return CondAll{Conditions: cs} })
	case "Any":
		return decodeConditionList(payload, func(cs []Condition) Condition { return CondAny{Conditions: cs} })
	case "Not":
		var v struct{ Condition json.RawMessage }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		inner, err := DecodeCondition(v.Condition)
		if err != nil {
			return nil, err
		}
		return CondNot{Condition: inner}, nil
	case "MaybeWWWDomain":
		var v struct{ Domain string }
		if err := unmarshalPayload(payload, &v); err != nil {
			return nil, err
		}
		return MaybeWWWDomain{Domain: v.Domain}, nil
	case "UnqualifiedDomain":
		var v struct{ Domain string }
		if err := unmarshalPayload(payload, &v); err != nil {
			return nil, err
		}
		return UnqualifiedDomain{Domain: v.Domain}, nil
	case "UnqualifiedAnyTld":
		var v struct{ Domain string }
		if err := unmarshalPayload(payload, &v); err != nil {
			return nil, err
		}
		return UnqualifiedAnyTld{Domain: v.Domain}, nil
	case "NormalizedHostIs":
		var v struct{ Host string }
		if err := unmarshalPayload(payload, &v); err != nil {
			return nil, err
		}
		return NormalizedHostIs{Host: v.Host}, nil
	case "RegDomainIs":
		var v struct{ Domain string }
		if err := unmarshalPayload(payload, &v); err != nil {
			return nil, err
		}
		return RegDomainIs{Domain: v.Domain}, nil
	case "SubdomainIs":
		var v struct{ Subdomain string }
		if err := unmarshalPayload(payload, &v); err != nil {
			return nil, err
		}
		return SubdomainIs{Subdomain: v.Subdomain}, nil
	case "HostInSet":
		var v struct{ Set string }
		if err := unmarshalPayload(payload, &v); err != nil {
			return nil, err
		}
		return HostInSet{Set: v.Set}, nil
	case "PathIs":
		var v struct{ Path string }
		if err := unmarshalPayload(payload, &v); err != nil {
			return nil, err
		}
		return PathIs{Path: v.Path}, nil
	case "PathMatchesRegex":
		var v struct{ Pattern string }
		if err := unmarshalPayload(payload, &v); err != nil {
			return nil, err
		}
		re, err := regexp.Compile(v.Pattern)
		if err != nil {
			return nil, &errs.ConfigError{Msg: "bad regex: " + err.Error()}
		}
		return PathMatchesRegex{Pattern: v.Pattern, re: re}, nil
	case "QueryHasParam":
		var v struct{ Name string }
		if err := unmarshalPayload(payload, &v); err != nil {
			return nil, err
		}
		return QueryHasParam{Name: v.Name}, nil
	case "QueryParamIs":
		var v struct{ Name, Value string }
		if err := unmarshalPayload(payload, &v); err != nil {
			return nil, err
		}
		return QueryParamIs{Name: v.Name, Value: v.Value}, nil
	case "StringIs":
		var v struct {
			Left  json.RawMessage
			Right json.RawMessage
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		left, err := DecodeStringSource(v.Left)
		if err != nil {
			return nil, err
		}
		right, err := DecodeStringSource(v.Right)
		if err != nil {
			return nil, err
		}
		return StringIs{Left: left, Right: right}, nil
	case "StringMatches":
		var v struct {
			Value   json.RawMessage
			Matcher json.RawMessage
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		src, err := DecodeStringSource(v.Value)
		if err != nil {
			return nil, err
		}
		matcher, err := DecodeStringMatcher(v.Matcher)
		if err != nil {
			return nil, err
		}
		return StringMatches{Value: src, Matcher: matcher}, nil
	case "FlagIsSet":
		var v struct{ Flag string }
		if err := unmarshalPayload(payload, &v); err != nil {
			return nil, err
		}
		return FlagIsSet{Flag: v.Flag}, nil
	case "VarIs":
		var v struct{ Name, Value string }
		if err := unmarshalPayload(payload, &v); err != nil {
			return nil, err
		}
		return VarIs{Name: v.Name, Value: v.Value}, nil
	case "InSet":
		var v struct {
			Set   string
			Value json.RawMessage
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		val, err := DecodeStringSource(v.Value)
		if err != nil {
			return nil, err
		}
		return CondInSet{Set: v.Set, Value: val}, nil
	case "PartitioningIs":
		var v struct {
			Name     string
			Value    json.RawMessage
			Category string
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		val, err := DecodeStringSource(v.Value)
		if err != nil {
			return nil, err
		}
		return PartitioningIs{Name: v.Name, Value: val, Category: v.Category}, nil
	case "CommandExists":
		var v struct{ Program string }
		if err := unmarshalPayload(payload, &v); err != nil {
			return nil, err
		}
		return CommandExists{Program: v.Program}, nil
	case "Common":
		var v struct{ Name string }
		if err := unmarshalPayload(payload, &v); err != nil {
			return nil, err
		}
		return ConditionCommon{Name: v.Name}, nil
	default:
		return nil, unknownVariant("Condition", tag)
	}
}

func unmarshalPayload(payload json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return &errs.ConfigError{Msg: err.Error()}
	}
	return nil
}

func decodeConditionList(payload json.RawMessage, build func([]Condition) Condition) (Condition, error) {
	var v struct{ Conditions []json.RawMessage }
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, &errs.ConfigError{Msg: err.Error()}
	}
	out := make([]Condition, 0, len(v.Conditions))
	for _, raw := range v.Conditions {
		c, err := DecodeCondition(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return build(out), nil
}

type CondAlways struct{}

func (CondAlways) Eval(*Ctx) (bool, error) { return true, nil }

type CondNever struct{}

func (CondNever) Eval(*Ctx) (bool, error) { return false, nil }

type CondAll struct{ Conditions []Condition }

func (c CondAll) Eval(ctx *Ctx) (bool, error) {
	for _, sub := range c.Conditions {
		ok, err := sub.Eval(ctx)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

type CondAny struct{ Conditions []Condition }

func (c CondAny) Eval(ctx *Ctx) (bool, error) {
	for _, sub := range c.Conditions {
		ok, err := sub.Eval(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

type CondNot struct{ Condition Condition }

func (c CondNot) Eval(ctx *Ctx) (bool, error) {
	ok, err := c.Condition.Eval(ctx)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// MaybeWWWDomain matches Domain with or without a leading "www.".
type MaybeWWWDomain struct{ Domain string }

func (c MaybeWWWDomain) Eval(ctx *Ctx) (bool, error) {
	h := ctx.State.URL.Host.Raw
	return h == c.Domain || h == "www."+c.Domain, nil
}

// UnqualifiedDomain matches when the host, with the public suffix
// stripped, equals Domain (e.g. Domain "example" matches
// "example.com" and "example.co.uk").
type UnqualifiedDomain struct{ Domain string }

func (c UnqualifiedDomain) Eval(ctx *Ctx) (bool, error) {
	h := ctx.State.URL.Host
	if !h.HasSplit {
		return false, nil
	}
	return h.Subdomain == "" && h.Middle == c.Domain, nil
}

// UnqualifiedAnyTld is an alias of UnqualifiedDomain kept distinct in
// the wire format for cleaner-authoring clarity: "any tld" emphasizes
// that the public suffix is deliberately ignored.
type UnqualifiedAnyTld struct{ Domain string } //nolint:revive,stylecheck

func (c UnqualifiedAnyTld) Eval(ctx *Ctx) (bool, error) {
	return UnqualifiedDomain(c).Eval(ctx)
}

type NormalizedHostIs struct{ Host string }

func (c NormalizedHostIs) Eval(ctx *Ctx) (bool, error) {
	return ctx.State.URL.Host.NormalizedHost() == c.Host, nil
}

type RegDomainIs struct{ Domain string }

func (c RegDomainIs) Eval(ctx *Ctx) (bool, error) {
	h := ctx.State.URL.Host
	return h.HasSplit && h.RegDomain() == c.Domain, nil
}

type SubdomainIs struct{ Subdomain string }

func (c SubdomainIs) Eval(ctx *Ctx) (bool, error) {
	h := ctx.State.URL.Host
	return h.HasSplit && h.Subdomain == c.Subdomain, nil
}

type HostInSet struct{ Set string }

func (c HostInSet) Eval(ctx *Ctx) (bool, error) {
	return ctx.State.Params.InSet(c.Set, ctx.State.URL.Host.Raw), nil
}

type PathIs struct{ Path string }

func (c PathIs) Eval(ctx *Ctx) (bool, error) {
	return ctx.State.URL.Path.String() == c.Path, nil
}

type PathMatchesRegex struct {
	Pattern string
	re      *regexp.Regexp
}

func (c PathMatchesRegex) Eval(ctx *Ctx) (bool, error) {
	re := c.re
	if re == nil {
		var err error
		re, err = regexp.Compile(c.Pattern)
		if err != nil {
			return false, &errs.ConfigError{Msg: "bad regex: " + err.Error()}
		}
	}
	return re.MatchString(ctx.State.URL.Path.String()), nil
}

type QueryHasParam struct{ Name string }

func (c QueryHasParam) Eval(ctx *Ctx) (bool, error) {
	for _, qp := range ctx.State.URL.Query {
		if qp.Name == c.Name {
			return true, nil
		}
	}
	return false, nil
}

type QueryParamIs struct{ Name, Value string }

func (c QueryParamIs) Eval(ctx *Ctx) (bool, error) {
	for _, qp := range ctx.State.URL.Query {
		if qp.Name == c.Name && qp.Value != nil && *qp.Value == c.Value {
			return true, nil
		}
	}
	return false, nil
}

// StringIs compares two computed strings for equality; if either side
// yields no value, the condition holds only when both yield none.
type StringIs struct {
	Left  StringSource
	Right StringSource
}

func (c StringIs) Eval(ctx *Ctx) (bool, error) {
	l, lok, err := c.Left.Eval(ctx)
	if err != nil {
		return false, err
	}
	r, rok, err := c.Right.Eval(ctx)
	if err != nil {
		return false, err
	}
	if !lok || !rok {
		return lok == rok, nil
	}
	return l == r, nil
}

type StringMatches struct {
	Value   StringSource
	Matcher StringMatcher
}

func (c StringMatches) Eval(ctx *Ctx) (bool, error) {
	v, ok, err := c.Value.Eval(ctx)
	if err != nil || !ok {
		return false, err
	}
	return c.Matcher.Match(ctx, v)
}

type FlagIsSet struct{ Flag string }

func (c FlagIsSet) Eval(ctx *Ctx) (bool, error) { return ctx.State.Params.HasFlag(c.Flag), nil }

type VarIs struct{ Name, Value string }

func (c VarIs) Eval(ctx *Ctx) (bool, error) {
	return ctx.State.Params.Vars[c.Name] == c.Value, nil
}

type CondInSet struct {
	Set   string
	Value StringSource
}

func (c CondInSet) Eval(ctx *Ctx) (bool, error) {
	v, ok, err := c.Value.Eval(ctx)
	if err != nil || !ok {
		return false, err
	}
	return ctx.State.Params.InSet(c.Set, v), nil
}

// PartitioningIs reports whether Value's category under the named
// partitioning equals Category.
type PartitioningIs struct {
	Name     string
	Value    StringSource
	Category string
}

func (c PartitioningIs) Eval(ctx *Ctx) (bool, error) {
	v, ok, err := c.Value.Eval(ctx)
	if err != nil || !ok {
		return false, err
	}
	part, ok := ctx.State.Params.Partitionings[c.Name]
	if !ok {
		return false, &errs.ConfigError{Msg: "undefined partitioning: " + c.Name}
	}
	return part.Category(v) == c.Category, nil
}

// CommandExists reports whether Program is resolvable on PATH, a
// feature-gated predicate for cleaners that delegate to external tools.
type CommandExists struct{ Program string }

func (c CommandExists) Eval(*Ctx) (bool, error) {
	_, err := exec.LookPath(c.Program)
	return err == nil, nil
}

// ConditionCommon dispatches to Commons.Conditions[Name].
type ConditionCommon struct{ Name string }

func (c ConditionCommon) Eval(ctx *Ctx) (bool, error) {
	target, ok := ctx.Commons.Conditions[c.Name]
	if !ok {
		return false, &errs.ConfigError{Msg: "undefined condition common: " + c.Name}
	}
	release, err := ctx.enterCommon(c.Name)
	if err != nil {
		return false, err
	}
	defer release()
	return target.Eval(ctx)
}

package expr

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/urlclean/urlclean/internal/errs"
)

// StringMatcher is a string predicate: it tests a concrete string
// value, already produced by some StringSource, against a pattern.
type StringMatcher interface {
	Match(c *Ctx, s string) (bool, error)
}

// DecodeStringMatcher parses one externally-tagged StringMatcher node.
func DecodeStringMatcher(data []byte) (StringMatcher, error) {
	tag, payload, err := decodeTag(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case "Equals":
		var v struct{ Value string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return Equals{Value: v.Value}, nil
	case "HasPrefix":
		var v struct{ Value string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return HasPrefix{Value: v.Value}, nil
	case "HasSuffix":
		var v struct{ Value string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return HasSuffix{Value: v.Value}, nil
	case "Contains":
		var v struct{ Value string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return Contains{Value: v.Value}, nil
	case "LengthCompare":
		var v struct {
			Op string
			N  int
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		if _, ok := lengthOps[v.Op]; !ok {
			return nil, &errs.ConfigError{Msg: "unknown LengthCompare op: " + v.Op}
		}
		return LengthCompare{Op: v.Op, N: v.N}, nil
	case "Regex":
		var v struct{ Pattern string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		re, err := regexp.Compile(v.Pattern)
		if err != nil {
			return nil, &errs.ConfigError{Msg: "bad regex: " + err.Error()}
		}
		return RegexMatch{Pattern: v.Pattern, re: re}, nil
	case "InSet":
		var v struct{ Set string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return MatcherInSet{Set: v.Set}, nil
	case "IsEmpty":
		return IsEmpty{}, nil
	case "Always":
		return MatchAlways{}, nil
	case "Never":
		return MatchNever{}, nil
	case "All":
		return decodeMatcherList(payload, func(ms []StringMatcher) StringMatcher { return MatchAll{Matchers: ms} })
	case "Any":
		return decodeMatcherList(payload, func(ms []StringMatcher) StringMatcher { return MatchAny{Matchers: ms} })
	case "Not":
		var v struct{ Matcher json.RawMessage }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		inner, err := DecodeStringMatcher(v.Matcher)
		if err != nil {
			return nil, err
		}
		return MatchNot{Matcher: inner}, nil
	case "Common":
		var v struct{ Name string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return MatcherCommon{Name: v.Name}, nil
	default:
		return nil, unknownVariant("StringMatcher", tag)
	}
}

func decodeMatcherList(payload json.RawMessage, build func([]StringMatcher) StringMatcher) (StringMatcher, error) {
	var v struct{ Matchers []json.RawMessage }
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, &errs.ConfigError{Msg: err.Error()}
	}
	out := make([]StringMatcher, 0, len(v.Matchers))
	for _, raw := range v.Matchers {
		m, err := DecodeStringMatcher(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return build(out), nil
}

var lengthOps = map[string]struct{}{"eq": {}, "lt": {}, "le": {}, "gt": {}, "ge": {}}

type Equals struct{ Value string }

func (m Equals) Match(_ *Ctx, s string) (bool, error) { return s == m.Value, nil }

type HasPrefix struct{ Value string }

func (m HasPrefix) Match(_ *Ctx, s string) (bool, error) {
	return strings.HasPrefix(s, m.Value), nil
}

type HasSuffix struct{ Value string }

func (m HasSuffix) Match(_ *Ctx, s string) (bool, error) {
	return strings.HasSuffix(s, m.Value), nil
}

type Contains struct{ Value string }

func (m Contains) Match(_ *Ctx, s string) (bool, error) {
	return strings.Contains(s, m.Value), nil
}

// LengthCompare tests len(s) against N using Op (one of eq/lt/le/gt/ge).
type LengthCompare struct {
	Op string
	N  int
}

func (m LengthCompare) Match(_ *Ctx, s string) (bool, error) {
	l := len(s)
	switch m.Op {
	case "eq":
		return l == m.N, nil
	case "lt":
		return l < m.N, nil
	case "le":
		return l <= m.N, nil
	case "gt":
		return l > m.N, nil
	case "ge":
		return l >= m.N, nil
	default:
		return false, &errs.ConfigError{Msg: "unknown LengthCompare op: " + m.Op}
	}
}

// RegexMatch tests s against a compiled regular expression.
type RegexMatch struct {
	Pattern string
	re      *regexp.Regexp
}

func (m RegexMatch) Match(_ *Ctx, s string) (bool, error) {
	re := m.re
	if re == nil {
		var err error
		re, err = regexp.Compile(m.Pattern)
		if err != nil {
			return false, &errs.ConfigError{Msg: "bad regex: " + err.Error()}
		}
	}
	return re.MatchString(s), nil
}

// MatcherInSet tests s for membership in a named Params set.
type MatcherInSet struct{ Set string }

func (m MatcherInSet) Match(c *Ctx, s string) (bool, error) {
	return c.State.Params.InSet(m.Set, s), nil
}

type IsEmpty struct{}

func (IsEmpty) Match(_ *Ctx, s string) (bool, error) { return s == "", nil }

type MatchAlways struct{}

func (MatchAlways) Match(*Ctx, string) (bool, error) { return true, nil }

type MatchNever struct{}

func (MatchNever) Match(*Ctx, string) (bool, error) { return false, nil }

type MatchAll struct{ Matchers []StringMatcher }

func (m MatchAll) Match(c *Ctx, s string) (bool, error) {
	for _, sub := range m.Matchers {
		ok, err := sub.Match(c, s)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

type MatchAny struct{ Matchers []StringMatcher }

func (m MatchAny) Match(c *Ctx, s string) (bool, error) {
	for _, sub := range m.Matchers {
		ok, err := sub.Match(c, s)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

type MatchNot struct{ Matcher StringMatcher }

func (m MatchNot) Match(c *Ctx, s string) (bool, error) {
	ok, err := m.Matcher.Match(c, s)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// MatcherCommon dispatches to Commons.Matchers[Name].
type MatcherCommon struct{ Name string }

func (m MatcherCommon) Match(c *Ctx, s string) (bool, error) {
	target, ok := c.Commons.Matchers[m.Name]
	if !ok {
		return false, &errs.ConfigError{Msg: "undefined matcher common: " + m.Name}
	}
	release, err := c.enterCommon(m.Name)
	if err != nil {
		return false, err
	}
	defer release()
	return target.Match(c, s)
}

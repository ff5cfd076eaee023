package expr

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/urlclean/urlclean/internal/errs"
)

// StringModification is a string transform: given a value, produce a
// new one.
type StringModification interface {
	Apply(c *Ctx, s string) (string, error)
}

// DecodeStringModification parses one externally-tagged
// StringModification node.
func DecodeStringModification(data []byte) (StringModification, error) {
	tag, payload, err := decodeTag(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case "Append":
		src, err := decodeSourceField(payload, "Value")
		if err != nil {
			return nil, err
		}
		return Append{Value: src}, nil
	case "Prepend":
		src, err := decodeSourceField(payload, "Value")
		if err != nil {
			return nil, err
		}
		return Prepend{Value: src}, nil
	case "Replace":
		var v struct{ From, To string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return Replace{From: v.From, To: v.To}, nil
	case "RegexSub":
		var v struct{ Regex, Replace string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		re, err := regexp.Compile(v.Regex)
		if err != nil {
			return nil, &errs.ConfigError{Msg: "bad regex: " + err.Error()}
		}
		return RegexSub{Regex: v.Regex, Replace: v.Replace, re: re}, nil
	case "Lowercase":
		return Lowercase{}, nil
	case "Uppercase":
		return Uppercase{}, nil
	case "KeepRange":
		var v struct{ Start, End *int }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return KeepRange{Start: v.Start, End: v.End}, nil
	case "RemoveChar":
		var v struct{ Index int }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return RemoveChar{Index: v.Index}, nil
	case "Base64Encode":
		return Base64Encode{}, nil
	case "Base64Decode":
		return Base64Decode{}, nil
	case "UrlEncode":
		return URLEncode{}, nil
	case "UrlDecode":
		return URLDecode{}, nil
	case "All":
		var v struct{ Modifications []json.RawMessage }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		mods := make([]StringModification, 0, len(v.Modifications))
		for _, raw := range v.Modifications {
			m, err := DecodeStringModification(raw)
			if err != nil {
				return nil, err
			}
			mods = append(mods, m)
		}
		return ModAll{Modifications: mods}, nil
	case "IfCondition":
		var v struct {
			Cond json.RawMessage
			Then json.RawMessage
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		cond, err := DecodeCondition(v.Cond)
		if err != nil {
			return nil, err
		}
		then, err := DecodeStringModification(v.Then)
		if err != nil {
			return nil, err
		}
		els := StringModification(Identity{})
		if raw := elseBranch(payload); len(raw) > 0 {
			els, err = DecodeStringModification(raw)
			if err != nil {
				return nil, err
			}
		}
		return ModIfCondition{Condition: cond, Then: then, Else: els}, nil
	case "Common":
		var v struct{ Name string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return ModificationCommon{Name: v.Name}, nil
	default:
		return nil, unknownVariant("StringModification", tag)
	}
}

func decodeSourceField(payload json.RawMessage, field string) (StringSource, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, &errs.ConfigError{Msg: err.Error()}
	}
	raw, ok := m[field]
	if !ok {
		// key casing follows whoever authored the document
		for k, v := range m {
			if strings.EqualFold(k, field) {
				raw, ok = v, true
				break
			}
		}
	}
	if !ok {
		return nil, &errs.ConfigError{Msg: "missing field " + field}
	}
	return DecodeStringSource(raw)
}

// Append appends Value's evaluated result to s.
type Append struct{ Value StringSource }

func (m Append) Apply(c *Ctx, s string) (string, error) {
	v, ok, err := m.Value.Eval(c)
	if err != nil || !ok {
		return s, err
	}
	return s + v, nil
}

// Prepend prepends Value's evaluated result to s.
type Prepend struct{ Value StringSource }

func (m Prepend) Apply(c *Ctx, s string) (string, error) {
	v, ok, err := m.Value.Eval(c)
	if err != nil || !ok {
		return s, err
	}
	return v + s, nil
}

// Replace replaces every literal occurrence of From with To.
type Replace struct{ From, To string }

func (m Replace) Apply(_ *Ctx, s string) (string, error) {
	return strings.ReplaceAll(s, m.From, m.To), nil
}

// RegexSub replaces every match of Regex with Replace (Go regexp
// expansion syntax, e.g. "$1").
type RegexSub struct {
	Regex, Replace string
	re             *regexp.Regexp
}

func (m RegexSub) Apply(_ *Ctx, s string) (string, error) {
	re := m.re
	if re == nil {
		var err error
		re, err = regexp.Compile(m.Regex)
		if err != nil {
			return "", &errs.ConfigError{Msg: "bad regex: " + err.Error()}
		}
	}
	return re.ReplaceAllString(s, m.Replace), nil
}

type Lowercase struct{}

func (Lowercase) Apply(_ *Ctx, s string) (string, error) { return strings.ToLower(s), nil }

type Uppercase struct{}

func (Uppercase) Apply(_ *Ctx, s string) (string, error) { return strings.ToUpper(s), nil }

// KeepRange keeps the rune range [Start, End), with nil meaning "from
// the beginning"/"to the end" and negative indices counting from the
// end, same convention as urlmodel path-segment indices.
type KeepRange struct{ Start, End *int }

func (m KeepRange) Apply(_ *Ctx, s string) (string, error) {
	r := []rune(s)
	n := len(r)
	start, end := 0, n
	if m.Start != nil {
		start = resolveRangeIndex(*m.Start, n)
	}
	if m.End != nil {
		end = resolveRangeIndex(*m.End, n)
	}
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	if start >= end {
		return "", nil
	}
	return string(r[start:end]), nil
}

func resolveRangeIndex(i, n int) int {
	if i < 0 {
		return n + i
	}
	return i
}

// RemoveChar removes the rune at Index, with negative indices counting
// from the end, same convention as KeepRange/urlmodel path-segment
// indices. An out-of-range Index leaves s unchanged.
type RemoveChar struct{ Index int }

func (m RemoveChar) Apply(_ *Ctx, s string) (string, error) {
	r := []rune(s)
	idx := resolveRangeIndex(m.Index, len(r))
	if idx < 0 || idx >= len(r) {
		return s, nil
	}
	return string(append(r[:idx:idx], r[idx+1:]...)), nil
}

type Base64Encode struct{}

func (Base64Encode) Apply(_ *Ctx, s string) (string, error) {
	return base64.StdEncoding.EncodeToString([]byte(s)), nil
}

type Base64Decode struct{}

func (Base64Decode) Apply(_ *Ctx, s string) (string, error) {
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", &errs.TypeError{Msg: "invalid base64: " + err.Error()}
	}
	return string(out), nil
}

type URLEncode struct{}

func (URLEncode) Apply(_ *Ctx, s string) (string, error) { return url.QueryEscape(s), nil }

type URLDecode struct{}

func (URLDecode) Apply(_ *Ctx, s string) (string, error) {
	out, err := url.QueryUnescape(s)
	if err != nil {
		return "", &errs.TypeError{Msg: "invalid percent-encoding: " + err.Error()}
	}
	return out, nil
}

// ModAll applies each Modification in sequence.
type ModAll struct{ Modifications []StringModification }

func (m ModAll) Apply(c *Ctx, s string) (string, error) {
	cur := s
	for _, sub := range m.Modifications {
		var err error
		cur, err = sub.Apply(c, cur)
		if err != nil {
			return "", err
		}
	}
	return cur, nil
}

// ModIfCondition applies Then if Condition holds, Else otherwise.
type ModIfCondition struct {
	Condition  Condition
	Then, Else StringModification
}

func (m ModIfCondition) Apply(c *Ctx, s string) (string, error) {
	ok, err := m.Condition.Eval(c)
	if err != nil {
		return "", err
	}
	if ok {
		return m.Then.Apply(c, s)
	}
	return m.Else.Apply(c, s)
}

// Identity leaves its input unchanged, the implicit else branch of an
// IfCondition that declares none.
type Identity struct{}

func (Identity) Apply(_ *Ctx, s string) (string, error) { return s, nil }

// ModificationCommon dispatches to Commons.Modifications[Name].
type ModificationCommon struct{ Name string }

func (m ModificationCommon) Apply(c *Ctx, s string) (string, error) {
	target, ok := c.Commons.Modifications[m.Name]
	if !ok {
		return "", &errs.ConfigError{Msg: "undefined modification common: " + m.Name}
	}
	release, err := c.enterCommon(m.Name)
	if err != nil {
		return "", err
	}
	defer release()
	return target.Apply(c, s)
}

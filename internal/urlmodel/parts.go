package urlmodel

import (
	"encoding/json"
	"strings"

	"github.com/urlclean/urlclean/internal/errs"
)

// PartKind names one of the URL's addressable parts.
type PartKind string

// The enum of all addressable parts.
const (
	PartWhole          PartKind = "whole"
	PartScheme         PartKind = "scheme"
	PartUsername       PartKind = "username"
	PartPassword       PartKind = "password"
	PartHost           PartKind = "host"
	PartPort           PartKind = "port"
	PartSubdomain      PartKind = "subdomain"
	PartDomainMiddle   PartKind = "domain_middle"
	PartSuffix         PartKind = "suffix"
	PartNormalizedHost PartKind = "normalized_host"
	PartRegDomain      PartKind = "reg_domain"
	PartPath           PartKind = "path"
	PartPathSegment    PartKind = "path_segment"
	PartQuery          PartKind = "query"
	PartQueryParam     PartKind = "query_param"
	PartFragment       PartKind = "fragment"
)

// QueryParamMode selects how PartQueryParam reads/writes a named query
// parameter when more than one instance may be present.
type QueryParamMode string

// The enum of query-parameter access modes.
const (
	QPFirst QueryParamMode = "first" // first occurrence
	QPAll   QueryParamMode = "all"   // all occurrences, comma-joined on read
	QPIndex QueryParamMode = "index" // the Nth param of the whole query; Name is not consulted
)

// Part addresses a single URL part, optionally qualified by an index
// (path segment, or query-parameter occurrence) or a name (query
// parameter).
type Part struct {
	Kind  PartKind
	Index *int // path segment index (negative counts from end); query-param index
	Name  string
	Mode  QueryParamMode // only meaningful for PartQueryParam
}

// UnmarshalJSON decodes a part reference, accepting the index either as
// a JSON number or as a decimal string. The string form exists because
// JSON numbers cannot spell "-0": -1 means the last element, and a
// document that writes "-0" gets an error instead of a silent 0.
func (p *Part) UnmarshalJSON(data []byte) error {
	var w struct {
		Kind  PartKind        `json:"kind"`
		Index json.RawMessage `json:"index"`
		Name  string          `json:"name"`
		Mode  QueryParamMode  `json:"mode"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return &errs.ConfigError{Msg: "invalid part reference: " + err.Error()}
	}
	p.Kind, p.Name, p.Mode = w.Kind, w.Name, w.Mode
	p.Index = nil
	if len(w.Index) == 0 || string(w.Index) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(w.Index, &s); err == nil {
		n, perr := ParseIndexLiteral(s)
		if perr != nil {
			return perr
		}
		p.Index = &n
		return nil
	}
	var n int
	if err := json.Unmarshal(w.Index, &n); err != nil {
		return &errs.ConfigError{Msg: "invalid part index: " + string(w.Index)}
	}
	p.Index = &n
	return nil
}

// Get reads a part, returning (value, ok, err). ok is false when the
// part does not exist (e.g. no port); err is non-nil only for malformed
// requests (bad index).
func (u *URL) Get(p Part) (string, bool, error) {
	switch p.Kind {
	case PartWhole:
		return u.String(), true, nil
	case PartScheme:
		return u.Scheme, true, nil
	case PartUsername:
		if !u.HasAuth {
			return "", false, nil
		}
		return u.Username, true, nil
	case PartPassword:
		if !u.HasPass {
			return "", false, nil
		}
		return u.Password, true, nil
	case PartHost:
		return u.Host.Raw, true, nil
	case PartPort:
		if u.Port == "" {
			return "", false, nil
		}
		return u.Port, true, nil
	case PartSubdomain:
		if !u.Host.HasSplit {
			return "", false, nil
		}
		return u.Host.Subdomain, true, nil
	case PartDomainMiddle:
		if !u.Host.HasSplit {
			return "", false, nil
		}
		return u.Host.Middle, true, nil
	case PartSuffix:
		if !u.Host.HasSplit {
			return "", false, nil
		}
		return u.Host.Suffix, true, nil
	case PartNormalizedHost:
		return u.Host.NormalizedHost(), true, nil
	case PartRegDomain:
		if !u.Host.HasSplit {
			return "", false, nil
		}
		return u.Host.RegDomain(), true, nil
	case PartPath:
		return u.Path.String(), true, nil
	case PartPathSegment:
		return u.getPathSegment(p)
	case PartQuery:
		return u.queryString(), u.queryString() != "", nil
	case PartQueryParam:
		return u.getQueryParam(p)
	case PartFragment:
		if u.Fragment == nil {
			return "", false, nil
		}
		return *u.Fragment, true, nil
	default:
		return "", false, &errs.ConfigError{Msg: "unknown part kind: " + string(p.Kind)}
	}
}

// Set writes a part. A nil value deletes the part when deletable; a
// non-nil value sets it. Setting an invalid value fails with
// InvalidUrlPartValueError.
func (u *URL) Set(p Part, value *string) error {
	switch p.Kind {
	case PartWhole:
		if value == nil {
			return &errs.InvalidUrlPartValueError{Part: string(p.Kind), Value: "", Cause: errUndeletable}
		}
		parsed, err := Parse(*value)
		if err != nil {
			return &errs.InvalidUrlPartValueError{Part: string(p.Kind), Value: *value, Cause: err}
		}
		*u = *parsed
		return nil
	case PartScheme:
		if value == nil {
			return &errs.InvalidUrlPartValueError{Part: string(p.Kind), Cause: errUndeletable}
		}
		u.Scheme = strings.ToLower(*value)
		return nil
	case PartUsername:
		if value == nil {
			u.HasAuth, u.Username = false, ""
			return nil
		}
		u.HasAuth, u.Username = true, *value
		return nil
	case PartPassword:
		if value == nil {
			u.HasPass, u.Password = false, ""
			return nil
		}
		u.HasAuth, u.HasPass, u.Password = true, true, *value
		return nil
	case PartHost:
		if value == nil {
			return &errs.InvalidUrlPartValueError{Part: string(p.Kind), Cause: errUndeletable}
		}
		hostname := strings.ToLower(strings.TrimSuffix(*value, "."))
		if hostname == "" {
			return &errs.InvalidUrlPartValueError{Part: string(p.Kind), Value: *value, Cause: errEmptyHost}
		}
		u.Host = makeHost(hostname)
		return nil
	case PartPort:
		if value == nil {
			u.Port = ""
			return nil
		}
		if !isNumeric(*value) {
			return &errs.InvalidUrlPartValueError{Part: string(p.Kind), Value: *value, Cause: errBadPort}
		}
		u.Port = *value
		return nil
	case PartPath:
		if value == nil {
			u.Path = Path{}
			return nil
		}
		u.Path = parsePath(*value)
		return nil
	case PartPathSegment:
		return u.setPathSegment(p, value)
	case PartQuery:
		if value == nil {
			u.Query = nil
			return nil
		}
		u.Query = parseQuery(strings.TrimPrefix(*value, "?"))
		return nil
	case PartQueryParam:
		return u.setQueryParam(p, value)
	case PartFragment:
		u.Fragment = value
		return nil
	case PartSubdomain, PartDomainMiddle, PartSuffix, PartNormalizedHost, PartRegDomain:
		return &errs.ConfigError{Msg: string(p.Kind) + " is a derived read-only view, set host instead"}
	default:
		return &errs.ConfigError{Msg: "unknown part kind: " + string(p.Kind)}
	}
}

func (u *URL) getPathSegment(p Part) (string, bool, error) {
	idx, err := resolveIndex(p.Index, len(u.Path.Segments))
	if err != nil {
		return "", false, err
	}
	if idx < 0 || idx >= len(u.Path.Segments) {
		return "", false, nil
	}
	return u.Path.Segments[idx], true, nil
}

func (u *URL) setPathSegment(p Part, value *string) error {
	idx, err := resolveIndex(p.Index, len(u.Path.Segments))
	if err != nil {
		return err
	}
	if idx < 0 || idx >= len(u.Path.Segments) {
		return &errs.IndexOutOfBoundsError{Index: derefIndex(p.Index), Len: len(u.Path.Segments)}
	}
	if value == nil {
		u.Path.Segments = append(u.Path.Segments[:idx], u.Path.Segments[idx+1:]...)
		return nil
	}
	u.Path.Segments[idx] = *value
	return nil
}

// resolveIndex converts a possibly-negative, possibly-absent index into
// an absolute offset. A nil index resolves to one past the end, which
// Get reports as absent and Set rejects with IndexOutOfBoundsError
// (callers check bounds after).
func resolveIndex(idx *int, length int) (int, error) {
	if idx == nil {
		return length, nil // append
	}
	i := *idx
	if i < 0 {
		return length + i, nil
	}
	return i, nil
}

func derefIndex(idx *int) int {
	if idx == nil {
		return 0
	}
	return *idx
}

func (u *URL) getQueryParam(p Part) (string, bool, error) {
	switch p.Mode {
	case QPIndex:
		idx, err := resolveIndex(p.Index, len(u.Query))
		if err != nil {
			return "", false, err
		}
		if idx < 0 || idx >= len(u.Query) {
			return "", false, nil
		}
		qp := u.Query[idx]
		if qp.Value == nil {
			return "", true, nil
		}
		return *qp.Value, true, nil
	case QPAll:
		var vals []string
		for _, qp := range u.Query {
			if qp.Name != p.Name {
				continue
			}
			if qp.Value == nil {
				vals = append(vals, "")
				continue
			}
			vals = append(vals, *qp.Value)
		}
		if len(vals) == 0 {
			return "", false, nil
		}
		return strings.Join(vals, ","), true, nil
	default: // QPFirst
		for _, qp := range u.Query {
			if qp.Name != p.Name {
				continue
			}
			if qp.Value == nil {
				return "", true, nil
			}
			return *qp.Value, true, nil
		}
		return "", false, nil
	}
}

func (u *URL) setQueryParam(p Part, value *string) error {
	if p.Mode == QPIndex {
		idx, err := resolveIndex(p.Index, len(u.Query))
		if err != nil {
			return err
		}
		if idx < 0 || idx >= len(u.Query) {
			return &errs.IndexOutOfBoundsError{Index: derefIndex(p.Index), Len: len(u.Query)}
		}
		if value == nil {
			u.Query = append(u.Query[:idx], u.Query[idx+1:]...)
			return nil
		}
		u.Query[idx].Value = value
		return nil
	}

	found := false
	res := make([]QueryParam, 0, len(u.Query))
	for _, qp := range u.Query {
		if qp.Name != p.Name {
			res = append(res, qp)
			continue
		}
		if value == nil {
			continue // drop all occurrences
		}
		if !found {
			res = append(res, QueryParam{Name: p.Name, Value: value})
			found = true
			continue
		}
		// subsequent occurrences with the same name are dropped on write
	}
	if value != nil && !found {
		res = append(res, QueryParam{Name: p.Name, Value: value})
	}
	u.Query = res
	return nil
}

// ParseIndexLiteral parses a path-segment/query-param index as it
// appears in cleaner JSON, where it is written as a decimal string so
// the distinction between "0" and the invalid "-0" survives: -1 means
// the last element, but "-0" is never a meaningful index and is
// rejected rather than silently treated as 0.
func ParseIndexLiteral(s string) (int, error) {
	if s == "-0" {
		return 0, &errs.ConfigError{Msg: `"-0" is not a valid index`}
	}
	neg := strings.HasPrefix(s, "-")
	digits := strings.TrimPrefix(s, "-")
	if digits == "" || !isNumeric(digits) {
		return 0, &errs.ConfigError{Msg: "invalid index literal: " + s}
	}
	n := 0
	for _, r := range digits {
		n = n*10 + int(r-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var (
	errUndeletable = modelError("part cannot be deleted")
	errEmptyHost   = modelError("host cannot be empty")
	errBadPort     = modelError("port must be numeric")
)

package expr

import (
	"encoding/json"
	"strings"

	"github.com/urlclean/urlclean/internal/errs"
	"github.com/urlclean/urlclean/internal/urlmodel"
)

// StringSource is the value-producing expression of the cleaner
// language: given the current task state, it yields a string, or
// ok=false when the thing it reads (a missing query param, an unset
// var) simply isn't present.
type StringSource interface {
	Eval(c *Ctx) (value string, ok bool, err error)
}

// DecodeStringSource parses one externally-tagged StringSource node.
func DecodeStringSource(data []byte) (StringSource, error) {
	tag, payload, err := decodeTag(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case "Literal":
		var v struct{ Value string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return Literal{Value: v.Value}, nil
	case "Part":
		var v struct{ Part urlmodel.Part }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return PartRead{Part: v.Part}, nil
	case "EnvVar":
		var v struct{ Name string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return EnvVar{Name: v.Name}, nil
	case "ParamVar":
		var v struct{ Name string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return ParamVar{Name: v.Name}, nil
	case "ParamEnvVar":
		var v struct{ Name string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return ParamEnvVar{Name: v.Name}, nil
	case "ParamsMap":
		var v struct {
			Name string
			Key  json.RawMessage
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		key, err := DecodeStringSource(v.Key)
		if err != nil {
			return nil, err
		}
		return ParamsMapLookup{Name: v.Name, Key: key}, nil
	case "JobContextVar":
		var v struct{ Name string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return JobContextVar{Name: v.Name}, nil
	case "TaskContextVar":
		var v struct{ Name string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return TaskContextVar{Name: v.Name}, nil
	case "ScratchpadVar":
		var v struct{ Name string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return ScratchpadVar{Name: v.Name}, nil
	case "Join":
		var v struct {
			Sep    string
			Values []json.RawMessage
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		values := make([]StringSource, 0, len(v.Values))
		for _, raw := range v.Values {
			p, err := DecodeStringSource(raw)
			if err != nil {
				return nil, err
			}
			values = append(values, p)
		}
		return Join{Sep: v.Sep, Values: values}, nil
	case "Modified":
		var v struct {
			Value        json.RawMessage
			Modification json.RawMessage
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		src, err := DecodeStringSource(v.Value)
		if err != nil {
			return nil, err
		}
		mod, err := DecodeStringModification(v.Modification)
		if err != nil {
			return nil, err
		}
		return Modified{Value: src, Modification: mod}, nil
	case "IfFlag":
		var v struct {
			Flag string
			Then json.RawMessage
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		then, err := DecodeStringSource(v.Then)
		if err != nil {
			return nil, err
		}
		els, err := DecodeStringSource(elseBranch(payload))
		if err != nil {
			return nil, err
		}
		return IfFlag{Flag: v.Flag, Then: then, Else: els}, nil
	case "Common":
		var v struct{ Name string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &errs.ConfigError{Msg: err.Error()}
		}
		return SourceCommon{Name: v.Name}, nil
	default:
		return nil, unknownVariant("StringSource", tag)
	}
}

// Literal always yields its fixed Value.
type Literal struct{ Value string }

func (s Literal) Eval(*Ctx) (string, bool, error) { return s.Value, true, nil }

// PartRead reads a named URL part.
type PartRead struct{ Part urlmodel.Part }

func (s PartRead) Eval(c *Ctx) (string, bool, error) {
	return c.State.URL.Get(s.Part)
}

// EnvVar reads an OS environment variable snapshot taken at engine
// startup and exposed via Params.EnvVars, never the live process
// environment, so a job's behavior doesn't depend on what else is
// running on the host at the moment a task happens to execute.
type EnvVar struct{ Name string }

func (s EnvVar) Eval(c *Ctx) (string, bool, error) {
	v, ok := c.State.Params.EnvVars[s.Name]
	return v, ok, nil
}

// ParamVar reads a job-scoped Params.Vars entry.
type ParamVar struct{ Name string }

func (s ParamVar) Eval(c *Ctx) (string, bool, error) {
	v, ok := c.State.Params.Vars[s.Name]
	return v, ok, nil
}

// ParamEnvVar is an explicit alias of EnvVar kept distinct in the wire
// format so a cleaner can tell "read the captured environment" apart
// from "read a param the loader computed" even though both currently
// resolve through the same Params.EnvVars map.
type ParamEnvVar struct{ Name string }

func (s ParamEnvVar) Eval(c *Ctx) (string, bool, error) {
	v, ok := c.State.Params.EnvVars[s.Name]
	return v, ok, nil
}

// ParamsMapLookup reads Params.Maps[Name][Key], where Key is itself a
// StringSource (so the lookup key can be computed, e.g. from the host).
type ParamsMapLookup struct {
	Name string
	Key  StringSource
}

func (s ParamsMapLookup) Eval(c *Ctx) (string, bool, error) {
	key, ok, err := s.Key.Eval(c)
	if err != nil || !ok {
		return "", false, err
	}
	m, ok := c.State.Params.Maps[s.Name]
	if !ok {
		return "", false, nil
	}
	v, ok := m[key]
	return v, ok, nil
}

// JobContextVar reads a per-batch JobContext.Vars entry.
type JobContextVar struct{ Name string }

func (s JobContextVar) Eval(c *Ctx) (string, bool, error) {
	v, ok := c.State.JobContext.Vars[s.Name]
	return v, ok, nil
}

// TaskContextVar reads a per-task TaskContext.Vars entry.
type TaskContextVar struct{ Name string }

func (s TaskContextVar) Eval(c *Ctx) (string, bool, error) {
	v, ok := c.State.TaskContext.Vars[s.Name]
	return v, ok, nil
}

// ScratchpadVar reads a task-local Scratchpad variable.
type ScratchpadVar struct{ Name string }

func (s ScratchpadVar) Eval(c *Ctx) (string, bool, error) {
	v, ok := c.State.Scratchpad.Get(s.Name)
	return v, ok, nil
}

// Join concatenates each value with Sep. A value that yields nothing is
// skipped rather than failing the whole join.
type Join struct {
	Sep    string
	Values []StringSource
}

func (s Join) Eval(c *Ctx) (string, bool, error) {
	vals := make([]string, 0, len(s.Values))
	for _, p := range s.Values {
		v, ok, err := p.Eval(c)
		if err != nil {
			return "", false, err
		}
		if ok {
			vals = append(vals, v)
		}
	}
	return strings.Join(vals, s.Sep), true, nil
}

// Modified evaluates Value then runs it through Modification.
type Modified struct {
	Value        StringSource
	Modification StringModification
}

func (s Modified) Eval(c *Ctx) (string, bool, error) {
	v, ok, err := s.Value.Eval(c)
	if err != nil || !ok {
		return "", ok, err
	}
	out, err := s.Modification.Apply(c, v)
	if err != nil {
		return "", false, err
	}
	return out, true, nil
}

// IfFlag selects Then or Else based on whether Flag is set in Params.
type IfFlag struct {
	Flag       string
	Then, Else StringSource
}

func (s IfFlag) Eval(c *Ctx) (string, bool, error) {
	if c.State.Params.HasFlag(s.Flag) {
		return s.Then.Eval(c)
	}
	return s.Else.Eval(c)
}

// SourceCommon dispatches to Commons.StringSources[Name].
type SourceCommon struct{ Name string }

func (s SourceCommon) Eval(c *Ctx) (string, bool, error) {
	target, ok := c.Commons.StringSources[s.Name]
	if !ok {
		return "", false, &errs.ConfigError{Msg: "undefined string source common: " + s.Name}
	}
	release, err := c.enterCommon(s.Name)
	if err != nil {
		return "", false, err
	}
	defer release()
	return target.Eval(c)
}

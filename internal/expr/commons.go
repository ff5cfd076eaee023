package expr

import (
	"encoding/json"

	"github.com/urlclean/urlclean/internal/errs"
)

// Commons is the named-subtree lookup table a cleaner document
// declares: each map holds Common-referenceable definitions for one of
// the five expression kinds. Names are resolved by lookup at evaluation
// time, not linked when the document loads, so two commons are free to
// refer to each other without the loader having to order them.
type Commons struct {
	StringSources map[string]StringSource
	Matchers      map[string]StringMatcher
	Modifications map[string]StringModification
	Conditions    map[string]Condition
	Actions       map[string]Action
}

// NewCommons returns an empty, non-nil Commons.
func NewCommons() *Commons {
	return &Commons{
		StringSources: map[string]StringSource{},
		Matchers:      map[string]StringMatcher{},
		Modifications: map[string]StringModification{},
		Conditions:    map[string]Condition{},
		Actions:       map[string]Action{},
	}
}

// commonsWire is the JSON shape of a cleaner document's "commons"
// object: each value is still externally-tagged JSON, decoded lazily
// via the matching Decode* function.
type commonsWire struct {
	StringSources map[string]json.RawMessage `json:"string_sources"`
	Matchers      map[string]json.RawMessage `json:"matchers"`
	Modifications map[string]json.RawMessage `json:"modifications"`
	Conditions    map[string]json.RawMessage `json:"conditions"`
	Actions       map[string]json.RawMessage `json:"actions"`
}

// UnmarshalJSON decodes a cleaner document's "commons" object.
func (c *Commons) UnmarshalJSON(data []byte) error {
	var w commonsWire
	if err := json.Unmarshal(data, &w); err != nil {
		return &errs.ConfigError{Msg: err.Error()}
	}

	*c = *NewCommons()

	for name, raw := range w.StringSources {
		v, err := DecodeStringSource(raw)
		if err != nil {
			return err
		}
		c.StringSources[name] = v
	}
	for name, raw := range w.Matchers {
		v, err := DecodeStringMatcher(raw)
		if err != nil {
			return err
		}
		c.Matchers[name] = v
	}
	for name, raw := range w.Modifications {
		v, err := DecodeStringModification(raw)
		if err != nil {
			return err
		}
		c.Modifications[name] = v
	}
	for name, raw := range w.Conditions {
		v, err := DecodeCondition(raw)
		if err != nil {
			return err
		}
		c.Conditions[name] = v
	}
	for name, raw := range w.Actions {
		v, err := DecodeAction(raw)
		if err != nil {
			return err
		}
		c.Actions[name] = v
	}
	return nil
}

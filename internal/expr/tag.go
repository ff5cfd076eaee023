// Package expr implements the declarative expression language and the
// action interpreter as one package: StringSource, StringMatcher,
// StringModification and Condition all appear inside Action nodes and
// inside each other (an If action needs a Condition, an IfCondition
// modification needs one too, and Commons dispatches through a single
// lookup table shared by every kind), so splitting them into separate
// packages would force the dispatch table to import both sides and
// create a cycle.
package expr

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/urlclean/urlclean/internal/errs"
)

// decodeTag unmarshals an externally-tagged JSON value, either
// {"VariantName": <payload>} or the bare string "VariantName" for
// payload-less variants, and returns the tag and raw payload.
func decodeTag(data []byte) (string, json.RawMessage, error) {
	var tag string
	if err := json.Unmarshal(data, &tag); err == nil {
		return tag, nil, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return "", nil, &errs.ConfigError{Msg: fmt.Sprintf("not an externally-tagged object: %v", err)}
	}
	if len(m) != 1 {
		return "", nil, &errs.ConfigError{Msg: fmt.Sprintf("expected exactly one variant tag, got %d", len(m))}
	}
	for k, v := range m {
		return k, v, nil
	}
	panic("unreachable")
}

func unknownVariant(kind, tag string) error {
	return &errs.ConfigError{Msg: fmt.Sprintf("unknown %s variant %q", kind, tag)}
}

// elseBranch pulls a conditional node's else branch out of its raw
// payload, accepting the "else" and "else_" spellings in any casing.
func elseBranch(payload json.RawMessage) json.RawMessage {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil
	}
	for _, key := range []string{"else", "else_"} {
		for k, v := range m {
			if strings.EqualFold(k, key) {
				return v
			}
		}
	}
	return nil
}

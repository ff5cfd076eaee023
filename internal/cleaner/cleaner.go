// Package cleaner loads a cleaner document: the JSON file that
// ties together a Commons table, default Params, and a root Action, the
// top-level unit the job runner applies to every task's URL.
package cleaner

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/urlclean/urlclean/internal/expr"
	"github.com/urlclean/urlclean/internal/params"
)

// maxDocDepth guards against adversarially deep JSON nesting in a
// cleaner document; encoding/json has no native depth limit, so a
// crafted document could otherwise exhaust the stack during decode.
const maxDocDepth = 1024

// Cleaner is one loaded cleaner document.
type Cleaner struct {
	Docs    string // free-text description, surfaced only for humans
	Params  *params.Params
	Commons *expr.Commons
	Root    expr.Action
}

// wireDoc is the on-disk JSON shape of a cleaner document. The root
// action may be given either as a single "action" node or as an
// "actions" array, treated as an implicit top-level All.
type wireDoc struct {
	Docs    string            `json:"docs"`
	Params  *wireParams       `json:"params"`
	Commons *expr.Commons     `json:"commons"`
	Action  json.RawMessage   `json:"action"`
	Actions []json.RawMessage `json:"actions"`
}

type wireParams struct {
	Flags         []string                     `json:"flags"`
	Vars          map[string]string            `json:"vars"`
	EnvVars       []string                     `json:"env_vars"`
	Sets          map[string][]string          `json:"sets"`
	Lists         map[string][]string          `json:"lists"`
	Maps          map[string]map[string]string `json:"maps"`
	Partitionings map[string]wirePartitioning  `json:"partitionings"`
}

// wirePartitioning is the document shape of one partitioning: each
// category lists the values it contains, plus the category every other
// value falls into.
type wirePartitioning struct {
	Categories map[string][]string `json:"categories"`
	Default    string              `json:"default"`
}

func (w wirePartitioning) partitioning() params.Partitioning {
	p := params.Partitioning{Default: w.Default, Categories: map[string]string{}}
	for category, values := range w.Categories {
		for _, v := range values {
			p.Categories[v] = category
		}
	}
	return p
}

// Load reads and parses a cleaner document from path.
func Load(path string) (*Cleaner, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied config, not user input
	if err != nil {
		return nil, errors.Wrapf(err, "can't read cleaner document %s", path)
	}
	return Parse(data)
}

// Parse parses a cleaner document's raw JSON bytes.
func Parse(data []byte) (*Cleaner, error) {
	if depth, ok := jsonDepth(data); !ok || depth > maxDocDepth {
		return nil, errors.Errorf("cleaner document nesting exceeds limit of %d", maxDocDepth)
	}

	var w wireDoc
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrap(err, "can't parse cleaner document")
	}

	root, err := decodeRootAction(w)
	if err != nil {
		return nil, errors.Wrap(err, "can't parse cleaner root action")
	}

	commons := w.Commons
	if commons == nil {
		commons = expr.NewCommons()
	}

	p := params.New()
	if w.Params != nil {
		for _, f := range w.Params.Flags {
			p.Flags[f] = struct{}{}
		}
		for k, v := range w.Params.Vars {
			p.Vars[k] = v
		}
		for _, name := range w.Params.EnvVars {
			if v, ok := os.LookupEnv(name); ok {
				p.EnvVars[name] = v
			}
		}
		for name, values := range w.Params.Sets {
			set := make(map[string]struct{}, len(values))
			for _, v := range values {
				set[v] = struct{}{}
			}
			p.Sets[name] = set
		}
		for name, values := range w.Params.Lists {
			p.Lists[name] = append([]string(nil), values...)
		}
		for name, kv := range w.Params.Maps {
			m := make(map[string]string, len(kv))
			for k, v := range kv {
				m[k] = v
			}
			p.Maps[name] = m
		}
		for name, wp := range w.Params.Partitionings {
			p.Partitionings[name] = wp.partitioning()
		}
	}

	return &Cleaner{Docs: w.Docs, Params: p, Commons: commons, Root: root}, nil
}

// decodeRootAction accepts either a single "action" node or an "actions"
// array (implicitly wrapped in an All).
func decodeRootAction(w wireDoc) (expr.Action, error) {
	if len(w.Action) > 0 {
		return expr.DecodeAction(w.Action)
	}
	return expr.DecodeActionSequence(w.Actions)
}

// jsonDepth does a cheap structural pass over raw JSON bytes to find its
// maximum brace/bracket nesting depth, without fully decoding it into Go
// values first (decoding first would already have paid the cost this
// guards against).
func jsonDepth(data []byte) (int, bool) {
	depth, max := 0, 0
	inString := false
	escaped := false
	for _, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > max {
				max = depth
			}
		case '}', ']':
			depth--
			if depth < 0 {
				return 0, false
			}
		}
	}
	return max, depth == 0
}

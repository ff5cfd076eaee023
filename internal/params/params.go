// Package params implements the Params/ParamsDiff/JobContext/TaskContext/
// Scratchpad data model: the process- or job-scoped configuration
// bundle the expression language and action interpreter read from, and
// the per-batch/per-task side data a caller supplies alongside a URL.
//
// Diffs overlay a base bundle the same way layered rule providers do:
// successive sources applied on top of the base, in order.
package params

// Params is the process- or job-scoped configuration bundle.
type Params struct {
	Flags         map[string]struct{}
	Vars          map[string]string
	EnvVars       map[string]string
	Sets          map[string]map[string]struct{}
	Lists         map[string][]string
	Maps          map[string]map[string]string
	Partitionings map[string]Partitioning
}

// Partitioning is a function from string -> category label, implemented
// as a multi-valued mapping with a default.
type Partitioning struct {
	Categories map[string]string // value -> category
	Default    string
}

// Category returns the category for a value, falling back to the
// partitioning's default.
func (p Partitioning) Category(value string) string {
	if cat, ok := p.Categories[value]; ok {
		return cat
	}
	return p.Default
}

// New returns an empty, non-nil Params.
func New() *Params {
	return &Params{
		Flags:         map[string]struct{}{},
		Vars:          map[string]string{},
		EnvVars:       map[string]string{},
		Sets:          map[string]map[string]struct{}{},
		Lists:         map[string][]string{},
		Maps:          map[string]map[string]string{},
		Partitionings: map[string]Partitioning{},
	}
}

// HasFlag reports whether a boolean flag is set.
func (p *Params) HasFlag(name string) bool {
	_, ok := p.Flags[name]
	return ok
}

// InSet reports whether value is a member of the named set.
func (p *Params) InSet(name, value string) bool {
	set, ok := p.Sets[name]
	if !ok {
		return false
	}
	_, ok = set[value]
	return ok
}

// Clone returns a deep copy, the base a ParamsDiff is applied onto to
// produce a job's effective view, leaving the base untouched for
// concurrently-running jobs.
func (p *Params) Clone() *Params {
	cp := New()
	for k := range p.Flags {
		cp.Flags[k] = struct{}{}
	}
	for k, v := range p.Vars {
		cp.Vars[k] = v
	}
	for k, v := range p.EnvVars {
		cp.EnvVars[k] = v
	}
	for k, set := range p.Sets {
		ns := make(map[string]struct{}, len(set))
		for v := range set {
			ns[v] = struct{}{}
		}
		cp.Sets[k] = ns
	}
	for k, lst := range p.Lists {
		cp.Lists[k] = append([]string(nil), lst...)
	}
	for k, m := range p.Maps {
		nm := make(map[string]string, len(m))
		for mk, mv := range m {
			nm[mk] = mv
		}
		cp.Maps[k] = nm
	}
	for k, part := range p.Partitionings {
		np := Partitioning{Default: part.Default, Categories: make(map[string]string, len(part.Categories))}
		for ck, cv := range part.Categories {
			np.Categories[ck] = cv
		}
		cp.Partitionings[k] = np
	}
	return cp
}

// JobContext is read-only per-batch side data, e.g. the host of the
// page the URLs came from.
type JobContext struct {
	Flags map[string]struct{}
	Vars  map[string]string
}

// HasFlag reports whether a job-context flag is set.
func (c JobContext) HasFlag(name string) bool {
	_, ok := c.Flags[name]
	return ok
}

// TaskContext is read-only per-task side data supplied by the caller
// e.g. link text or site name. Same shape as JobContext.
type TaskContext struct {
	Flags map[string]struct{}
	Vars  map[string]string
}

// HasFlag reports whether a task-context flag is set.
func (c TaskContext) HasFlag(name string) bool {
	_, ok := c.Flags[name]
	return ok
}

// Scratchpad is task-local mutable string-valued state, created empty
// per task and destroyed at task end.
type Scratchpad struct {
	vars map[string]string
}

// NewScratchpad returns an empty scratchpad.
func NewScratchpad() *Scratchpad {
	return &Scratchpad{vars: map[string]string{}}
}

// Get returns a scratchpad variable and whether it was set.
func (s *Scratchpad) Get(name string) (string, bool) {
	v, ok := s.vars[name]
	return v, ok
}

// Set assigns a scratchpad variable.
func (s *Scratchpad) Set(name, value string) {
	s.vars[name] = value
}

// Delete removes a scratchpad variable.
func (s *Scratchpad) Delete(name string) {
	delete(s.vars, name)
}

// Snapshot returns a copy of the current variables, used by action.Repeat
// to detect a fixed point across iterations.
func (s *Scratchpad) Snapshot() map[string]string {
	cp := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		cp[k] = v
	}
	return cp
}

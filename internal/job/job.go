// Package job implements the task-line protocol and worker pool:
// parsing one task per input line (or a JSON batch of many), running
// each through a loaded cleaner, and producing results in the same
// order the tasks were given regardless of which one finishes first.
package job

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/urlclean/urlclean/internal/cache"
	"github.com/urlclean/urlclean/internal/cleaner"
	"github.com/urlclean/urlclean/internal/errs"
	"github.com/urlclean/urlclean/internal/expr"
	"github.com/urlclean/urlclean/internal/mgmt"
	"github.com/urlclean/urlclean/internal/params"
	"github.com/urlclean/urlclean/internal/redirect"
	"github.com/urlclean/urlclean/internal/state"
	"github.com/urlclean/urlclean/internal/urlmodel"
)

// Task is one unit of work: a URL plus its caller-supplied context.
type Task struct {
	Index   int
	URL     string
	Context params.TaskContext
}

// Result is one task's outcome, carrying the same Index as its Task so
// callers can restore order even if they collected results out of
// order.
type Result struct {
	Index int
	URL   string
	Err   error
}

// ParseLine parses one task line: a bare URL (first character an ASCII
// letter), a JSON object ({"url": "...", "context": {...}}), or a
// JSON-quoted URL string. Any other shape is an
// *errs.InvalidTaskLineError.
func ParseLine(line string) (Task, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Task{}, &errs.InvalidTaskLineError{Line: line}
	}

	switch {
	case trimmed[0] == '{':
		var obj wireTask
		if err := json.Unmarshal([]byte(trimmed), &obj); err != nil || obj.URL == "" {
			return Task{}, &errs.InvalidTaskLineError{Line: line}
		}
		return Task{URL: obj.URL, Context: obj.taskContext()}, nil

	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err != nil || s == "" {
			return Task{}, &errs.InvalidTaskLineError{Line: line}
		}
		return Task{URL: s, Context: emptyTaskContext()}, nil

	case isASCIILetter(trimmed[0]):
		return Task{URL: trimmed, Context: emptyTaskContext()}, nil

	default:
		return Task{}, &errs.InvalidTaskLineError{Line: line}
	}
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func emptyTaskContext() params.TaskContext {
	return params.TaskContext{Flags: map[string]struct{}{}, Vars: map[string]string{}}
}

// wireTask is the JSON shape of one task, shared by single task lines
// and the tasks array of a batch envelope.
type wireTask struct {
	URL     string       `json:"url"`
	Context *wireContext `json:"context"`
}

func (t wireTask) taskContext() params.TaskContext {
	tc := emptyTaskContext()
	if t.Context != nil {
		for _, f := range t.Context.Flags {
			tc.Flags[f] = struct{}{}
		}
		for k, v := range t.Context.Vars {
			tc.Vars[k] = v
		}
	}
	return tc
}

type wireContext struct {
	Flags []string          `json:"flags"`
	Vars  map[string]string `json:"vars"`
}

// Batch is the JSON batch envelope: {"tasks": [...], "context": {...},
// "params_diff": {...}}.
type Batch struct {
	Tasks      []Task
	JobContext params.JobContext
	Diff       *params.Diff
}

type wireBatch struct {
	Tasks      []wireTask   `json:"tasks"`
	Context    *wireContext `json:"context"`
	ParamsDiff *wireDiff    `json:"params_diff"`
}

type wireDiff struct {
	SetFlags         []string                     `json:"set_flags"`
	UnsetFlags       []string                     `json:"unset_flags"`
	SetVars          map[string]string            `json:"set_vars"`
	UnsetVars        []string                     `json:"unset_vars"`
	AddSet           map[string][]string          `json:"add_set"`
	RemoveSet        map[string][]string          `json:"remove_set"`
	AddList          map[string][]string          `json:"add_list"`
	RemoveList       map[string][]string          `json:"remove_list"`
	AddMap           map[string]map[string]string `json:"add_map"`
	RemoveMapKeys    map[string][]string          `json:"remove_map_keys"`
	SetPartitionings map[string]wirePartitioning  `json:"set_partitionings"`
}

// wirePartitioning is the JSON shape of one partitioning override: each
// category lists the values it contains, plus a default category for
// everything else.
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

// ParseBatch parses a JSON batch envelope line.
func ParseBatch(data []byte) (Batch, error) {
	var w wireBatch
	if err := json.Unmarshal(data, &w); err != nil {
		return Batch{}, &errs.InvalidTaskLineError{Line: string(data)}
	}

	tasks := make([]Task, 0, len(w.Tasks))
	for i, t := range w.Tasks {
		if t.URL == "" {
			return Batch{}, &errs.InvalidTaskLineError{Line: string(data)}
		}
		tasks = append(tasks, Task{Index: i, URL: t.URL, Context: t.taskContext()})
	}

	jc := params.JobContext{Flags: map[string]struct{}{}, Vars: map[string]string{}}
	if w.Context != nil {
		for _, f := range w.Context.Flags {
			jc.Flags[f] = struct{}{}
		}
		for k, v := range w.Context.Vars {
			jc.Vars[k] = v
		}
	}

	var diff *params.Diff
	if w.ParamsDiff != nil {
		diff = &params.Diff{
			SetFlags:      w.ParamsDiff.SetFlags,
			UnsetFlags:    w.ParamsDiff.UnsetFlags,
			SetVars:       w.ParamsDiff.SetVars,
			UnsetVars:     w.ParamsDiff.UnsetVars,
			AddSet:        w.ParamsDiff.AddSet,
			RemoveSet:     w.ParamsDiff.RemoveSet,
			AddList:       w.ParamsDiff.AddList,
			RemoveList:    w.ParamsDiff.RemoveList,
			AddMap:        w.ParamsDiff.AddMap,
			RemoveMapKeys: w.ParamsDiff.RemoveMapKeys,
		}
		if len(w.ParamsDiff.SetPartitionings) > 0 {
			diff.SetPartitionings = make(map[string]params.Partitioning, len(w.ParamsDiff.SetPartitionings))
			for name, wp := range w.ParamsDiff.SetPartitionings {
				diff.SetPartitionings[name] = wp.partitioning()
			}
		}
	}

	return Batch{Tasks: tasks, JobContext: jc, Diff: diff}, nil
}

// Runner applies a loaded cleaner to a set of tasks.
type Runner struct {
	Cleaner    *cleaner.Cleaner
	Redirect   redirect.Config
	Cache      *cache.Store
	HTTPClient *http.Client

	// Workers is the worker-pool size. 0 or 1 run every task on the
	// calling goroutine, in order, for cleaners that must not be
	// evaluated concurrently (e.g. while iterating on a pathological
	// commons tree that isn't yet known to terminate).
	Workers int

	Metrics *mgmt.Metrics
}

// Run applies the cleaner to every task and returns one Result per task,
// ordered identically to tasks regardless of which task's worker
// finished first.
func (r *Runner) Run(ctx context.Context, tasks []Task, jobCtx params.JobContext, effParams *params.Params) []Result {
	results := make([]Result, len(tasks))

	worker := func(t Task) Result {
		cleaned, err := r.runOne(ctx, t, jobCtx, effParams)
		res := Result{Index: t.Index, URL: cleaned, Err: err}
		if r.Metrics != nil {
			r.Metrics.TaskDone(err == nil)
		}
		return res
	}

	if r.Workers <= 1 {
		for i, t := range tasks {
			results[i] = worker(t)
		}
		return results
	}

	sem := make(chan struct{}, r.Workers)
	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, t Task) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = worker(t)
		}(i, t)
	}
	wg.Wait()
	return results
}

func (r *Runner) runOne(ctx context.Context, t Task, jobCtx params.JobContext, effParams *params.Params) (string, error) {
	u, err := urlmodel.Parse(t.URL)
	if err != nil {
		return "", err
	}

	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	ts := state.New(u, effParams, jobCtx, t.Context, r.Cache, client)
	c := expr.NewCtx(ctx, ts, r.Cleaner.Commons, r.Redirect)

	if err := r.Cleaner.Root.Apply(c); err != nil {
		return "", err
	}
	return ts.URL.String(), nil
}

// AnyFailed reports whether at least one result carries an error.
func AnyFailed(results []Result) bool {
	for _, r := range results {
		if r.Err != nil {
			return true
		}
	}
	return false
}

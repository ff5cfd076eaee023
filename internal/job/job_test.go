package job

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/urlclean/urlclean/internal/cache"
	"github.com/urlclean/urlclean/internal/cleaner"
	"github.com/urlclean/urlclean/internal/errs"
	"github.com/urlclean/urlclean/internal/expr"
	"github.com/urlclean/urlclean/internal/params"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParseLine_Variants(t *testing.T) {
	t1, err := ParseLine("https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", t1.URL)

	t2, err := ParseLine(`"https://example.com/q"`)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/q", t2.URL)

	t3, err := ParseLine(`{"url":"https://example.com/r","context":{"vars":{"site":"x"}}}`)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/r", t3.URL)
	assert.Equal(t, "x", t3.Context.Vars["site"])

	_, err = ParseLine("   ")
	require.Error(t, err)

	_, err = ParseLine("-not a url")
	require.Error(t, err)

	_, err = ParseLine("42nd-street")
	require.Error(t, err)
}

func TestParseBatch(t *testing.T) {
	data := []byte(`{
		"tasks": [{"url": "https://a.example/"}, {"url": "https://b.example/"}],
		"context": {"vars": {"crawl": "1"}},
		"params_diff": {
			"set_flags": ["no_network"],
			"set_partitionings": {"host_kind": {"categories": {"mobile": ["m.x.com"]}, "default": "desktop"}}
		}
	}`)
	b, err := ParseBatch(data)
	require.NoError(t, err)
	require.Len(t, b.Tasks, 2)
	assert.Equal(t, "https://a.example/", b.Tasks[0].URL)
	assert.Equal(t, "1", b.JobContext.Vars["crawl"])
	require.NotNil(t, b.Diff)
	assert.Contains(t, b.Diff.SetFlags, "no_network")

	require.Contains(t, b.Diff.SetPartitionings, "host_kind")
	part := b.Diff.SetPartitionings["host_kind"]
	assert.Equal(t, "mobile", part.Category("m.x.com"))
	assert.Equal(t, "desktop", part.Category("x.com"))
}

func TestRunner_PreservesOrderUnderShuffledCompletion(t *testing.T) {
	root, err := expr.DecodeAction([]byte(`{"None":{}}`))
	require.NoError(t, err)
	cl := &cleaner.Cleaner{Params: params.New(), Commons: expr.NewCommons(), Root: root}

	tasks := make([]Task, 200)
	for i := range tasks {
		tasks[i] = Task{Index: i, URL: "https://example.com/" + strconv.Itoa(i),
			Context: params.TaskContext{Flags: map[string]struct{}{}, Vars: map[string]string{}}}
	}
	rand.Shuffle(len(tasks), func(i, j int) { tasks[i], tasks[j] = tasks[j], tasks[i] })
	for i := range tasks {
		tasks[i].Index = i
	}

	r := &Runner{Cleaner: cl, Workers: 16}
	results := r.Run(context.Background(), tasks, params.JobContext{}, params.New())

	require.Len(t, results, len(tasks))
	for i, res := range results {
		assert.Equal(t, i, res.Index)
		assert.Equal(t, tasks[i].URL, res.URL)
	}
}

// TestRunner_DeadlockRegression feeds a
// pathological cleaner whose action runs ExpandRedirect twice in a row
// over the same URL within a single task. Feeding the same URL through it 100
// times must terminate quickly, with every task reporting
// RecursiveCacheWaitError instead of hanging.
func TestRunner_DeadlockRegression(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	root, err := expr.DecodeAction([]byte(`{"All":{"Actions":[{"ExpandRedirect":{}},{"ExpandRedirect":{}}]}}`))
	require.NoError(t, err)
	cl := &cleaner.Cleaner{Params: params.New(), Commons: expr.NewCommons(), Root: root}

	c, err := cache.Open("")
	require.NoError(t, err)
	defer c.Close() //nolint:errcheck

	const n = 100
	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i] = Task{Index: i, URL: srv.URL + "/",
			Context: params.TaskContext{Flags: map[string]struct{}{}, Vars: map[string]string{}}}
	}

	r := &Runner{Cleaner: cl, Cache: c, HTTPClient: srv.Client(), Workers: 32}

	done := make(chan []Result, 1)
	go func() {
		done <- r.Run(context.Background(), tasks, params.JobContext{}, params.New())
	}()

	select {
	case results := <-done:
		require.Len(t, results, n)
		for _, res := range results {
			require.Error(t, res.Err)
			var recursive *errs.RecursiveCacheWaitError
			assert.True(t, errors.As(res.Err, &recursive), "expected RecursiveCacheWaitError, got %T: %v", res.Err, res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("deadlock regression: job runner did not terminate within 1s")
	}
}

// seedCleanerDoc is a small but representative rule set exercising
// tracking-param stripping, scheme upgrade, a flag-gated host rewrite,
// and redirect expansion, standing in for the bundled rule set's shape
// without any of its domain-specific content.
const seedCleanerDoc = `{
	"params": {"sets": {"nh_keep_http": ["legacy.example.com"]}},
	"action": {"All": {"Actions": [
		"ExpandRedirect",
		{"If": {
			"if": {"All": {"Conditions": [
				{"StringIs": {"Left": {"Part": {"Part": {"Kind": "scheme"}}}, "Right": {"Literal": {"Value": "http"}}}},
				{"Not": {"Condition": {"FlagIsSet": {"Flag": "keep_http"}}}},
				{"Not": {"Condition": {"HostInSet": {"Set": "nh_keep_http"}}}}
			]}},
			"then": {"SetPart": {"Part": {"Kind": "scheme"}, "Value": {"Literal": {"Value": "https"}}}}
		}},
		{"If": {
			"if": {"FlagIsSet": {"Flag": "unmobile"}},
			"then": {"If": {
				"if": {"StringMatches": {"Value": {"Part": {"Part": {"Kind": "host"}}}, "Matcher": {"HasPrefix": {"Value": "en.m."}}}},
				"then": {"ModifyPart": {"Part": {"Kind": "host"}, "Modification": {"Replace": {"From": "en.m.", "To": "en."}}}}
			}}
		}},
		{"RemoveQueryParams": {"Names": ["t", "s", "fb_action_ids", "mc_eid", "ml_subscriber_hash", "oft_ck", "s_cid", "unicorn_click_id", "crid", "ufe"]}}
	]}}
}`

func newSeedRunner(t *testing.T, srv *httptest.Server) *Runner {
	t.Helper()
	cl, err := cleaner.Parse([]byte(seedCleanerDoc))
	require.NoError(t, err)

	c, err := cache.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() }) //nolint:errcheck

	client := http.DefaultClient
	if srv != nil {
		client = srv.Client()
	}
	return &Runner{Cleaner: cl, Cache: c, HTTPClient: client, Workers: 4}
}

func runSeed(t *testing.T, r *Runner, task Task, flags ...string) Result {
	t.Helper()
	effParams := r.Cleaner.Params.Clone()
	for _, f := range flags {
		effParams.Flags[f] = struct{}{}
	}
	results := r.Run(context.Background(), []Task{task}, params.JobContext{}, effParams)
	require.Len(t, results, 1)
	return results[0]
}

func TestSeedScenarios_TrackingParamsStripped(t *testing.T) {
	r := newSeedRunner(t, nil)
	res := runSeed(t, r, Task{URL: "https://x.com/?t=a&s=b",
		Context: params.TaskContext{Flags: map[string]struct{}{}, Vars: map[string]string{}}}, "no_network")
	require.NoError(t, res.Err)
	assert.Equal(t, "https://x.com/", res.URL)
}

func TestSeedScenarios_SocialTrackingParamsStripped(t *testing.T) {
	r := newSeedRunner(t, nil)
	res := runSeed(t, r, Task{
		URL:     "https://example.com/?fb_action_ids=1&mc_eid=2&ml_subscriber_hash=3&oft_ck=4&s_cid=5&unicorn_click_id=6",
		Context: params.TaskContext{Flags: map[string]struct{}{}, Vars: map[string]string{}},
	}, "no_network")
	require.NoError(t, res.Err)
	assert.Equal(t, "https://example.com/", res.URL)
}

func TestSeedScenarios_AmazonTrackingParamsStripped(t *testing.T) {
	r := newSeedRunner(t, nil)
	res := runSeed(t, r, Task{
		URL:     "https://www.amazon.ca/dp/B0C6DX66TN?crid=ABC123&ufe=xyz",
		Context: params.TaskContext{Flags: map[string]struct{}{}, Vars: map[string]string{}},
	}, "no_network")
	require.NoError(t, res.Err)
	assert.Equal(t, "https://www.amazon.ca/dp/B0C6DX66TN", res.URL)
}

func TestSeedScenarios_SchemeUpgradedToHttps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := newSeedRunner(t, srv)
	res := runSeed(t, r, Task{URL: srv.URL + "/",
		Context: params.TaskContext{Flags: map[string]struct{}{}, Vars: map[string]string{}}})
	require.NoError(t, res.Err)
	assert.True(t, strings.HasPrefix(res.URL, "https://"))
}

func TestSeedScenarios_UnmobileFlagRewritesHost(t *testing.T) {
	r := newSeedRunner(t, nil)
	res := runSeed(t, r, Task{
		URL:     "https://en.m.wikipedia.org/wiki/Go_(programming_language)",
		Context: params.TaskContext{Flags: map[string]struct{}{}, Vars: map[string]string{}},
	}, "unmobile", "no_network")
	require.NoError(t, res.Err)
	assert.Equal(t, "https://en.wikipedia.org/wiki/Go_(programming_language)", res.URL)
}

// TestClean_IdempotentWithoutNetwork checks that cleaning an
// already-cleaned URL changes nothing: with no_network set, the cleaner
// is a pure function of the URL, so running it twice must agree with
// running it once.
func TestClean_IdempotentWithoutNetwork(t *testing.T) {
	r := newSeedRunner(t, nil)
	urls := []string{
		"https://x.com/?t=a&s=b",
		"http://example.com/",
		"https://www.amazon.ca/dp/B0C6DX66TN?crid=ABC123&ufe=xyz",
		"https://en.m.wikipedia.org/wiki/Go_(programming_language)",
	}
	for _, raw := range urls {
		raw := raw
		t.Run(raw, func(t *testing.T) {
			first := runSeed(t, r, Task{URL: raw,
				Context: params.TaskContext{Flags: map[string]struct{}{}, Vars: map[string]string{}}}, "no_network", "unmobile")
			require.NoError(t, first.Err)

			second := runSeed(t, r, Task{URL: first.URL,
				Context: params.TaskContext{Flags: map[string]struct{}{}, Vars: map[string]string{}}}, "no_network", "unmobile")
			require.NoError(t, second.Err)
			assert.Equal(t, first.URL, second.URL)
		})
	}
}

// TestClean_DeterministicWithoutNetwork runs the same batch twice and
// expects identical output, result by result.
func TestClean_DeterministicWithoutNetwork(t *testing.T) {
	r := newSeedRunner(t, nil)
	effParams := r.Cleaner.Params.Clone()
	effParams.Flags["no_network"] = struct{}{}

	tasks := make([]Task, 0, 20)
	for i := 0; i < 20; i++ {
		tasks = append(tasks, Task{Index: i,
			URL:     "https://x.com/page" + strconv.Itoa(i) + "?t=a&s=b&id=" + strconv.Itoa(i),
			Context: params.TaskContext{Flags: map[string]struct{}{}, Vars: map[string]string{}}})
	}

	first := r.Run(context.Background(), tasks, params.JobContext{}, effParams)
	second := r.Run(context.Background(), tasks, params.JobContext{}, effParams)
	require.Len(t, second, len(first))
	for i := range first {
		require.NoError(t, first[i].Err)
		assert.Equal(t, first[i].URL, second[i].URL)
	}
}

func TestSeedScenarios_KeepHTTPFlagPreservesScheme(t *testing.T) {
	r := newSeedRunner(t, nil)
	res := runSeed(t, r, Task{URL: "http://example.com/",
		Context: params.TaskContext{Flags: map[string]struct{}{}, Vars: map[string]string{}}}, "no_network", "keep_http")
	require.NoError(t, res.Err)
	assert.Equal(t, "http://example.com/", res.URL)
}

func TestSeedScenarios_KeepHTTPHostSetPreservesScheme(t *testing.T) {
	r := newSeedRunner(t, nil)
	res := runSeed(t, r, Task{URL: "http://legacy.example.com/page",
		Context: params.TaskContext{Flags: map[string]struct{}{}, Vars: map[string]string{}}}, "no_network")
	require.NoError(t, res.Err)
	assert.Equal(t, "http://legacy.example.com/page", res.URL)
}

// partitioningCleanerDoc classifies hosts through a loader-declared
// partitioning and rewrites the mobile ones.
const partitioningCleanerDoc = `{
	"params": {"partitionings": {"host_kind": {
		"categories": {"mobile": ["en.m.wikipedia.org", "m.facebook.com"]},
		"default": "desktop"
	}}},
	"action": {"If": {
		"if": {"PartitioningIs": {"Name": "host_kind", "Value": {"Part": {"Part": {"Kind": "host"}}}, "Category": "mobile"}},
		"then": {"ModifyPart": {"Part": {"Kind": "host"}, "Modification": {"Replace": {"From": ".m.", "To": "."}}}}
	}}
}`

func TestPartitioningIs_FromCleanerParams(t *testing.T) {
	cl, err := cleaner.Parse([]byte(partitioningCleanerDoc))
	require.NoError(t, err)
	r := &Runner{Cleaner: cl, Workers: 1}

	tasks := []Task{
		{Index: 0, URL: "https://en.m.wikipedia.org/wiki/Go",
			Context: params.TaskContext{Flags: map[string]struct{}{}, Vars: map[string]string{}}},
		{Index: 1, URL: "https://de.wikipedia.org/wiki/Go",
			Context: params.TaskContext{Flags: map[string]struct{}{}, Vars: map[string]string{}}},
	}
	results := r.Run(context.Background(), tasks, params.JobContext{}, cl.Params)
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "https://en.wikipedia.org/wiki/Go", results[0].URL)
	require.NoError(t, results[1].Err)
	assert.Equal(t, "https://de.wikipedia.org/wiki/Go", results[1].URL)
}

func TestSeedScenarios_NoNetworkShortcutAndJobContext(t *testing.T) {
	r := newSeedRunner(t, nil)
	effParams := r.Cleaner.Params.Clone()
	effParams.Flags["no_network"] = struct{}{}

	tasks := []Task{{
		URL: "https://t.co/invalid",
		Context: params.TaskContext{
			Flags: map[string]struct{}{},
			Vars:  map[string]string{"redirect_shortcut": "https://example.com/"},
		},
	}}
	jc := params.JobContext{Vars: map[string]string{"source_host": "x.com"}}
	results := r.Run(context.Background(), tasks, jc, effParams)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "https://example.com/", results[0].URL)
}

// Package redirect implements the redirect-expansion subsystem:
// following a URL's HTTP redirect chain up to a configured hop limit,
// through the persistent single-flighted cache in internal/cache, with
// an optional timing defense against cache-presence probing and an
// optional fully-serialized ("unthread") mode.
package redirect

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-pkgz/repeater"

	"github.com/urlclean/urlclean/internal/errs"
	"github.com/urlclean/urlclean/internal/state"
	"github.com/urlclean/urlclean/internal/urlmodel"
)

// Config configures the ExpandRedirect action.
type Config struct {
	MaxHops int // default 10

	// RequestTimeout bounds a single hop's round trip, default 10s.
	RequestTimeout time.Duration

	// Retries is how many times a transient network failure on a single
	// hop is retried before giving up on that hop.
	Retries int

	// CacheDelay pads every cached read out to the entry's recorded
	// production time, jittered uniformly within ±12.5%, so an external
	// observer of task latency cannot distinguish a cache hit from a
	// cold fetch. The params flag "cache_delay" enables it per job.
	CacheDelay bool

	// Unthread serializes every ExpandRedirect call process-wide behind
	// a single mutex, so the worker count is unobservable from timing.
	// The params flag "unthread" enables it per job.
	Unthread bool

	// RetryCachedErrors controls what happens on a cache hit whose value
	// is an error: true (the default) treats it as a miss and retries
	// the fetch; false returns the cached error immediately.
	RetryCachedErrors bool

	UserAgent string

	// Metrics, if set, records redirect-expansion latency and failure
	// reasons for the domain-stack metrics surface (internal/mgmt).
	Metrics Observer
}

// Observer receives redirect-expansion outcome notifications, used to
// feed the domain-stack metrics (internal/mgmt) without this package
// depending on it directly.
type Observer interface {
	RedirectExpansion(seconds float64, errReason string)
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxHops:           10,
		RequestTimeout:    10 * time.Second,
		Retries:           2,
		RetryCachedErrors: true,
		UserAgent:         "urlclean/1.0",
	}
}

var unthreadMu sync.Mutex

// shortcutVar is the TaskContext var ExpandRedirect consults when
// no_network is set: a caller that already knows how a URL resolves
// (e.g. a test harness, or an upstream crawl result) can supply
// TaskContext.Vars["redirect_shortcut"] to short-circuit the hop.
const shortcutVar = "redirect_shortcut"

// Expand resolves ts.URL's redirect chain in place. A response chain
// that never redirects (first hop already 2xx) is a no-op. Errors are
// always *errs.RedirectExpansionError or *errs.RecursiveCacheWaitError.
func Expand(ctx context.Context, ts *state.TaskState, cfg Config) error {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = DefaultConfig().MaxHops
	}

	if ts.Params.HasFlag("no_network") {
		if shortcut, ok := ts.TaskContext.Vars[shortcutVar]; ok {
			return applyResolved(ts, shortcut)
		}
		return nil
	}

	key := ts.URL.String()

	if !ts.EnterCacheKey("redirect", key) {
		return &errs.RecursiveCacheWaitError{Category: "redirect", Key: key}
	}

	if cfg.Unthread || ts.Params.HasFlag("unthread") {
		unthreadMu.Lock()
		defer unthreadMu.Unlock()
	}

	start := time.Now()
	entry, produced, err := ts.Cache.WithSingleFlight("redirect", key, cfg.RetryCachedErrors, func() (string, bool) {
		return followChain(ctx, ts, key, cfg)
	})
	elapsed := time.Since(start)

	if err != nil {
		cfg.observe(elapsed, "cache")
		return &errs.RedirectExpansionError{Reason: "cache lookup failed", Cause: err}
	}

	if !produced && (cfg.CacheDelay || ts.Params.HasFlag("cache_delay")) {
		sleepJittered(time.Duration(entry.DurationMicros)*time.Microsecond, elapsed)
	}

	if entry.IsError {
		cfg.observe(elapsed, metricReason(entry.Value))
		return &errs.RedirectExpansionError{Reason: entry.Value}
	}
	cfg.observe(elapsed, "")
	return applyResolved(ts, entry.Value)
}

func (cfg Config) observe(elapsed time.Duration, errReason string) {
	if cfg.Metrics != nil {
		cfg.Metrics.RedirectExpansion(elapsed.Seconds(), errReason)
	}
}

// metricReason collapses a free-form failure message to one of a fixed
// set of labels, keeping the failure counter's cardinality bounded. The
// full message still reaches the caller (and the cache) untouched.
func metricReason(msg string) string {
	switch {
	case msg == "":
		return ""
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "Timeout exceeded"):
		return "timeout"
	case strings.HasPrefix(msg, "request to"):
		return "network"
	case strings.HasPrefix(msg, "non-redirect status"):
		return "status"
	case strings.HasPrefix(msg, "exceeded maximum"):
		return "too_many_redirects"
	case strings.HasPrefix(msg, "malformed redirect location"), strings.HasPrefix(msg, "resolved location"):
		return "bad_location"
	default:
		return "other"
	}
}

// applyResolved writes back the resolved URL, or does nothing when the
// value is empty (the chain never redirected).
func applyResolved(ts *state.TaskState, resolved string) error {
	if resolved == "" {
		return nil
	}
	u, err := urlmodel.Parse(resolved)
	if err != nil {
		return &errs.RedirectExpansionError{Reason: "resolved location does not parse", Cause: err}
	}
	ts.URL = u
	return nil
}

// sleepJittered pads elapsed up to target (the cached entry's recorded
// production time), jittered uniformly within ±12.5%, so a cache hit
// and the cold fetch that created the entry become indistinguishable by
// latency alone. If elapsed already exceeds the jittered target, it
// does not shrink the delay.
func sleepJittered(target, elapsed time.Duration) {
	jitterRange := target / 8 // 12.5%
	n, err := rand.Int(rand.Reader, big.NewInt(int64(2*jitterRange+1)))
	offset := jitterRange
	if err == nil {
		offset = time.Duration(n.Int64()) - jitterRange
	}
	want := target + offset
	if remaining := want - elapsed; remaining > 0 {
		time.Sleep(remaining)
	}
}

// followChain performs the actual hop-by-hop HTTP work for one
// ExpandRedirect call. It is invoked at most once per cache key thanks
// to the caller's single-flight wrapper.
func followChain(ctx context.Context, ts *state.TaskState, start string, cfg Config) (string, bool) {
	client := newClient(cfg)
	if ts.HTTPClient != nil {
		// reuse the caller's client, but never let it follow redirects on
		// its own: every hop has to come back here to be counted
		c := *ts.HTTPClient
		c.CheckRedirect = client.CheckRedirect
		if c.Timeout == 0 {
			c.Timeout = cfg.RequestTimeout
		}
		client = &c
	}

	rep := repeater.NewDefault(cfg.Retries+1, 200*time.Millisecond)

	current := start
	for hop := 0; hop < cfg.MaxHops; hop++ {
		var status int
		var location string

		err := rep.Do(ctx, func() error {
			req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
			if rerr != nil {
				return rerr
			}
			req.Header.Set("User-Agent", cfg.UserAgent)

			resp, rerr := client.Do(req)
			if rerr != nil {
				return rerr
			}
			defer resp.Body.Close() //nolint:errcheck
			_, _ = io.Copy(io.Discard, resp.Body)

			status = resp.StatusCode
			location = resp.Header.Get("Location")
			return nil
		})
		if err != nil {
			return fmt.Sprintf("request to %s failed: %v", current, err), true
		}

		if status >= 300 && status < 400 && location != "" {
			next, rerr := urlmodel.ResolveAbsolute(current, location)
			if rerr != nil {
				return fmt.Sprintf("malformed redirect location from %s: %v", current, rerr), true
			}
			current = next
			continue
		}

		if status < 200 || status >= 300 {
			return fmt.Sprintf("non-redirect status %d from %s", status, current), true
		}

		if hop == 0 {
			return "", false // first response already terminal: no redirect happened
		}
		return current, false
	}

	return fmt.Sprintf("exceeded maximum of %d redirects starting from %s", cfg.MaxHops, start), true
}

func newClient(cfg Config) *http.Client {
	return &http.Client{
		Timeout: cfg.RequestTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse // we follow hops ourselves, one at a time
		},
	}
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/urlclean/urlclean/internal/cache"
	"github.com/urlclean/urlclean/internal/cleaner"
	"github.com/urlclean/urlclean/internal/job"
	"github.com/urlclean/urlclean/internal/mgmt"
	"github.com/urlclean/urlclean/internal/params"
	"github.com/urlclean/urlclean/internal/redirect"
)

var opts struct {
	Cleaner string `short:"c" long:"cleaner" env:"CLEANER" required:"true" description:"path to the cleaner document"`
	Workers int    `short:"w" long:"workers" env:"WORKERS" default:"8" description:"task worker pool size, 1 for single-threaded"`

	Cache struct {
		Path string `long:"path" env:"PATH" default:"./var/urlclean.cache" description:"sqlite cache file, empty for in-memory"`
	} `group:"cache" namespace:"cache" env-namespace:"CACHE"`

	Params struct {
		Flags []string          `long:"flag" env:"FLAGS" env-delim:"," description:"set a params flag (can be repeated)"`
		Vars  map[string]string `long:"var" env:"VARS" env-delim:"," description:"set a params var as name:value (can be repeated)"`
	} `group:"params" namespace:"params" env-namespace:"PARAMS"`

	Redirect struct {
		MaxHops             int           `long:"max-hops" env:"MAX_HOPS" default:"10" description:"maximum redirect hops to follow"`
		Timeout             time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"per-hop request timeout"`
		Retries             int           `long:"retries" env:"RETRIES" default:"2" description:"per-hop retry count on transient failure"`
		CacheDelay          bool          `long:"cache-delay" env:"CACHE_DELAY" description:"pad cached reads to the entry's recorded fetch time, to mask cache hits"`
		Unthread            bool          `long:"unthread" env:"UNTHREAD" description:"serialize all redirect expansion behind one mutex"`
		NoRetryCachedErrors bool          `long:"no-retry-cached-errors" env:"NO_RETRY_CACHED_ERRORS" description:"return a cached redirect-expansion error immediately instead of retrying it"`
	} `group:"redirect" namespace:"redirect" env-namespace:"REDIRECT"`

	Logger struct {
		StdOut     bool   `long:"stdout" env:"STDOUT" description:"enable stdout logging"`
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable rotated log file"`
		FileName   string `long:"file" env:"FILE" default:"urlclean.log" description:"log file location"`
		MaxSize    string `long:"max-size" env:"MAX_SIZE" default:"100M" description:"maximum log size before rotation"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"maximum number of rotated log files to retain"`
	} `group:"logger" namespace:"logger" env-namespace:"LOGGER"`

	Management struct {
		Enabled bool   `long:"enabled" env:"ENABLED" description:"enable metrics endpoint"`
		Listen  string `long:"listen" env:"LISTEN" default:"127.0.0.1:8081" description:"listen on host:port"`
	} `group:"mgmt" namespace:"mgmt" env-namespace:"MGMT"`

	Dbg bool `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var revision = "unknown"

func main() {
	fmt.Printf("urlclean %s\n", revision)

	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		if fe, ok := err.(*flags.Error); !ok || fe.Type != flags.ErrHelp {
			log.Printf("[ERROR] cli error: %v", err)
		}
		os.Exit(2)
	}

	setupLog(opts.Dbg)
	log.Printf("[DEBUG] options: %+v", opts)

	exitCode, err := run()
	if err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(2)
	}
	os.Exit(exitCode)
}

// run reads task lines from stdin, cleans each URL, and writes one
// result line per input line to stdout:
//
//	<cleaned url>       on success (first character is the URL's scheme letter)
//	-<error message>    on failure
//
// The exit code: 0 if every task succeeded (or there
// were no tasks), 1 if every task failed, 2 if the run was a mix of
// successes and failures. A setup failure that prevents the run from
// happening at all (bad cleaner document, cache open failure, stdin
// read error) is reported as a non-nil error, which main maps to exit
// code 2 as well.
func run() (int, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	clean, err := cleaner.Load(opts.Cleaner)
	if err != nil {
		return 2, fmt.Errorf("failed to load cleaner: %w", err)
	}

	store, err := cache.Open(opts.Cache.Path)
	if err != nil {
		return 2, fmt.Errorf("failed to open cache: %w", err)
	}
	defer store.Close() //nolint:errcheck

	metrics := mgmt.NewMetrics(mgmt.MetricsConfig{})
	store.Observer = metrics
	if opts.Management.Enabled {
		go runManagementServer(metrics)
	}

	rcfg := redirect.Config{
		MaxHops:           opts.Redirect.MaxHops,
		RequestTimeout:    opts.Redirect.Timeout,
		Retries:           opts.Redirect.Retries,
		CacheDelay:        opts.Redirect.CacheDelay,
		Unthread:          opts.Redirect.Unthread,
		RetryCachedErrors: !opts.Redirect.NoRetryCachedErrors,
		UserAgent:         "urlclean/" + revision,
		Metrics:           metrics,
	}

	runner := &job.Runner{Cleaner: clean, Redirect: rcfg, Cache: store, Workers: opts.Workers, Metrics: metrics}

	baseParams := clean.Params
	if len(opts.Params.Flags) > 0 || len(opts.Params.Vars) > 0 {
		diff := params.Diff{SetFlags: opts.Params.Flags, SetVars: opts.Params.Vars}
		baseParams = diff.Apply(baseParams)
	}

	succeeded, failed, err := processStdin(ctx, runner, baseParams)
	if err != nil {
		return 2, err
	}
	switch {
	case failed == 0:
		return 0, nil
	case succeeded == 0:
		return 1, nil
	default:
		return 2, nil
	}
}

// processStdin reads one task per line (or one JSON batch envelope line
// starting with {"tasks"), applies the cleaner, and writes result lines
// to stdout as it goes, preserving input order. It returns the total
// count of succeeded and failed tasks across the whole stream (a batch
// line counts each of its inner tasks separately).
func processStdin(ctx context.Context, runner *job.Runner, baseParams *params.Params) (succeeded, failed int, err error) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush() //nolint:errcheck

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		if looksLikeBatch(line) {
			batchOK, batchFailed, berr := processBatchLine(ctx, runner, baseParams, out, line)
			if berr != nil {
				return succeeded, failed, berr
			}
			succeeded += batchOK
			failed += batchFailed
			continue
		}

		t, perr := job.ParseLine(line)
		if perr != nil {
			fmt.Fprintf(out, "-%v\n", perr) //nolint:errcheck
			failed++
			continue
		}

		results := runner.Run(ctx, []job.Task{t}, params.JobContext{}, baseParams)
		writeResult(out, results[0])
		if results[0].Err != nil {
			failed++
		} else {
			succeeded++
		}
	}
	if serr := scanner.Err(); serr != nil {
		return succeeded, failed, fmt.Errorf("failed reading stdin: %w", serr)
	}
	return succeeded, failed, nil
}

func looksLikeBatch(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, `{"tasks"`) || strings.HasPrefix(trimmed, `{ "tasks"`)
}

// resultEnvelope is one slot of a batch result's "urls" array: either
// {"Ok": "<url>"} or {"Err": "<message>"}.
type resultEnvelope struct {
	Ok  *string `json:"Ok,omitempty"`
	Err *string `json:"Err,omitempty"`
}

func processBatchLine(ctx context.Context, runner *job.Runner, baseParams *params.Params, out *bufio.Writer, line string) (succeeded, failed int, err error) {
	batch, perr := job.ParseBatch([]byte(line))
	if perr != nil {
		enc, _ := json.Marshal(map[string]string{"Err": perr.Error()}) //nolint:errcheck
		fmt.Fprintln(out, string(enc))                                 //nolint:errcheck
		return 0, 0, nil
	}

	effParams := baseParams
	if batch.Diff != nil {
		effParams = batch.Diff.Apply(effParams)
	}

	results := runner.Run(ctx, batch.Tasks, batch.JobContext, effParams)

	urls := make([]resultEnvelope, len(results))
	for i, r := range results {
		if r.Err != nil {
			msg := r.Err.Error()
			urls[i] = resultEnvelope{Err: &msg}
			failed++
			continue
		}
		urls[i] = resultEnvelope{Ok: &r.URL}
		succeeded++
	}

	enc, _ := json.Marshal(map[string]interface{}{"Ok": map[string][]resultEnvelope{"urls": urls}}) //nolint:errcheck
	fmt.Fprintln(out, string(enc))                                                                   //nolint:errcheck
	return succeeded, failed, nil
}

func writeResult(out *bufio.Writer, r job.Result) {
	if r.Err != nil {
		fmt.Fprintf(out, "-%v\n", r.Err) //nolint:errcheck
		return
	}
	fmt.Fprintf(out, "%s\n", r.URL) //nolint:errcheck
}

func runManagementServer(_ *mgmt.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: opts.Management.Listen, Handler: mux}
	log.Printf("[INFO] management listening on %s", opts.Management.Listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("[WARN] management server failed, %v", err)
	}
}

func setupLog(dbg bool) {
	logOpts := []log.Option{log.Msec, log.LevelBraces}
	if dbg {
		logOpts = append(logOpts, log.Debug, log.CallerFile, log.CallerFunc)
	}
	if opts.Logger.Enabled {
		maxSize, perr := sizeParse(opts.Logger.MaxSize)
		if perr != nil {
			log.Printf("[WARN] can't parse logger max size %q, using 100M: %v", opts.Logger.MaxSize, perr)
			maxSize = 100 * 1024 * 1024
		}
		logOpts = append(logOpts, log.Out(&lumberjack.Logger{
			Filename:   opts.Logger.FileName,
			MaxSize:    int(maxSize / 1024 / 1024), // in MB
			MaxBackups: opts.Logger.MaxBackups,
			Compress:   true,
			LocalTime:  true,
		}))
	}
	log.Setup(logOpts...)
}

// sizeParse converts a size string with an optional K/M/G suffix to the
// number of bytes it names.
func sizeParse(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := uint64(1)
	switch s[len(s)-1] {
	case 'K', 'k':
		mult = 1024
		s = s[:len(s)-1]
	case 'M', 'm':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'G', 'g':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

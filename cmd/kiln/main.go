// Command kiln is the thin CLI front end of spec.md §6: flag parsing and
// exit-code plumbing around internal/engine. Build-description evaluation
// (turning a description file + variant into a task graph) is the external
// collaborator spec.md §1 places out of scope; kiln exposes the seam as
// Planner rather than inventing a script language.
//
// Flag handling follows the teacher's cmd/distri/distri.go: package-level
// flag.Bool/flag.String/flag.Int vars parsed once in main, no third-party
// flag library (SPEC_FULL.md §9.3 — CLI parsing is explicitly out of scope
// as a concern to enrich with a dependency).
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/kilnbuild/kiln/internal/compiler/gcc"
	"github.com/kilnbuild/kiln/internal/engine"
	"github.com/kilnbuild/kiln/internal/taskgraph"
)

const version = "kiln 0.1.0"

// Planner turns one (descriptionPath, variant) pair into a task graph.
// cmd/kiln ships no implementation — wiring a build-description language
// here would reintroduce the evaluator spec.md §1 scopes out. Embedders
// that do have a description language set this before calling run().
var Planner func(e *engine.Engine, descriptionPath, variant string) (*taskgraph.Task, error)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	fs := flag.NewFlagSet("kiln", flag.ContinueOnError)
	var (
		showVersion = fs.Bool("V", false, "print version and exit")
		versionLong = fs.Bool("version", false, "print version and exit")
		argsFile    = fs.String("args", "", "path to args script")
		configFile  = fs.String("config", "", "path to config script")
		debugFlag   = fs.String("debug", "", "comma-separated debug channels: reason,run,script,scan")
		silent      = fs.Bool("s", false, "suppress non-error output")
		silentLong  = fs.Bool("silent", false, "suppress non-error output")
		quiet       = fs.Bool("quiet", false, "suppress non-error output")
		force       = fs.Bool("f", false, "rebuild all targets regardless of dependency info")
		forceLong   = fs.Bool("force", false, "rebuild all targets regardless of dependency info")
		jobs        = fs.Int("j", 0, "worker count (default = CPU count)")
		jobsLong    = fs.Int("jobs", 0, "worker count (default = CPU count)")
		keepGoing   = fs.Bool("k", false, "equivalent to unlimited error budget")
		keepGoingL  = fs.Bool("keep-going", false, "equivalent to unlimited error budget")
		maxErrors   = fs.Int("e", 100, "error budget")
		maxErrorsL  = fs.Int("max-errors", 100, "error budget")
		help        = fs.Bool("h", false, "usage")
		helpLong    = fs.Bool("help", false, "usage")
		objCache    = fs.String("object-cache", "", "path to the shared object cache")
		objCacheWS  = fs.String("object-cache-workspace-root", "", "workspace root rewritten relative for cache-key portability")
	)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: kiln [flags] [build-description ...] [key=value ...]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(argv); err != nil {
		return 2
	}

	if *help || *helpLong {
		fs.Usage()
		return 0
	}
	if *showVersion || *versionLong {
		fmt.Println(version)
		return 1
	}
	_ = argsFile
	_ = configFile

	jobCount := *jobs
	if *jobsLong != 0 {
		jobCount = *jobsLong
	}
	if jobCount <= 0 {
		jobCount = runtime.NumCPU()
	}

	budget := *maxErrors
	if *maxErrorsL != 100 {
		budget = *maxErrorsL
	}
	if *keepGoing || *keepGoingL {
		budget = 0
	}

	opts := engine.Options{
		Jobs:                     jobCount,
		Force:                    *force || *forceLong,
		MaxErrors:                budget,
		Silent:                   *silent || *silentLong || *quiet,
		Debug:                    engine.ParseDebugChannels(*debugFlag),
		ObjectCachePath:          *objCache,
		ObjectCacheWorkspaceRoot: *objCacheWS,
	}

	descriptions, variant := splitArgs(fs.Args())

	e := engine.New(opts, gcc.New())
	defer e.Shutdown()

	if len(descriptions) == 0 {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		descriptions = []string{wd}
	}

	if Planner == nil {
		fmt.Fprintln(os.Stderr, "kiln: no build-description evaluator configured")
		return 1
	}

	var tasks []*taskgraph.Task
	for _, d := range descriptions {
		d := d
		t, err := e.Execute(d, variant, func(e *engine.Engine) (*taskgraph.Task, error) {
			return Planner(e, d, variant)
		})
		if err != nil {
			e.RaiseError(d, err)
			continue
		}
		tasks = append(tasks, t)
	}

	if err := e.Graph().Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	for _, t := range tasks {
		t.Start()
		waitFor(t)
	}

	return e.ErrorCount()
}

// splitArgs separates build-description paths from key=value variant
// tokens (spec.md §6), joining the latter into a single opaque variant
// string keyed by sorted `key=value` pairs.
func splitArgs(args []string) (descriptions []string, variant string) {
	var pairs []string
	for _, a := range args {
		if strings.Contains(a, "=") {
			pairs = append(pairs, a)
		} else {
			descriptions = append(descriptions, a)
		}
	}
	sort.Strings(pairs)
	return descriptions, strings.Join(pairs, ",")
}

// waitFor blocks until t reaches a terminal state. Tasks run on the
// engine's pool; waitFor registers a completion callback that closes a
// channel and blocks on that channel. It is used only by the CLI entry
// point, not by the engine itself (which is driven entirely by task-graph
// callbacks).
func waitFor(t *taskgraph.Task) {
	done := make(chan struct{})
	t.AddCallback(func(*taskgraph.Task) { close(done) })
	<-done
}

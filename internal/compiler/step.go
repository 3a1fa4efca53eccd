package compiler

import (
	"os"
	"time"

	"golang.org/x/xerrors"

	"github.com/kilnbuild/kiln/internal/depdb"
	"github.com/kilnbuild/kiln/internal/digest"
	"github.com/kilnbuild/kiln/internal/fsutil"
	"github.com/kilnbuild/kiln/internal/objcache"
)

// Logger is the narrow logging surface build steps need; Engine implements
// it (spec.md §6's debug channels and plain progress lines).
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(channel, format string, args ...interface{})
}

// StepResult reports what a build step actually did, for progress-line
// rendering ("Compiling X", "Cached X") and for tests asserting on
// subprocess invocation counts (spec.md §8 scenarios 2/5).
type StepResult struct {
	Ran      bool   // a compile/archive/link subprocess was actually invoked
	Cached   bool   // satisfied from the object cache instead
	UpToDate bool   // checkDependencyInfo said no rebuild needed
	Reason   string // reason to build, when Ran or Cached
}

// Step is the full build-step life cycle of spec.md §4.5: check the
// dependency database, then (for cacheable object steps) consult the object
// cache, then run the real preprocess/compile/link, then persist a fresh
// DependencyInfo and (for cacheable objects) populate the cache.
type Step struct {
	DB     *depdb.Store
	Cache  *objcache.Cache // nil disables object-cache lookups entirely
	Digest *digest.Service
	Log    Logger
	Force  bool

	// StatTime resolves a path's current mtime for checkDependencyInfo
	// freshness comparisons (spec.md §4.3). nil defaults to a plain os.Stat;
	// Engine wires this to its own cached-stat-with-invalidation layer
	// (spec.md §4.6 getTimestamp) so a build step never stats a path the
	// engine has already stated more cheaply.
	StatTime func(path string) (time.Time, error)

	// StatDigest resolves a path's current (mtime, content digest) for scan
	// results and for the target's own post-build record. nil defaults to
	// Digest.Stat; Engine wires this to its combined
	// getTimestamp+getFileDigest (spec.md §4.6).
	StatDigest func(path string) (time.Time, digest.Digest, error)

	// Invalidate clears any cached stat/digest for path, called right after
	// this step (over)writes path so a subsequent StatTime/StatDigest call
	// observes the fresh mtime instead of a stale cache entry (spec.md §4.6
	// notifyFileChanged). nil is a no-op.
	Invalidate func(path string)
}

// RunObject executes one object-file build step (spec.md §4.5's
// "compile"/"preprocess"/"scan" flow). target is the object file path.
func (s *Step) RunObject(target string, args []byte, preprocess Command, scan Scanner, compile Command, canCache bool) (StepResult, error) {
	info, reason := s.check(target, args)
	if reason == "" {
		s.Log.Debugf("reason", "%s: up to date", target)
		return StepResult{UpToDate: true}, nil
	} else {
		s.Log.Debugf("reason", "%s: %s", target, reason)
		_ = info
	}

	useCache := canCache && s.Cache != nil
	if useCache {
		s.seedDigestsFromPriorRecord(target)
		objDigest, deps, ok, err := s.Cache.Lookup(target, args)
		if err != nil {
			return StepResult{}, xerrors.Errorf("objcache lookup %s: %w", target, err)
		}
		if ok {
			if err := s.Cache.Fetch(objDigest, target); err != nil {
				return StepResult{}, xerrors.Errorf("objcache fetch %s: %w", target, err)
			}
			s.invalidate(target)
			info := s.buildInfo(target, args, deps)
			if err := s.DB.Store(info); err != nil {
				return StepResult{}, err
			}
			s.Log.Printf("Cached %s", target)
			return StepResult{Cached: true, Reason: reason}, nil
		}
	}

	if err := fsutil.MkdirAll(dirOf(target)); err != nil {
		return StepResult{}, err
	}

	if preprocess.Run != nil {
		s.Log.Debugf("run", "%s", QuoteArgv(preprocess.Argv))
		if err := preprocess.Run(); err != nil {
			return StepResult{}, xerrors.Errorf("preprocess %s: %w", target, err)
		}
	}

	s.Log.Printf("Compiling %s", target)
	s.Log.Debugf("run", "%s", QuoteArgv(compile.Argv))
	if err := compile.Run(); err != nil {
		return StepResult{}, xerrors.Errorf("compile %s: %w", target, err)
	}

	s.invalidate(target)

	deps, err := s.runScan(scan)
	if err != nil {
		return StepResult{}, err
	}

	info := s.buildInfo(target, args, deps)
	if err := s.DB.Store(info); err != nil {
		return StepResult{}, err
	}

	if useCache {
		s.Cache.Insert(target, args, toObjcacheDeps(deps), target)
	}

	return StepResult{Ran: true, Reason: reason}, nil
}

// RunArchiveOrLink executes a library/module/program build step: check,
// run, scan, persist. These steps are never object-cache candidates (spec.md
// §4.4 scopes the cache to compiled objects).
func (s *Step) RunArchiveOrLink(target, verb string, args []byte, run Command, scan Scanner) (StepResult, error) {
	_, reason := s.check(target, args)
	if reason == "" {
		s.Log.Debugf("reason", "%s: up to date", target)
		return StepResult{UpToDate: true}, nil
	}

	if err := fsutil.MkdirAll(dirOf(target)); err != nil {
		return StepResult{}, err
	}

	s.Log.Printf("%s %s", verb, target)
	s.Log.Debugf("run", "%s", QuoteArgv(run.Argv))
	if err := run.Run(); err != nil {
		return StepResult{}, xerrors.Errorf("%s %s: %w", verb, target, err)
	}
	s.invalidate(target)

	deps, err := s.runScan(scan)
	if err != nil {
		return StepResult{}, err
	}
	info := s.buildInfo(target, args, deps)
	if err := s.DB.Store(info); err != nil {
		return StepResult{}, err
	}
	return StepResult{Ran: true, Reason: reason}, nil
}

func (s *Step) check(target string, args []byte) (*depdb.DependencyInfo, string) {
	return s.DB.Check(target, args, s.Force, s.statTime())
}

func (s *Step) statTime() func(string) (time.Time, error) {
	if s.StatTime != nil {
		return s.StatTime
	}
	return func(path string) (time.Time, error) {
		fi, err := os.Stat(path)
		if err != nil {
			return time.Time{}, err
		}
		return fi.ModTime(), nil
	}
}

func (s *Step) statDigest(path string) (time.Time, digest.Digest, error) {
	if s.StatDigest != nil {
		return s.StatDigest(path)
	}
	return s.Digest.Stat(path)
}

func (s *Step) invalidate(path string) {
	if s.Invalidate != nil {
		s.Invalidate(path)
	}
}

func (s *Step) seedDigestsFromPriorRecord(target string) {
	prior, err := s.DB.Load(target)
	if err != nil {
		return
	}
	for _, in := range prior.Inputs {
		if !in.Digest.Empty() {
			s.Digest.Seed(in.Path, in.MTime, in.Digest)
		}
	}
}

func (s *Step) runScan(scan Scanner) ([]depdb.FileInfo, error) {
	if scan == nil {
		return nil, nil
	}
	paths, err := scan()
	if err != nil {
		return nil, xerrors.Errorf("scan: %w", err)
	}
	out := make([]depdb.FileInfo, 0, len(paths))
	for _, p := range paths {
		mtime, d, err := s.statDigest(p)
		if err != nil {
			// Per spec.md §4.5: dependencies the filesystem reports as
			// missing are dropped with a debug log line, not an error.
			s.Log.Debugf("scan", "dropping missing dependency %s: %v", p, err)
			continue
		}
		out = append(out, depdb.FileInfo{Path: p, MTime: mtime, Digest: d})
	}
	return out, nil
}

func (s *Step) buildInfo(target string, args []byte, inputs []depdb.FileInfo) *depdb.DependencyInfo {
	mtime, d, _ := s.statDigest(target)
	return &depdb.DependencyInfo{
		Targets: []depdb.FileInfo{{Path: target, MTime: mtime, Digest: d}},
		Args:    args,
		Inputs:  inputs,
	}
}

func toObjcacheDeps(fis []depdb.FileInfo) []objcache.Dep {
	out := make([]objcache.Dep, len(fis))
	for i, fi := range fis {
		out[i] = objcache.Dep{Path: fi.Path, Digest: fi.Digest}
	}
	return out
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

package engine

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kilnbuild/kiln/internal/compiler"
	"github.com/kilnbuild/kiln/internal/taskgraph"
)

// fakeDriver is a compiler.Driver whose compile/archive/link steps write a
// deterministic marker file instead of invoking a real toolchain, and count
// how many times each step actually ran — the observable engine tests assert
// on (spec.md §8's "exit code" and "no compiler subprocess invoked" style
// scenarios).
type fakeDriver struct {
	mu           sync.Mutex
	compileCount map[string]int
	archiveCount map[string]int
	linkCount    map[string]int
	objectDeps   map[string][]string // targetObject -> dependency paths reported by scan
	failObjects  map[string]bool     // targetObject -> compile.Run returns an error
	linkObjects  map[string][]string // target -> objects it was asked to link
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		compileCount: make(map[string]int),
		archiveCount: make(map[string]int),
		linkCount:    make(map[string]int),
		objectDeps:   make(map[string][]string),
		failObjects:  make(map[string]bool),
		linkObjects:  make(map[string][]string),
	}
}

func (d *fakeDriver) PchCommand(settings *compiler.Settings, source, header, object string) (compiler.Command, compiler.PchTarget, bool, error) {
	return compiler.Command{}, compiler.PchTarget{Path: object, Header: header}, true, nil
}

func (d *fakeDriver) ObjectCommands(settings *compiler.Settings, source compiler.Source, targetObject string) (compiler.Command, compiler.Scanner, compiler.Command, bool, error) {
	scan := func() ([]string, error) {
		d.mu.Lock()
		deps := d.objectDeps[targetObject]
		d.mu.Unlock()
		if deps == nil {
			deps = []string{source.Path}
		}
		return deps, nil
	}
	// The fingerprint uses workspace-relative basenames, not full absolute
	// paths — the same reason real toolchain invocations are run with the
	// workspace root as cwd and relative argv: an args fingerprint built
	// from absolute paths would defeat cross-workspace object-cache hits
	// even when the underlying content is identical.
	compile := compiler.Command{
		Args: []byte("compile:" + filepath.Base(source.Path) + "->" + filepath.Base(targetObject)),
		Run: func() error {
			d.mu.Lock()
			d.compileCount[targetObject]++
			fail := d.failObjects[targetObject]
			d.mu.Unlock()
			if fail {
				return os.ErrInvalid
			}
			return os.WriteFile(targetObject, []byte("object:"+targetObject), 0644)
		},
	}
	return compiler.Command{}, scan, compile, true, nil
}

func (d *fakeDriver) LibraryCommand(settings *compiler.Settings, target string, objects []string) (compiler.Command, compiler.Scanner, error) {
	cmd := compiler.Command{
		Args: []byte("archive:" + strings.Join(objects, ",")),
		Run: func() error {
			d.mu.Lock()
			d.archiveCount[target]++
			d.mu.Unlock()
			return os.WriteFile(target, []byte("archive:"+target), 0644)
		},
	}
	return cmd, nil, nil
}

func (d *fakeDriver) ModuleCommands(settings *compiler.Settings, target string, objects []string, resolved []compiler.ResolvedLibrary) (compiler.Command, compiler.Scanner, error) {
	return d.link(target, objects)
}

func (d *fakeDriver) ProgramCommands(settings *compiler.Settings, target string, objects []string, resolved []compiler.ResolvedLibrary) (compiler.Command, compiler.Scanner, error) {
	return d.link(target, objects)
}

func (d *fakeDriver) link(target string, objects []string) (compiler.Command, compiler.Scanner, error) {
	d.mu.Lock()
	d.linkObjects[target] = append([]string(nil), objects...)
	d.mu.Unlock()
	cmd := compiler.Command{
		Args: []byte("link:" + strings.Join(objects, ",")),
		Run: func() error {
			d.mu.Lock()
			d.linkCount[target]++
			d.mu.Unlock()
			return os.WriteFile(target, []byte("link:"+target), 0644)
		},
	}
	return cmd, nil, nil
}

func (d *fakeDriver) PrefixSuffixes() []compiler.PrefixSuffix { return nil }

func (d *fakeDriver) compiles(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.compileCount[key]
}

func (d *fakeDriver) archives(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.archiveCount[key]
}

func waitFor(t *taskgraph.Task) {
	done := make(chan struct{})
	t.AddCallback(func(*taskgraph.Task) { close(done) })
	<-done
}

func writeSource(t *testing.T, path, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
}

func depRecordPath(target string) string { return target + ".dep" }

// Scenario 1: a clean build compiles both objects and archives the library,
// and persists a dependency record for every target.
func TestCleanBuildCompilesAndArchives(t *testing.T) {
	dir := t.TempDir()
	aSrc, bSrc := filepath.Join(dir, "a.c"), filepath.Join(dir, "b.c")
	aObj, bObj := filepath.Join(dir, "a.o"), filepath.Join(dir, "b.o")
	lib := filepath.Join(dir, "liba.a")
	writeSource(t, aSrc, "int a(void){return 1;}")
	writeSource(t, bSrc, "int b(void){return 2;}")

	driver := newFakeDriver()
	e := New(Options{Jobs: 2}, driver)
	defer e.Shutdown()

	settings := &compiler.Settings{}
	taskA, err := e.BuildObject(settings, compiler.Source{Path: aSrc}, aObj, nil)
	if err != nil {
		t.Fatal(err)
	}
	taskB, err := e.BuildObject(settings, compiler.Source{Path: bSrc}, bObj, nil)
	if err != nil {
		t.Fatal(err)
	}
	libTask, err := e.BuildLibrary(settings, lib, []string{aObj, bObj}, []*taskgraph.Task{taskA, taskB})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(libTask)

	if e.ErrorCount() != 0 {
		t.Fatalf("ErrorCount() = %d, want 0", e.ErrorCount())
	}
	if got := driver.compiles(aObj); got != 1 {
		t.Fatalf("compileCount[a.o] = %d, want 1", got)
	}
	if got := driver.compiles(bObj); got != 1 {
		t.Fatalf("compileCount[b.o] = %d, want 1", got)
	}
	if got := driver.archives(lib); got != 1 {
		t.Fatalf("archiveCount[liba.a] = %d, want 1", got)
	}
	for _, target := range []string{aObj, bObj, lib} {
		if _, err := os.Stat(depRecordPath(target)); err != nil {
			t.Fatalf("missing dependency record for %s: %v", target, err)
		}
	}
}

// Scenario 2: rebuilding an already up-to-date graph invokes zero
// compile/archive subprocesses.
func TestNoOpRebuildInvokesNoSubprocesses(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.c")
	obj := filepath.Join(dir, "a.o")
	lib := filepath.Join(dir, "liba.a")
	writeSource(t, src, "int a(void){return 1;}")

	driver := newFakeDriver()
	settings := &compiler.Settings{}

	e1 := New(Options{}, driver)
	taskA, err := e1.BuildObject(settings, compiler.Source{Path: src}, obj, nil)
	if err != nil {
		t.Fatal(err)
	}
	libTask, err := e1.BuildLibrary(settings, lib, []string{obj}, []*taskgraph.Task{taskA})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(libTask)
	e1.Shutdown()

	if got := driver.compiles(obj); got != 1 {
		t.Fatalf("compileCount after first build = %d, want 1", got)
	}

	// Rebuild from a fresh Engine pointed at the same on-disk dependency
	// records: nothing changed, so nothing should recompile.
	e2 := New(Options{}, driver)
	defer e2.Shutdown()
	taskA2, err := e2.BuildObject(settings, compiler.Source{Path: src}, obj, nil)
	if err != nil {
		t.Fatal(err)
	}
	libTask2, err := e2.BuildLibrary(settings, lib, []string{obj}, []*taskgraph.Task{taskA2})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(libTask2)

	if got := driver.compiles(obj); got != 1 {
		t.Fatalf("compileCount after no-op rebuild = %d, want still 1", got)
	}
	if got := driver.archives(lib); got != 1 {
		t.Fatalf("archiveCount after no-op rebuild = %d, want still 1", got)
	}
}

// Scenario 3: touching a dependency the scanner reported (e.g. a header)
// rebuilds only the object whose dependency changed.
func TestHeaderChangeRebuildsOnlyAffectedObject(t *testing.T) {
	dir := t.TempDir()
	aSrc, bSrc := filepath.Join(dir, "a.c"), filepath.Join(dir, "b.c")
	header := filepath.Join(dir, "shared.h")
	aObj, bObj := filepath.Join(dir, "a.o"), filepath.Join(dir, "b.o")
	writeSource(t, aSrc, "source a")
	writeSource(t, bSrc, "source b")
	writeSource(t, header, "#define X 1")

	driver := newFakeDriver()
	driver.objectDeps[aObj] = []string{aSrc, header}
	driver.objectDeps[bObj] = []string{bSrc}
	settings := &compiler.Settings{}

	e1 := New(Options{}, driver)
	taskA, _ := e1.BuildObject(settings, compiler.Source{Path: aSrc}, aObj, nil)
	taskB, _ := e1.BuildObject(settings, compiler.Source{Path: bSrc}, bObj, nil)
	waitFor(taskA)
	waitFor(taskB)
	e1.Shutdown()

	// Touch the shared header so its mtime is strictly newer than what was
	// recorded for a.o's dependency record.
	future := mustStat(t, aObj).ModTime().Add(time.Hour)
	if err := os.Chtimes(header, future, future); err != nil {
		t.Fatal(err)
	}

	e2 := New(Options{}, driver)
	defer e2.Shutdown()
	taskA2, _ := e2.BuildObject(settings, compiler.Source{Path: aSrc}, aObj, nil)
	taskB2, _ := e2.BuildObject(settings, compiler.Source{Path: bSrc}, bObj, nil)
	waitFor(taskA2)
	waitFor(taskB2)

	if got := driver.compiles(aObj); got != 2 {
		t.Fatalf("compileCount[a.o] = %d, want 2 (header changed)", got)
	}
	if got := driver.compiles(bObj); got != 1 {
		t.Fatalf("compileCount[b.o] = %d, want 1 (unaffected)", got)
	}
}

// Scenario 4: --force always rebuilds, regardless of dependency state.
func TestForceAlwaysRebuilds(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.c")
	obj := filepath.Join(dir, "a.o")
	writeSource(t, src, "source")

	driver := newFakeDriver()
	settings := &compiler.Settings{}

	for i := 0; i < 2; i++ {
		e := New(Options{Force: true}, driver)
		task, err := e.BuildObject(settings, compiler.Source{Path: src}, obj, nil)
		if err != nil {
			t.Fatal(err)
		}
		waitFor(task)
		e.Shutdown()
	}

	if got := driver.compiles(obj); got != 2 {
		t.Fatalf("compileCount under Force across two builds = %d, want 2", got)
	}
}

// Scenario 5: an object built in one workspace is fetched from the object
// cache by a second, differently-rooted workspace without recompiling.
func TestCrossWorkspaceObjectCacheHit(t *testing.T) {
	cacheRoot := t.TempDir()
	driver := newFakeDriver()
	settings := &compiler.Settings{}

	ws1 := t.TempDir()
	src1 := filepath.Join(ws1, "a.c")
	obj1 := filepath.Join(ws1, "a.o")
	writeSource(t, src1, "shared source")

	e1 := New(Options{ObjectCachePath: cacheRoot, ObjectCacheWorkspaceRoot: ws1}, driver)
	task1, err := e1.BuildObject(settings, compiler.Source{Path: src1}, obj1, nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(task1)
	e1.Shutdown()
	if got := driver.compiles(obj1); got != 1 {
		t.Fatalf("compileCount in ws1 = %d, want 1", got)
	}

	ws2 := t.TempDir()
	src2 := filepath.Join(ws2, "a.c")
	obj2 := filepath.Join(ws2, "a.o")
	writeSource(t, src2, "shared source")

	e2 := New(Options{ObjectCachePath: cacheRoot, ObjectCacheWorkspaceRoot: ws2}, driver)
	defer e2.Shutdown()
	task2, err := e2.BuildObject(settings, compiler.Source{Path: src2}, obj2, nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(task2)

	if got := driver.compiles(obj2); got != 0 {
		t.Fatalf("compileCount in ws2 = %d, want 0 (object cache hit)", got)
	}
	got, err := os.ReadFile(obj2)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "object:"+obj1 {
		t.Fatalf("fetched object content = %q, want content cached from ws1's build", got)
	}
}

// BuildProgram includes a PCH's companion object in the link input set
// (spec.md §4.5 "Include the PCH's companion object ... in the link input
// set").
func TestBuildProgramIncludesPchCompanionObject(t *testing.T) {
	dir := t.TempDir()
	obj := filepath.Join(dir, "main.o")
	prog := filepath.Join(dir, "prog")
	companion := filepath.Join(dir, "pch.o")
	writeSource(t, obj, "object:main")
	writeSource(t, companion, "object:pch")

	driver := newFakeDriver()
	e := New(Options{Jobs: 1}, driver)
	defer e.Shutdown()

	settings := &compiler.Settings{}
	pch := &compiler.PchTarget{Path: filepath.Join(dir, "pch.gch"), Header: "pch.h", CompanionObject: companion}

	task, err := e.BuildProgram(settings, prog, []string{obj}, nil, pch)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(task)

	if e.ErrorCount() != 0 {
		t.Fatalf("ErrorCount() = %d, want 0", e.ErrorCount())
	}
	got, err := os.ReadFile(prog)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "link:"+prog {
		t.Fatalf("program content = %q, want the fake driver's link marker", got)
	}

	wantObjects := []string{obj, companion}
	gotObjects := driver.linkObjects[prog]
	if len(gotObjects) != len(wantObjects) || gotObjects[0] != wantObjects[0] || gotObjects[1] != wantObjects[1] {
		t.Fatalf("objects passed to ProgramCommands = %v, want %v", gotObjects, wantObjects)
	}
}

// Scenario 6: once the error budget is exceeded, undispatched tasks
// short-circuit to FAILED without running their closures, and the observed
// error count matches the eventual exit code.
func TestErrorBudgetTerminatesBuild(t *testing.T) {
	dir := t.TempDir()
	driver := newFakeDriver()
	settings := &compiler.Settings{}

	const n = 5
	var srcs, objs []string
	for i := 0; i < n; i++ {
		src := filepath.Join(dir, string(rune('a'+i))+".c")
		obj := filepath.Join(dir, string(rune('a'+i))+".o")
		writeSource(t, src, "source")
		driver.failObjects[obj] = true
		srcs, objs = append(srcs, src), append(objs, obj)
	}

	// Single worker so tasks dispatch strictly in submission order, making
	// the point at which cancellation trips deterministic.
	e := New(Options{Jobs: 1, MaxErrors: 2}, driver)
	defer e.Shutdown()

	var tasks []*taskgraph.Task
	for i := 0; i < n; i++ {
		task, err := e.BuildObject(settings, compiler.Source{Path: srcs[i]}, objs[i], nil)
		if err != nil {
			t.Fatal(err)
		}
		tasks = append(tasks, task)
	}
	for _, task := range tasks {
		waitFor(task)
	}

	if e.ErrorCount() == 0 {
		t.Fatal("ErrorCount() = 0, want at least one recorded failure")
	}
	if e.ErrorCount() > n {
		t.Fatalf("ErrorCount() = %d, want at most %d", e.ErrorCount(), n)
	}
	if !e.Cancelled() {
		t.Fatal("Cancelled() = false, want true once MaxErrors was exceeded")
	}
	for _, task := range tasks {
		if !task.Failed() {
			t.Fatal("expected every task to end FAILED (either a real failure or cancellation)")
		}
	}
}

// CopyModulesTo copies a configured module into the destination directory,
// and skips the copy once the destination is already at least as new as the
// source (spec.md §4.5 "Module copy").
func TestCopyModulesTo(t *testing.T) {
	dir := t.TempDir()
	destDir := filepath.Join(dir, "out")
	if err := os.MkdirAll(destDir, 0755); err != nil {
		t.Fatal(err)
	}
	mod := filepath.Join(dir, "libfoo.so")
	writeSource(t, mod, "module-v1")

	driver := newFakeDriver()
	e := New(Options{Jobs: 2}, driver)
	defer e.Shutdown()

	tasks := e.CopyModulesTo(destDir, []string{mod}, nil)
	if len(tasks) != 1 {
		t.Fatalf("CopyModulesTo returned %d tasks, want 1", len(tasks))
	}
	waitFor(tasks[0])

	dest := filepath.Join(destDir, "libfoo.so")
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading copied module: %v", err)
	}
	if string(got) != "module-v1" {
		t.Fatalf("copied module content = %q, want %q", got, "module-v1")
	}

	firstCopy := mustStat(t, dest)

	// Re-running against an unchanged, already-newer-or-equal destination
	// must not rewrite the file.
	tasks = e.CopyModulesTo(destDir, []string{mod}, nil)
	waitFor(tasks[0])
	if mustStat(t, dest).ModTime() != firstCopy.ModTime() {
		t.Fatal("CopyModulesTo rewrote an already up-to-date destination")
	}

	// Touching the source with newer content must propagate on the next call.
	future := firstCopy.ModTime().Add(time.Hour)
	writeSource(t, mod, "module-v2")
	if err := os.Chtimes(mod, future, future); err != nil {
		t.Fatal(err)
	}
	tasks = e.CopyModulesTo(destDir, []string{mod}, nil)
	waitFor(tasks[0])
	got, err = os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading re-copied module: %v", err)
	}
	if string(got) != "module-v2" {
		t.Fatalf("re-copied module content = %q, want %q", got, "module-v2")
	}
}

func mustStat(t *testing.T, path string) os.FileInfo {
	t.Helper()
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return fi
}

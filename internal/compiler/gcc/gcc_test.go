package gcc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kilnbuild/kiln/internal/compiler"
)

func TestPrefixSuffixes(t *testing.T) {
	got := New().PrefixSuffixes()
	want := []compiler.PrefixSuffix{{Prefix: "lib", Suffix: ".a"}, {Prefix: "lib", Suffix: ".so"}}
	if len(got) != len(want) {
		t.Fatalf("PrefixSuffixes() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("PrefixSuffixes()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCommonFlagsOptimizationAndWarnings(t *testing.T) {
	s := &compiler.Settings{Optimization: 2, WarningLevel: 2, Debug: true}
	flags := commonFlags(s)
	want := []string{"-O2", "-g", "-Wall", "-Wextra"}
	for _, w := range want {
		if !contains(flags, w) {
			t.Fatalf("commonFlags() = %v, missing %q", flags, w)
		}
	}
}

func TestCommonFlagsDefaultOptimizationIsO0(t *testing.T) {
	s := &compiler.Settings{}
	flags := commonFlags(s)
	if !contains(flags, "-O0") {
		t.Fatalf("commonFlags() = %v, want -O0 for Optimization<=0", flags)
	}
}

func TestCommonFlagsCppExceptionsAndRTTI(t *testing.T) {
	s := &compiler.Settings{Language: "c++", Exceptions: true, RTTI: false}
	flags := commonFlags(s)
	if !contains(flags, "-std=c++17") || !contains(flags, "-fexceptions") || !contains(flags, "-fno-rtti") {
		t.Fatalf("commonFlags() = %v, want c++17/fexceptions/fno-rtti", flags)
	}
}

func TestCommonFlagsIncludesDefinesForcedIncludes(t *testing.T) {
	s := &compiler.Settings{
		IncludePaths:   []string{"/inc1", "/inc2"},
		Defines:        []string{"FOO=1"},
		ForcedIncludes: []string{"prefix.h"},
	}
	flags := commonFlags(s)
	for _, w := range []string{"-I/inc1", "-I/inc2", "-DFOO=1"} {
		if !contains(flags, w) {
			t.Fatalf("commonFlags() = %v, missing %q", flags, w)
		}
	}
	if !containsPair(flags, "-include", "prefix.h") {
		t.Fatalf("commonFlags() = %v, want -include prefix.h", flags)
	}
}

func TestObjectCommandsBuildsArgvAndScanner(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.c")
	obj := filepath.Join(dir, "a.o")
	os.WriteFile(src, []byte("int a(void){return 1;}"), 0644)

	tc := &Toolchain{CC: "gcc"}
	preprocess, scan, compile, canCache, err := tc.ObjectCommands(&compiler.Settings{}, compiler.Source{Path: src}, obj)
	if err != nil {
		t.Fatal(err)
	}
	if preprocess.Run != nil {
		t.Fatal("gcc ObjectCommands must return a nil preprocess command")
	}
	if !canCache {
		t.Fatal("ObjectCommands() canCache = false, want true")
	}
	if !contains(compile.Argv, "-MMD") || !contains(compile.Argv, "-MF") {
		t.Fatalf("compile.Argv = %v, want -MMD/-MF flags", compile.Argv)
	}
	if compile.Argv[0] != "gcc" {
		t.Fatalf("compile.Argv[0] = %q, want gcc", compile.Argv[0])
	}
	if scan == nil {
		t.Fatal("ObjectCommands() scan = nil, want a Scanner reading the .d file")
	}

	// Write a synthetic dep file the way gcc -MMD would, then exercise scan.
	depFile := obj + ".d"
	os.WriteFile(depFile, []byte("a.o: a.c a.h \\\n  b.h\n"), 0644)
	deps, err := scan()
	if err != nil {
		t.Fatal(err)
	}
	// scan appends the resolved compiler binary after the .d file's entries.
	want := []string{"a.c", "a.h", "b.h", resolveExecutable("gcc")}
	if len(deps) != len(want) {
		t.Fatalf("scan() = %v, want %v", deps, want)
	}
	for i := range want {
		if deps[i] != want[i] {
			t.Fatalf("scan()[%d] = %q, want %q", i, deps[i], want[i])
		}
	}
}

func TestObjectCommandsIncludesPchHeader(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.c")
	obj := filepath.Join(dir, "a.o")
	os.WriteFile(src, []byte("src"), 0644)

	tc := New()
	_, _, compile, _, err := tc.ObjectCommands(&compiler.Settings{}, compiler.Source{
		Path: src,
		Pch:  &compiler.PchTarget{Path: obj + ".gch", Header: "common.h"},
	}, obj)
	if err != nil {
		t.Fatal(err)
	}
	if !containsPair(compile.Argv, "-include", "common.h") {
		t.Fatalf("compile.Argv = %v, want -include common.h for PCH source", compile.Argv)
	}
	if !contains(compile.Argv, "-Winvalid-pch") {
		t.Fatalf("compile.Argv = %v, want -Winvalid-pch for PCH source", compile.Argv)
	}
}

func TestPchCommandUsesHeaderLanguageFlag(t *testing.T) {
	dir := t.TempDir()
	header := filepath.Join(dir, "common.h")
	object := filepath.Join(dir, "common.h.gch")
	os.WriteFile(header, []byte("#pragma once"), 0644)

	tc := New()
	cmd, target, canCache, err := tc.PchCommand(&compiler.Settings{Language: "c++"}, header, header, object)
	if err != nil {
		t.Fatal(err)
	}
	if !canCache {
		t.Fatal("PchCommand() canCache = false, want true")
	}
	if target.Path != object || target.Header != header {
		t.Fatalf("PchCommand() target = %+v, want Path=%s Header=%s", target, object, header)
	}
	if !containsPair(cmd.Argv, "-x", "c++-header") {
		t.Fatalf("PchCommand() argv = %v, want -x c++-header", cmd.Argv)
	}
}

func TestLibraryCommandBuildsArArgv(t *testing.T) {
	tc := &Toolchain{AR: "ar"}
	cmd, scan, err := tc.LibraryCommand(&compiler.Settings{}, "liba.a", []string{"a.o", "b.o"})
	if err != nil {
		t.Fatal(err)
	}
	if scan != nil {
		t.Fatal("LibraryCommand() scan != nil, want nil (no dependency surface beyond objects)")
	}
	want := []string{"ar", "rcs", "liba.a", "a.o", "b.o"}
	if len(cmd.Argv) != len(want) {
		t.Fatalf("LibraryCommand() argv = %v, want %v", cmd.Argv, want)
	}
	for i := range want {
		if cmd.Argv[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, cmd.Argv[i], want[i])
		}
	}
}

func TestProgramCommandsLinksWithLibraryPathsAndLinkLine(t *testing.T) {
	tc := New()
	settings := &compiler.Settings{LibraryPaths: []string{"/lib1"}}
	resolved := []compiler.ResolvedLibrary{{Name: "foo", Path: "/lib1/libfoo.a", Found: true}}
	cmd, _, err := tc.ProgramCommands(settings, "prog", []string{"a.o"}, resolved)
	if err != nil {
		t.Fatal(err)
	}
	if contains(cmd.Argv, "-shared") {
		t.Fatal("ProgramCommands() argv contains -shared, want a non-shared link")
	}
	if !contains(cmd.Argv, "-L/lib1") {
		t.Fatalf("argv = %v, want -L/lib1", cmd.Argv)
	}
	if !contains(cmd.Argv, "/lib1/libfoo.a") {
		t.Fatalf("argv = %v, want the resolved library path", cmd.Argv)
	}
}

func TestModuleCommandsAddsSharedFlag(t *testing.T) {
	tc := New()
	cmd, _, err := tc.ModuleCommands(&compiler.Settings{}, "plugin.so", []string{"a.o"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !contains(cmd.Argv, "-shared") {
		t.Fatalf("ModuleCommands() argv = %v, want -shared", cmd.Argv)
	}
}

func TestParseMakeDepFileHandlesContinuations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.o.d")
	os.WriteFile(path, []byte("a.o: a.c \\\n a.h \\\n b.h\n"), 0644)

	got, err := parseMakeDepFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.c", "a.h", "b.h"}
	if len(got) != len(want) {
		t.Fatalf("parseMakeDepFile() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("parseMakeDepFile()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseMakeDepFileMissingFileErrors(t *testing.T) {
	if _, err := parseMakeDepFile("/nonexistent/path.d"); err == nil {
		t.Fatal("parseMakeDepFile() on missing file = nil error, want an error")
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsPair(haystack []string, a, b string) bool {
	for i := 0; i+1 < len(haystack); i++ {
		if haystack[i] == a && haystack[i+1] == b {
			return true
		}
	}
	return false
}

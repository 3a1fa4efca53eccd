// Package gcc implements compiler.Driver for the GCC/Clang command-line
// dialect: -I/-D/-include flags, -MMD/-MF-generated Makefile dependency
// fragments, ar archives, and -shared modules.
//
// The argv-construction style — building a []string one flag at a time from
// a Settings snapshot, the way the teacher's buildc.go builds its `steps
// [][]string` from a pb.CBuilder — is grounded directly on buildc.go/
// buildcmake.go; kiln has no build-description language to drive the choice
// of builder, so gcc.Toolchain plays the role one layer lower, as the thing
// a single compile/link BuildStep delegates argv construction to.
package gcc

import (
	"bufio"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"github.com/kilnbuild/kiln/internal/compiler"
)

// Toolchain is a compiler.Driver backed by the gcc/clang/ar command-line
// interface. The binary names are configurable so a workspace can target
// clang, a cross compiler, or a specific gcc version without a new Driver
// implementation.
type Toolchain struct {
	CC string // e.g. "gcc", "clang", "x86_64-linux-gnu-gcc-12"
	AR string // e.g. "ar", "llvm-ar"
}

// New returns a Toolchain using the default PATH-resolved gcc/ar binaries.
func New() *Toolchain {
	return &Toolchain{CC: "gcc", AR: "ar"}
}

func (t *Toolchain) cc() string {
	if t.CC != "" {
		return t.CC
	}
	return "gcc"
}

func (t *Toolchain) ar() string {
	if t.AR != "" {
		return t.AR
	}
	return "ar"
}

// PrefixSuffixes implements compiler.Driver.
func (t *Toolchain) PrefixSuffixes() []compiler.PrefixSuffix {
	return []compiler.PrefixSuffix{
		{Prefix: "lib", Suffix: ".a"},
		{Prefix: "lib", Suffix: ".so"},
	}
}

// commonFlags renders the flags shared by every compile-like invocation
// (pch and object) from a Settings snapshot.
func commonFlags(s *compiler.Settings) []string {
	var flags []string
	if s.Language == "c++" {
		flags = append(flags, "-std=c++17")
	}
	switch {
	case s.Optimization <= 0:
		flags = append(flags, "-O0")
	default:
		flags = append(flags, "-O"+strconv.Itoa(s.Optimization))
	}
	if s.Debug {
		flags = append(flags, "-g")
	}
	if s.WarningLevel > 0 {
		flags = append(flags, "-Wall")
	}
	if s.WarningLevel > 1 {
		flags = append(flags, "-Wextra")
	}
	if s.FunctionLevelLinking {
		flags = append(flags, "-ffunction-sections", "-fdata-sections")
	}
	if s.SSE {
		flags = append(flags, "-msse2")
	}
	if s.Language == "c++" {
		if s.Exceptions {
			flags = append(flags, "-fexceptions")
		} else {
			flags = append(flags, "-fno-exceptions")
		}
		if s.RTTI {
			flags = append(flags, "-frtti")
		} else {
			flags = append(flags, "-fno-rtti")
		}
	}
	for _, inc := range s.IncludePaths {
		flags = append(flags, "-I"+inc)
	}
	for _, d := range s.Defines {
		flags = append(flags, "-D"+d)
	}
	for _, fi := range s.ForcedIncludes {
		flags = append(flags, "-include", fi)
	}
	return flags
}

// PchCommand implements compiler.Driver: a precompiled header is just a
// compile of `header` with `-x c(++)-header`, producing `object`
// (conventionally header.gch).
func (t *Toolchain) PchCommand(settings *compiler.Settings, source, header, object string) (compiler.Command, compiler.PchTarget, bool, error) {
	langFlag := "c-header"
	if settings.Language == "c++" {
		langFlag = "c++-header"
	}
	argv := append([]string{t.cc(), "-x", langFlag, "-c", "-o", object}, commonFlags(settings)...)
	argv = append(argv, source)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	target := compiler.PchTarget{Path: object, Header: header}
	return compiler.NewExecCommand(cmd), target, true, nil
}

// ObjectCommands implements compiler.Driver: gcc produces dependency
// information as a side effect of compiling via -MMD -MF, so preprocess is a
// no-op and scan reads the Makefile fragment gcc wrote alongside the object.
// The scanned dependency list also carries the resolved compiler binary
// itself, per spec.md §4.4: "the set of files that the preprocessor actually
// read (plus the compiler executable)" — otherwise upgrading gcc in place
// would leave checkDependencyInfo and the object cache none the wiser.
func (t *Toolchain) ObjectCommands(settings *compiler.Settings, source compiler.Source, targetObject string) (compiler.Command, compiler.Scanner, compiler.Command, bool, error) {
	depFile := targetObject + ".d"

	argv := []string{t.cc(), "-c", "-MMD", "-MF", depFile, "-o", targetObject}
	argv = append(argv, commonFlags(settings)...)
	if source.Pch != nil {
		argv = append(argv, "-include", source.Pch.Header, "-Winvalid-pch")
	}
	if settings.Language != "" {
		argv = append(argv, "-x", settings.Language)
	}
	argv = append(argv, source.Path)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr

	ccPath := resolveExecutable(t.cc())
	scan := func() ([]string, error) {
		deps, err := parseMakeDepFile(depFile)
		if err != nil {
			return nil, err
		}
		return append(deps, ccPath), nil
	}
	return compiler.Command{}, scan, compiler.NewExecCommand(cmd), true, nil
}

// resolveExecutable returns name's resolved path on PATH, or name unchanged
// if it can't be resolved (e.g. already absolute, or not found — the latter
// would fail the subsequent exec anyway, so there's no case worth hiding).
func resolveExecutable(name string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	return name
}

// LibraryCommand implements compiler.Driver: `ar rcs target objects...`.
// Static libraries carry no dependency surface beyond the objects already
// tracked by the tasks that built them, so scan is nil.
func (t *Toolchain) LibraryCommand(settings *compiler.Settings, target string, objects []string) (compiler.Command, compiler.Scanner, error) {
	argv := append([]string{t.ar(), "rcs", target}, objects...)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	return compiler.NewExecCommand(cmd), nil, nil
}

// ModuleCommands implements compiler.Driver: a shared object link.
func (t *Toolchain) ModuleCommands(settings *compiler.Settings, target string, objects []string, resolved []compiler.ResolvedLibrary) (compiler.Command, compiler.Scanner, error) {
	return t.link(settings, target, objects, resolved, true)
}

// ProgramCommands implements compiler.Driver: an executable link.
func (t *Toolchain) ProgramCommands(settings *compiler.Settings, target string, objects []string, resolved []compiler.ResolvedLibrary) (compiler.Command, compiler.Scanner, error) {
	return t.link(settings, target, objects, resolved, false)
}

func (t *Toolchain) link(settings *compiler.Settings, target string, objects []string, resolved []compiler.ResolvedLibrary, shared bool) (compiler.Command, compiler.Scanner, error) {
	argv := []string{t.cc()}
	if shared {
		argv = append(argv, "-shared")
	}
	argv = append(argv, "-o", target)
	argv = append(argv, objects...)
	if settings.LinkerScript != "" {
		argv = append(argv, "-T", settings.LinkerScript)
	}
	for _, lp := range settings.LibraryPaths {
		argv = append(argv, "-L"+lp)
	}
	argv = append(argv, compiler.LinkLine(resolved)...)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	return compiler.NewExecCommand(cmd), nil, nil
}

// parseMakeDepFile parses a gcc -MMD Makefile fragment ("target: dep1 dep2
// \\\n dep3 ...") into its dependency paths, dropping the target itself.
func parseMakeDepFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("gcc: open dep file %s: %w", path, err)
	}
	defer f.Close()

	var joined strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		line = strings.TrimSuffix(line, "\\")
		joined.WriteString(" ")
		joined.WriteString(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	fields := strings.Fields(joined.String())
	if len(fields) == 0 {
		return nil, nil
	}
	// fields[0] is "target:" (colon may be stuck to the path or its own field).
	var deps []string
	skippedTarget := false
	for _, f := range fields {
		if !skippedTarget {
			skippedTarget = true
			if strings.HasSuffix(f, ":") {
				continue
			}
			if idx := strings.Index(f, ":"); idx >= 0 {
				rest := f[idx+1:]
				if rest != "" {
					deps = append(deps, rest)
				}
				continue
			}
		}
		deps = append(deps, f)
	}
	return deps, nil
}

package compiler

import (
	"os/exec"
)

// Command is spec.md §9's redesign of "Command(args, func)": a tagged
// variant pairing a first-class fingerprint (the args snapshot that
// participates in the dependency record) with the closure that actually
// runs the step. Keeping Args alongside Run — rather than letting Run close
// over untracked state — is exactly spec.md §9's instruction: "the
// fingerprint is a first-class value participating in the dependency
// record".
type Command struct {
	// Args is the opaque argv-equivalent fingerprint: printable for
	// diagnostics (the `run` debug channel) and hashed into the
	// DependencyInfo/object-cache keys.
	Args []byte
	// Argv, when non-nil, is the literal argument vector kiln will exec;
	// Args is usually derived from it, but Args may differ (e.g. include a
	// compiler version banner) when a plugin's fingerprint must capture more
	// than what reaches argv.
	Argv []string
	// Run executes the step. Returning a non-nil error surfaces a BuildError
	// (spec.md §7).
	Run func() error
}

// NewExecCommand builds a Command that runs cmd, deriving its fingerprint
// from the literal argv — the teacher builds and runs argv slices the same
// way inline throughout buildc.go/build.go's many exec.CommandContext call
// sites.
func NewExecCommand(cmd *exec.Cmd) Command {
	argv := append([]string(nil), cmd.Args...)
	var fingerprint []byte
	for _, a := range argv {
		fingerprint = append(fingerprint, []byte(a)...)
		fingerprint = append(fingerprint, 0)
	}
	return Command{
		Args: fingerprint,
		Argv: argv,
		Run:  cmd.Run,
	}
}

// Scanner returns the list of files a build step depends on — typically
// parsed from preprocessor output (spec.md §4.5). Paths the filesystem
// reports as missing are the caller's responsibility to drop with a debug
// log line, per spec.md §4.5.
type Scanner func() ([]string, error)

// Source is one source file handed to a build step, paired with the PCH (if
// any) it should be compiled against.
type Source struct {
	Path string
	Pch  *PchTarget
}

// PchTarget is spec.md §3's PchTarget: a precompiled header's file path,
// the header name it was built from, and an optional companion object
// required at link time by toolchains that emit one alongside the .pch.
type PchTarget struct {
	Path           string
	Header         string
	CompanionObject string // "" if the toolchain emits no companion object
}

// Driver is the per-toolchain plugin contract of spec.md §4.5. One Driver
// implementation exists per toolchain (kiln ships internal/compiler/gcc);
// the interface is the "contract each compiler plugin must implement" that
// spec.md §1 scopes this core to, deliberately leaving vendor-specific flag
// dialects to the plugin.
type Driver interface {
	// PchCommand returns the compile step that produces a precompiled
	// header, whether its result is cacheable, and the PchTarget describing
	// it.
	PchCommand(settings *Settings, source, header, object string) (cmd Command, target PchTarget, canCache bool, err error)

	// ObjectCommands returns the preprocess/scan/compile triple for building
	// one object file. Toolchains that produce dependency info as a side
	// effect of compiling return a zero preprocess Command (nil Run) and a
	// scan that reads what the compile wrote (spec.md §4.5).
	ObjectCommands(settings *Settings, source Source, targetObject string) (preprocess Command, scan Scanner, compile Command, canCache bool, err error)

	// LibraryCommand returns the archive step and its Scanner for building a
	// static library from the given object files.
	LibraryCommand(settings *Settings, target string, objects []string) (archive Command, scan Scanner, err error)

	// ModuleCommands returns the link step and Scanner for building a shared
	// module (e.g. a plugin/DLL/.so).
	ModuleCommands(settings *Settings, target string, objects []string, resolved []ResolvedLibrary) (link Command, scan Scanner, err error)

	// ProgramCommands returns the link step and Scanner for building an
	// executable program.
	ProgramCommands(settings *Settings, target string, objects []string, resolved []ResolvedLibrary) (link Command, scan Scanner, err error)

	// PrefixSuffixes returns the (prefix, suffix) pairs this toolchain's
	// library resolver should try, in the order spec.md §4.5 describes.
	PrefixSuffixes() []PrefixSuffix
}

package compiler

import (
	"os"
	"path/filepath"
)

// PrefixSuffix is one (prefix, suffix) candidate-filename pattern tried by
// the library resolver, e.g. {"lib", ".a"} or {"", ".lib"}.
type PrefixSuffix struct {
	Prefix string
	Suffix string
}

// ResolvedLibrary is one resolved entry from ResolveLibraries: either a
// library file path, or — when Settings.LinkObjectsInLibrary is set and the
// name was produced by a kiln-built library recorded in LibraryObjectsMap —
// the ordered tuple of object paths that populated it.
type ResolvedLibrary struct {
	Name    string
	Path    string   // resolved library path, or Name unchanged if unresolved
	Objects []string // set when expanded via LibraryObjectsMap; LinkLine then uses it in place of Path
	Found   bool
}

// LibraryObjects is spec.md §3's LibraryObjectsMap: an engine-scoped map
// from a built library path to the ordered object paths that populated it,
// consulted by ResolveLibraries when Settings.LinkObjectsInLibrary is set.
type LibraryObjects interface {
	Objects(libraryPath string) ([]string, bool)
}

// ResolveLibraries implements spec.md §4.5's library resolver:
//
//	iterate `libraries` in reverse (later additions win). For each name,
//	construct candidate filenames by trying the name itself, then for each
//	(prefix, suffix) pair, the prefix+name+suffix form. Search each
//	candidate under each `libraryPath` (in reverse of the order added) and
//	also under the empty path (to allow absolute library names). First hit
//	wins.
//
// The reverse-iteration-plus-empty-path-search combination is spec.md §9's
// flagged Open Question: the empty path lets an absolute library name (e.g.
// "/usr/lib/libfoo.a" passed as a library name rather than a search path)
// resolve without requiring every caller to special-case it. ResolveLibraries
// preserves that observable behavior rather than "fixing" it, per spec.md
// §9's instruction to keep it and test both absolute and relative names.
//
// The grounding for "later wins, search in reverse" is the teacher's own
// glob.go/resolve.go pattern of iterating dependency lists so that the most
// specific/most recently added entry is preferred (distri's
// newerRevisionGoesFirst and resolve1's seen-set both favor the latest
// addition), generalized here from package names to library file names.
func ResolveLibraries(libraries []string, libraryPaths []string, pairs []PrefixSuffix, linkObjectsInLibrary bool, objs LibraryObjects, stat func(string) bool) []ResolvedLibrary {
	if stat == nil {
		stat = func(p string) bool {
			_, err := os.Stat(p)
			return err == nil
		}
	}

	searchPaths := make([]string, 0, len(libraryPaths)+1)
	for i := len(libraryPaths) - 1; i >= 0; i-- {
		searchPaths = append(searchPaths, libraryPaths[i])
	}
	searchPaths = append(searchPaths, "") // absolute library names

	out := make([]ResolvedLibrary, 0, len(libraries))
	for i := len(libraries) - 1; i >= 0; i-- {
		name := libraries[i]
		resolved := resolveOne(name, searchPaths, pairs, stat)
		if resolved.Found && linkObjectsInLibrary && objs != nil {
			if objects, ok := objs.Objects(resolved.Path); ok {
				resolved.Objects = objects
			}
		}
		out = append(out, resolved)
	}
	return out
}

func resolveOne(name string, searchPaths []string, pairs []PrefixSuffix, stat func(string) bool) ResolvedLibrary {
	candidates := make([]string, 0, 1+len(pairs))
	candidates = append(candidates, name)
	for _, ps := range pairs {
		candidates = append(candidates, ps.Prefix+name+ps.Suffix)
	}

	for _, dir := range searchPaths {
		for _, cand := range candidates {
			full := cand
			if dir != "" {
				full = filepath.Join(dir, cand)
			}
			if stat(full) {
				return ResolvedLibrary{Name: name, Path: full, Found: true}
			}
		}
	}
	// Unresolved: logged and surfaced to the linker as-is (spec.md §4.5) —
	// the linker may still succeed, e.g. for system libraries resolved by
	// its own default search paths.
	return ResolvedLibrary{Name: name, Path: name, Found: false}
}

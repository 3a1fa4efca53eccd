package engine

import (
	"io"
	"os"
	"path/filepath"

	"github.com/kilnbuild/kiln/internal/compiler"
	"github.com/kilnbuild/kiln/internal/fsutil"
	"github.com/kilnbuild/kiln/internal/taskgraph"
)

// BuildPch schedules a precompiled-header build step (spec.md §4.5
// "PCH handling"). The returned PchTarget is available immediately — the
// driver constructs it synchronously — so callers can hand it to BuildObject
// for downstream sources before the PCH task itself has run.
func (e *Engine) BuildPch(settings *compiler.Settings, source, header, object string, preds []*taskgraph.Task) (*taskgraph.Task, *compiler.PchTarget, error) {
	cmd, target, canCache, err := e.driver.PchCommand(settings, source, header, object)
	if err != nil {
		return nil, nil, &ConfigError{Target: object, Err: err}
	}

	t := e.CreateTask(func() (interface{}, error) {
		slot := e.acquireSlot()
		e.Log.UpdateStatus(slot, "Compiling "+object)
		defer e.releaseSlot(slot)
		res, err := e.Step().RunObject(object, cmd.Args, compiler.Command{}, nil, cmd, canCache)
		if err != nil {
			return nil, e.RaiseError(object, &BuildError{Target: object, Err: err})
		}
		return res, nil
	})
	if err := t.StartAfter(preds, false); err != nil {
		return nil, nil, err
	}
	t.Start()
	return t, &target, nil
}

// BuildObject schedules one object-file build step. If source.Pch is set,
// callers must include the PCH's backing task among preds (spec.md §4.5:
// "Add the PCH file as a prerequisite task") — BuildObject itself only
// threads source.Pch into the driver's argv construction.
func (e *Engine) BuildObject(settings *compiler.Settings, source compiler.Source, targetObject string, preds []*taskgraph.Task) (*taskgraph.Task, error) {
	preprocess, scan, compile, canCache, err := e.driver.ObjectCommands(settings, source, targetObject)
	if err != nil {
		return nil, &ConfigError{Target: targetObject, Err: err}
	}

	args := compile.Args
	if len(preprocess.Args) > 0 {
		args = append(append([]byte(nil), preprocess.Args...), args...)
	}

	t := e.CreateTask(func() (interface{}, error) {
		slot := e.acquireSlot()
		e.Log.UpdateStatus(slot, "Compiling "+targetObject)
		defer e.releaseSlot(slot)
		res, err := e.Step().RunObject(targetObject, args, preprocess, scan, compile, canCache)
		if err != nil {
			return nil, e.RaiseError(targetObject, &BuildError{Target: targetObject, Err: err})
		}
		return res, nil
	})
	if err := t.StartAfter(preds, false); err != nil {
		return nil, err
	}
	t.Start()
	return t, nil
}

// LinkInputs returns objects plus, for every pch in pchs that emitted a
// companion object, that companion path appended — spec.md §4.5: "Include
// the PCH's companion object (when the toolchain emits one) in the link
// input set."
func LinkInputs(objects []string, pchs ...*compiler.PchTarget) []string {
	out := append([]string(nil), objects...)
	for _, p := range pchs {
		if p != nil && p.CompanionObject != "" {
			out = append(out, p.CompanionObject)
		}
	}
	return out
}

func (e *Engine) resolveLibraries(settings *compiler.Settings) []compiler.ResolvedLibrary {
	resolved := compiler.ResolveLibraries(settings.Libraries, settings.LibraryPaths, e.driver.PrefixSuffixes(), settings.LinkObjectsInLibrary, e, nil)
	for _, r := range resolved {
		if !r.Found {
			e.RaiseWarning("library %s not found; passing it to the linker as-is", r.Name)
		}
	}
	return resolved
}

// BuildLibrary schedules a static-library archive step. On success the
// library's object tuple is recorded into the engine's LibraryObjectsMap for
// any later linkObjectsInLibrary expansion (spec.md §3/§4.5).
func (e *Engine) BuildLibrary(settings *compiler.Settings, target string, objects []string, preds []*taskgraph.Task) (*taskgraph.Task, error) {
	archive, scan, err := e.driver.LibraryCommand(settings, target, objects)
	if err != nil {
		return nil, &ConfigError{Target: target, Err: err}
	}

	t := e.CreateTask(func() (interface{}, error) {
		slot := e.acquireSlot()
		e.Log.UpdateStatus(slot, "Archiving "+target)
		defer e.releaseSlot(slot)
		res, err := e.Step().RunArchiveOrLink(target, "Archiving", archive.Args, archive, scan)
		if err != nil {
			return nil, e.RaiseError(target, &BuildError{Target: target, Err: err})
		}
		e.RecordLibraryObjects(target, objects)
		return res, nil
	})
	if err := t.StartAfter(preds, false); err != nil {
		return nil, err
	}
	t.Start()
	return t, nil
}

// BuildModule schedules a shared-module link step. pchs are the PCH targets
// (if any) used to build objects; their companion objects, when the
// toolchain emits one, join the link input set (spec.md §4.5).
func (e *Engine) BuildModule(settings *compiler.Settings, target string, objects []string, preds []*taskgraph.Task, pchs ...*compiler.PchTarget) (*taskgraph.Task, error) {
	linkObjects := LinkInputs(objects, pchs...)
	resolved := e.resolveLibraries(settings)
	link, scan, err := e.driver.ModuleCommands(settings, target, linkObjects, resolved)
	if err != nil {
		return nil, &ConfigError{Target: target, Err: err}
	}

	t := e.CreateTask(func() (interface{}, error) {
		slot := e.acquireSlot()
		e.Log.UpdateStatus(slot, "Linking "+target)
		defer e.releaseSlot(slot)
		res, err := e.Step().RunArchiveOrLink(target, "Linking", link.Args, link, scan)
		if err != nil {
			return nil, e.RaiseError(target, &BuildError{Target: target, Err: err})
		}
		return res, nil
	})
	if err := t.StartAfter(preds, false); err != nil {
		return nil, err
	}
	t.Start()
	return t, nil
}

// BuildProgram schedules an executable link step. pchs are the PCH targets
// (if any) used to build objects; their companion objects, when the
// toolchain emits one, join the link input set (spec.md §4.5).
func (e *Engine) BuildProgram(settings *compiler.Settings, target string, objects []string, preds []*taskgraph.Task, pchs ...*compiler.PchTarget) (*taskgraph.Task, error) {
	linkObjects := LinkInputs(objects, pchs...)
	resolved := e.resolveLibraries(settings)
	link, scan, err := e.driver.ProgramCommands(settings, target, linkObjects, resolved)
	if err != nil {
		return nil, &ConfigError{Target: target, Err: err}
	}

	t := e.CreateTask(func() (interface{}, error) {
		slot := e.acquireSlot()
		e.Log.UpdateStatus(slot, "Linking "+target)
		defer e.releaseSlot(slot)
		res, err := e.Step().RunArchiveOrLink(target, "Linking", link.Args, link, scan)
		if err != nil {
			return nil, e.RaiseError(target, &BuildError{Target: target, Err: err})
		}
		return res, nil
	})
	if err := t.StartAfter(preds, false); err != nil {
		return nil, err
	}
	t.Start()
	return t, nil
}

// CopyModulesTo schedules spec.md §4.5's copyModulesTo(dir): one task per
// configured module, each checking the destination's existence/mtime against
// the source and copying via atomic write when stale.
func (e *Engine) CopyModulesTo(dir string, modules []string, preds []*taskgraph.Task) []*taskgraph.Task {
	out := make([]*taskgraph.Task, 0, len(modules))
	for _, m := range modules {
		m := m
		dest := filepath.Join(dir, filepath.Base(m))

		t := e.CreateTask(func() (interface{}, error) {
			slot := e.acquireSlot()
			e.Log.UpdateStatus(slot, "Copying "+dest)
			defer e.releaseSlot(slot)
			srcInfo, err := os.Stat(m)
			if err != nil {
				return nil, e.RaiseError(dest, &BuildError{Target: dest, Err: err})
			}
			if destInfo, err := os.Stat(dest); err == nil && !destInfo.ModTime().Before(srcInfo.ModTime()) {
				return nil, nil
			}
			src, err := openFile(m, os.O_RDONLY, 0)
			if err != nil {
				return nil, e.RaiseError(dest, &BuildError{Target: dest, Err: err})
			}
			data, err := io.ReadAll(src)
			src.Close()
			if err != nil {
				return nil, e.RaiseError(dest, &BuildError{Target: dest, Err: err})
			}
			if err := fsutil.AtomicWrite(dest, data, 0644); err != nil {
				return nil, e.RaiseError(dest, &EnvironmentError{Op: "copy module " + dest, Err: err})
			}
			e.notifyFileChanged(dest)
			e.Log.Printf("Copying %s", dest)
			return nil, nil
		})
		t.StartAfter(preds, false)
		t.Start()
		out = append(out, t)
	}
	return out
}

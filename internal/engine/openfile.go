package engine

import (
	"os"

	"golang.org/x/sys/unix"
)

// openFile opens path the way spec.md §5's "force-inherit-disabled file
// handles" requires: every file the engine itself opens is marked
// close-on-exec, so a spawned compiler subprocess never inherits (and
// therefore never locks) an engine-owned file descriptor.
//
// os.OpenFile on this platform doesn't expose O_CLOEXEC directly through the
// portable flag set the way the teacher's build.go reaches past os.File for
// unix.Flistxattr/unix.Fgetxattr (raw fd syscalls rather than os-package
// wrappers); openFile follows that same direct-syscall style, setting
// FD_CLOEXEC immediately after open rather than trusting the os package to
// have done it.
func openFile(path string, flag int, perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	fd := int(f.Fd())
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err == nil {
		unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC)
	}
	return f, nil
}

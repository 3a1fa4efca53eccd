package engine

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// DebugChannel is one of spec.md §6's debug channels: reason, run, script,
// scan. Multiple channels combine via bitwise OR.
type DebugChannel uint8

const (
	ChannelReason DebugChannel = 1 << iota
	ChannelRun
	ChannelScript
	ChannelScan
)

var channelNames = map[string]DebugChannel{
	"reason": ChannelReason,
	"run":    ChannelRun,
	"script": ChannelScript,
	"scan":   ChannelScan,
}

// ParseDebugChannels parses a comma-separated --debug argument into a
// bitmask. Unknown channel names are ignored (a config error belongs to the
// CLI front end's flag validation, not here).
func ParseDebugChannels(s string) DebugChannel {
	var mask DebugChannel
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if ch, ok := channelNames[name]; ok {
			mask |= ch
		}
	}
	return mask
}

func (m DebugChannel) enabled(name string) bool {
	ch, ok := channelNames[name]
	return ok && m&ch != 0
}

// Logger is the engine's output sink: plain progress lines ("Compiling X"),
// gated debug lines, and — when stdout is a terminal — a redrawn per-worker
// status board. Grounded directly on the teacher's internal/batch/batch.go
// scheduler (isTerminal/refreshStatus/updateStatus), generalized from one
// status line per package-build worker to one per kiln pool worker; isatty
// replaces the teacher's raw unix.IoctlGetTermios probe per SPEC_FULL.md
// §9.1.
type Logger struct {
	log     *log.Logger
	silent  bool
	debug   DebugChannel
	isTerm  bool

	mu         sync.Mutex
	status     []string
	lastStatus time.Time
}

// NewLogger returns a Logger writing to stderr, with jobs status lines
// (worker 0 is reserved for the overall tally, matching batch.go's
// `status[0]` "N of M packages" line).
func NewLogger(jobs int, silent bool, debug DebugChannel) *Logger {
	return &Logger{
		log:    log.New(os.Stderr, "", 0),
		silent: silent,
		debug:  debug,
		isTerm: isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()),
		status: make([]string, jobs+1),
	}
}

// Printf emits a plain progress line ("Compiling X", "Cached Y"), suppressed
// in silent mode.
func (l *Logger) Printf(format string, args ...interface{}) {
	if l.silent {
		return
	}
	l.log.Printf(format, args...)
}

// Debugf emits a line on the named debug channel if enabled.
func (l *Logger) Debugf(channel, format string, args ...interface{}) {
	if !l.debug.enabled(channel) {
		return
	}
	l.log.Printf("["+channel+"] "+format, args...)
}

// Errorf always prints, even in silent mode — errors are never suppressed.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log.Printf(format, args...)
}

// UpdateStatus sets worker idx's status line and redraws the board, the
// same cadence-limited redraw batch.go's updateStatus performs.
func (l *Logger) UpdateStatus(idx int, status string) {
	if !l.isTerm || idx < 0 || idx >= len(l.status) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if diff := len(l.status[idx]) - len(status); diff > 0 {
		status += strings.Repeat(" ", diff)
	}
	l.status[idx] = status
	if time.Since(l.lastStatus) < 100*time.Millisecond {
		return
	}
	l.lastStatus = time.Now()
	l.printStatusLocked()
}

func (l *Logger) printStatusLocked() {
	for _, line := range l.status {
		fmt.Println(line)
	}
	fmt.Printf("\033[%dA", len(l.status))
}

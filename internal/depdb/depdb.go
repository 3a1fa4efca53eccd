// Package depdb implements the persisted per-target dependency database of
// spec.md §3/§4.3: one record per target, written atomically next to the
// target it describes, used to answer "is this target up to date?" without
// rerunning the compiler.
//
// Storage format follows the teacher's pattern of small, self-describing
// sidecar files read with a lightweight loader (pb.ReadMetaFile /
// pb.ReadBuildFile in the teacher's pb package) and written atomically via
// renameio (build.go's renameio.TempFile/CloseAtomicallyReplace). The
// teacher's sidecar format happens to be textproto produced by its build
// description toolchain — a concern spec.md §1 places outside this core's
// scope (protobuf evaluation belongs to the build-description evaluator we
// do not implement; see DESIGN.md). kiln's DependencyInfo record is instead
// a small versioned, length-prefixed binary encoding it owns outright,
// satisfying spec.md §6's "self-describing with a version header; unknown
// versions treated as missing" requirement directly.
package depdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"time"

	"golang.org/x/xerrors"

	"github.com/kilnbuild/kiln/internal/digest"
	"github.com/kilnbuild/kiln/internal/fsutil"
)

// FileInfo is spec.md §3's FileInfo: a path plus an optional mtime and
// content digest.
type FileInfo struct {
	Path   string
	MTime  time.Time // zero if not tracked
	Digest digest.Digest
}

// DependencyInfo is spec.md §3's persisted record: the targets a build step
// produced, the opaque args fingerprint that produced them, and the inputs
// that were read while producing them.
type DependencyInfo struct {
	Targets []FileInfo
	Args    []byte
	Inputs  []FileInfo
}

// recordVersion is bumped whenever the on-disk encoding changes
// incompatibly. A record with an unrecognized version is treated exactly
// like a missing record (spec.md §4.3/§6).
const recordVersion uint32 = 1

// suffix is appended to a target's path to name its sidecar record, e.g.
// "libfoo.a" -> "libfoo.a.dep" (spec.md §4.3: "<target>.dep").
const suffix = ".dep"

func recordPath(target string) string { return target + suffix }

// ErrMissing is returned by Load when no usable record exists for target
// (absent, corrupt, or an unrecognized version).
var ErrMissing = errors.New("depdb: no dependency record")

// Store is the dependency database. It has no in-memory state of its own:
// every target's record lives in its own file, so (per spec.md §5) no
// cross-target locking is required — only the task building a target ever
// writes that target's record.
type Store struct{}

// New returns a ready-to-use Store.
func New() *Store { return &Store{} }

// Load reads the persisted DependencyInfo for targetPath, or ErrMissing.
func (s *Store) Load(targetPath string) (*DependencyInfo, error) {
	data, err := os.ReadFile(recordPath(targetPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMissing
		}
		return nil, err
	}
	info, err := decode(data)
	if err != nil {
		// Unknown/corrupt version: treated as missing, not fatal (spec.md §6).
		return nil, ErrMissing
	}
	return info, nil
}

// Store atomically overwrites the record for each target named in info
// (spec.md §4.3: "atomically overwrites the record for each of
// info.targets").
func (s *Store) Store(info *DependencyInfo) error {
	data := encode(info)
	for _, t := range info.Targets {
		if err := fsutil.AtomicWrite(recordPath(t.Path), data, 0644); err != nil {
			return xerrors.Errorf("depdb: store %s: %w", t.Path, err)
		}
	}
	return nil
}

// Check implements spec.md §4.3's checkDependencyInfo: it returns the prior
// record and an empty reason when targetPath is up to date for args, or a
// nil record and a short human-readable reason to rebuild otherwise.
//
// statPath lets callers inject how to stat a path's mtime (tests use this to
// avoid touching the real filesystem clock); production code passes
// Engine.getTimestamp directly, so Check shares the engine's cached-stat-
// with-invalidation layer (spec.md §4.6) instead of re-statting on its own.
func (s *Store) Check(targetPath string, args []byte, force bool, statPath func(string) (time.Time, error)) (info *DependencyInfo, reason string) {
	if force {
		return nil, "forced"
	}
	prior, err := s.Load(targetPath)
	if err != nil {
		return nil, "no prior record"
	}
	if !bytes.Equal(prior.Args, args) {
		return nil, "args changed"
	}
	for _, target := range prior.Targets {
		if _, err := statPath(target.Path); err != nil {
			return nil, "target missing"
		}
	}
	for _, in := range prior.Inputs {
		mtime, err := statPath(in.Path)
		if err != nil {
			return nil, "input " + in.Path + " missing"
		}
		if !mtime.Equal(in.MTime) {
			return nil, "input " + in.Path + " newer than target"
		}
	}
	return prior, ""
}

// --- encoding ---
//
// Layout: u32 version | u32 len(targets) | targets... | u32 len(args) |
// args bytes | u32 len(inputs) | inputs...
// Each FileInfo: u32 len(path) | path bytes | i64 mtime (UnixNano, 0 if
// untracked) | u8 hasDigest | [u32 len(digest) | digest bytes]

func encode(info *DependencyInfo) []byte {
	var buf bytes.Buffer
	putU32(&buf, recordVersion)
	putFileInfos(&buf, info.Targets)
	putBytes(&buf, info.Args)
	putFileInfos(&buf, info.Inputs)
	return buf.Bytes()
}

func decode(data []byte) (*DependencyInfo, error) {
	r := bytes.NewReader(data)
	version, err := getU32(r)
	if err != nil {
		return nil, err
	}
	if version != recordVersion {
		return nil, xerrors.Errorf("depdb: unsupported record version %d", version)
	}
	targets, err := getFileInfos(r)
	if err != nil {
		return nil, err
	}
	args, err := getBytes(r)
	if err != nil {
		return nil, err
	}
	inputs, err := getFileInfos(r)
	if err != nil {
		return nil, err
	}
	return &DependencyInfo{Targets: targets, Args: args, Inputs: inputs}, nil
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func getU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putU32(buf, uint32(len(b)))
	buf.Write(b)
}

func getBytes(r *bytes.Reader) ([]byte, error) {
	n, err := getU32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func putFileInfos(buf *bytes.Buffer, fis []FileInfo) {
	putU32(buf, uint32(len(fis)))
	for _, fi := range fis {
		putBytes(buf, []byte(fi.Path))
		var mt [8]byte
		if !fi.MTime.IsZero() {
			binary.BigEndian.PutUint64(mt[:], uint64(fi.MTime.UnixNano()))
		}
		buf.Write(mt[:])
		if fi.Digest.Empty() {
			buf.WriteByte(0)
		} else {
			buf.WriteByte(1)
			putBytes(buf, []byte(fi.Digest))
		}
	}
}

func getFileInfos(r *bytes.Reader) ([]FileInfo, error) {
	n, err := getU32(r)
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, n)
	for i := uint32(0); i < n; i++ {
		path, err := getBytes(r)
		if err != nil {
			return nil, err
		}
		var mt [8]byte
		if _, err := io.ReadFull(r, mt[:]); err != nil {
			return nil, err
		}
		hasDigest, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		var d digest.Digest
		if hasDigest == 1 {
			db, err := getBytes(r)
			if err != nil {
				return nil, err
			}
			d = digest.Digest(db)
		}
		var mtime time.Time
		if ns := int64(binary.BigEndian.Uint64(mt[:])); ns != 0 {
			mtime = time.Unix(0, ns)
		}
		out = append(out, FileInfo{
			Path:   string(path),
			MTime:  mtime,
			Digest: d,
		})
	}
	return out, nil
}

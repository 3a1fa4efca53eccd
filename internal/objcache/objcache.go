// Package objcache implements the shared, content-addressed object cache of
// spec.md §4.4: a cross-workspace on-disk store keyed by a digest over the
// preprocessed source plus command arguments, so an object file built in one
// workspace can be reused by another without recompiling.
//
// Storage mechanics are grounded directly in the teacher: renameio's
// TempFile/CloseAtomicallyReplace (used throughout build.go for squashfs
// images) gives us the "copy object first, then publish index entry" publish
// order spec.md §4.4 requires, and golang.org/x/exp/mmap (used by
// internal/install/install.go to read squashfs images without copying) is
// used here to stream a cached object back out to its target without a full
// buffered read. Cached object bytes are compressed at rest with
// github.com/klauspost/pgzip — the parallel gzip package the teacher's own
// internal/install/install.go flags with a "TODO: consider pgzip" for
// squashfs decompression; kiln finally gives that TODO a home, since the
// object store's multi-writer, append-mostly nature is exactly what pgzip's
// parallelism suits.
package objcache

import (
	"bytes"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/pgzip"
	"golang.org/x/exp/mmap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/kilnbuild/kiln/internal/digest"
	"github.com/kilnbuild/kiln/internal/fsutil"
)

// compressThreshold: objects at or above this size are pgzip-compressed;
// smaller ones are stored raw since spinning up pgzip's worker goroutines
// costs more than it saves.
const compressThreshold = 32 * 1024

// Dep is one dependency considered for cache-key purposes: a path plus the
// content digest the digest.Service computed for it at the moment the
// compile/scan ran.
type Dep struct {
	Path   string
	Digest digest.Digest
}

// Cache is the shared object store rooted at a directory (spec.md §3
// "Cache layout").
type Cache struct {
	Root string

	// WorkspaceRoot, if set, is stripped from dependency/target paths before
	// they participate in key derivation, so a build rooted at a different
	// absolute path still hits the cache (spec.md §4.4). The prefix match
	// uses filepath.Rel and is case-sensitive on every filesystem, including
	// case-insensitive ones.
	WorkspaceRoot string

	// Stat resolves a path's current (mtime, content digest) when re-hashing
	// a candidate index entry's dependencies in hashDeps. Defaults to
	// digests.Stat; Engine overrides this with its own cached
	// getTimestamp+getFileDigest layer (spec.md §4.6) so a cache lookup never
	// re-stats a path the engine already has a fresh answer for.
	Stat func(path string) (time.Time, digest.Digest, error)

	digests *digest.Service
}

// New returns a Cache rooted at root, using digests for content hashing.
func New(root string, digests *digest.Service) *Cache {
	return &Cache{Root: root, digests: digests, Stat: digests.Stat}
}

func (c *Cache) relativize(path string) string {
	if c.WorkspaceRoot == "" {
		return path
	}
	rel, err := filepath.Rel(c.WorkspaceRoot, path)
	if err != nil || len(rel) >= 2 && rel[:2] == ".." {
		return path // outside the workspace root: keep absolute
	}
	return rel
}

// resolve reverses relativize: a path recorded relative to WorkspaceRoot is
// joined back against it; an already-absolute path (recorded verbatim
// because it fell outside WorkspaceRoot, or because WorkspaceRoot is unset)
// passes through unchanged. This is what lets two differently-rooted
// workspaces share index entries: spec.md §4.4 "portability across
// workspaces rooted at different absolute paths".
func (c *Cache) resolve(path string) string {
	if c.WorkspaceRoot == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.WorkspaceRoot, path)
}

// relativizeDeps returns deps with each Path passed through relativize, for
// use in key derivation and on-disk index entries.
func (c *Cache) relativizeDeps(deps []Dep) []Dep {
	out := make([]Dep, len(deps))
	for i, d := range deps {
		out[i] = Dep{Path: c.relativize(d.Path), Digest: d.Digest}
	}
	return out
}

// targetDir is the per-target index directory:
// <cacheRoot>/<d0>/<d1>/<targetPathDigest>.
func (c *Cache) targetDir(targetPath string) (string, digest.Digest) {
	targetDigest := digest.Bytes([]byte(c.relativize(targetPath)))
	s := string(targetDigest)
	d0, d1 := s[0:2], s[2:4]
	return filepath.Join(c.Root, d0, d1, s), targetDigest
}

// objectPath is the content-addressed path of a stored object,
// <cacheRoot>/<h0>/<h1>/<objectDigest>.
func (c *Cache) objectPath(objectDigest digest.Digest) string {
	s := string(objectDigest)
	d0, d1 := s[0:2], s[2:4]
	return filepath.Join(c.Root, d0, d1, s)
}

// objectIdentityDigest is H(argsFingerprint || sorted (path, digest) pairs)
// per spec.md §4.4.
func objectIdentityDigest(args []byte, deps []Dep) digest.Digest {
	sorted := append([]Dep(nil), deps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	var buf bytes.Buffer
	buf.Write(args)
	for _, d := range sorted {
		buf.WriteString(d.Path)
		buf.WriteByte(0)
		buf.WriteString(string(d.Digest))
		buf.WriteByte(0)
	}
	return digest.Bytes(buf.Bytes())
}

// depSetDigest is H(dependency paths concatenated) per spec.md §4.4; it
// names the index entry file inside the per-target directory.
func depSetDigest(deps []Dep) digest.Digest {
	sorted := append([]Dep(nil), deps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	var buf bytes.Buffer
	for _, d := range sorted {
		buf.WriteString(d.Path)
	}
	return digest.Bytes(buf.Bytes())
}

// isHexDigest40 matches the "well-formed (hex, 40-char)" filter spec.md
// §4.4's lookup algorithm step 1 asks for (sha1 hex digests are 40 chars).
func isHexDigest40(name string) bool {
	if len(name) != 40 {
		return false
	}
	if _, err := hex.DecodeString(name); err != nil {
		return false
	}
	return true
}

// Lookup implements spec.md §4.4's lookup algorithm: given the target path
// and args fingerprint, it enumerates index candidates recorded for that
// target and returns the object digest of the first one whose recorded
// dependency paths still resolve, re-hash, and match an existing stored
// object. The deps Lookup returns carry real, resolved filesystem paths —
// suitable for a caller to persist straight into a depdb.DependencyInfo.
func (c *Cache) Lookup(targetPath string, args []byte) (objectDigest digest.Digest, deps []Dep, ok bool, err error) {
	dir, _ := c.targetDir(targetPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, false, nil
		}
		return "", nil, false, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && isHexDigest40(e.Name()) {
			names = append(names, e.Name())
		}
	}

	for _, name := range names {
		storedPaths, err := c.readIndexEntry(filepath.Join(dir, name))
		if err != nil {
			continue // corrupt/foreign entry: skip, don't trust (spec.md §9)
		}

		relTrial, absTrial, missing := c.hashDeps(storedPaths)
		if missing {
			continue
		}

		// objectIdentityDigest must be computed over the same (relative or
		// absolute, matching what was recorded) path strings Insert used, so
		// a lookup from a differently-rooted workspace still derives the
		// identical digest Insert stored the object under.
		objDigest := objectIdentityDigest(args, relTrial)
		if _, err := os.Stat(c.objectPath(objDigest)); err != nil {
			continue
		}
		return objDigest, absTrial, true, nil
	}
	return "", nil, false, nil
}

// hashDeps re-stats and re-hashes each stored dependency path (resolved
// against the cache's current WorkspaceRoot) via the shared digest service.
// It returns two parallel slices: relPaths keyed exactly as stored (for
// object-identity digest recomputation) and absPaths resolved to real
// filesystem paths (for callers that persist them into a DependencyInfo,
// which always deals in real paths — depdb knows nothing of WorkspaceRoot).
func (c *Cache) hashDeps(storedPaths []string) (relPaths, absPaths []Dep, missing bool) {
	rel := make([]Dep, len(storedPaths))
	abs := make([]Dep, len(storedPaths))
	var eg errgroup.Group
	for i, p := range storedPaths {
		i, p := i, p
		eg.Go(func() error {
			real := c.resolve(p)
			_, d, err := c.Stat(real)
			if err != nil {
				return err
			}
			rel[i] = Dep{Path: p, Digest: d}
			abs[i] = Dep{Path: real, Digest: d}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, true
	}
	return rel, abs, false
}

func (c *Cache) readIndexEntry(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, xerrors.New("objcache: empty index entry")
	}
	var paths []string
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		paths = append(paths, string(line))
	}
	return paths, nil
}

// Fetch copies the object named by objectDigest to dest.
func (c *Cache) Fetch(objectDigest digest.Digest, dest string) error {
	src := c.objectPath(objectDigest)
	r, err := mmap.Open(src)
	if err != nil {
		return xerrors.Errorf("objcache: open %s: %w", src, err)
	}
	defer r.Close()

	if err := fsutil.MkdirAll(filepath.Dir(dest)); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	rawReader := io.NewSectionReader(r, 0, int64(r.Len()))
	var src2 io.Reader = rawReader
	if isGzip(r) {
		gz, err := pgzip.NewReader(rawReader)
		if err != nil {
			return xerrors.Errorf("objcache: gzip reader: %w", err)
		}
		defer gz.Close()
		src2 = gz
	}
	if _, err := io.Copy(out, src2); err != nil {
		return err
	}
	return out.Close()
}

func isGzip(r *mmap.ReaderAt) bool {
	if r.Len() < 2 {
		return false
	}
	var hdr [2]byte
	r.ReadAt(hdr[:], 0)
	return hdr[0] == 0x1f && hdr[1] == 0x8b
}

// Insert implements spec.md §4.4's insert algorithm: copy the freshly built
// object into the store (compressing it if it's large enough to be worth
// it), then best-effort publish the index entry. Object-first-then-index
// ordering guarantees a reader that observes the index entry can rely on the
// object existing (spec.md §4.4 "Concurrency").
func (c *Cache) Insert(targetPath string, args []byte, deps []Dep, objectSrc string) error {
	relDeps := c.relativizeDeps(deps)
	objDigest := objectIdentityDigest(args, relDeps)
	dest := c.objectPath(objDigest)

	if _, err := os.Stat(dest); err == nil {
		// Someone else already published the same content-addressed object.
	} else if err := c.storeObject(objectSrc, dest); err != nil {
		// Best-effort: cache writes never fail the build (spec.md §7
		// EnvironmentError policy for cache inserts).
		return nil
	}

	dir, _ := c.targetDir(targetPath)
	depSet := depSetDigest(relDeps)
	entryPath := filepath.Join(dir, string(depSet))
	if _, err := os.Stat(entryPath); err == nil {
		return nil // index entry already exists
	}

	var buf bytes.Buffer
	for _, d := range relDeps {
		buf.WriteString(d.Path)
		buf.WriteByte('\n')
	}
	fsutil.AtomicWrite(entryPath, buf.Bytes(), 0644) // best-effort, errors swallowed
	return nil
}

func (c *Cache) storeObject(src, dest string) error {
	in, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := fsutil.MkdirAll(filepath.Dir(dest)); err != nil {
		return err
	}
	if len(in) < compressThreshold {
		return fsutil.AtomicWrite(dest, in, 0644)
	}

	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	if _, err := gz.Write(in); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return fsutil.AtomicWrite(dest, buf.Bytes(), 0644)
}

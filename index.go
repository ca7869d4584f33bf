package ocflsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/aweris/ocflsync/internal/ocfl"
)

// DefaultChunkSize is the read size used when hashing and copying content.
const DefaultChunkSize = 64 << 10

// openFile is replaced in tests to simulate unreadable files.
var openFile = func(name string) (io.ReadCloser, error) { return os.Open(name) }

var chunkPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultChunkSize)
		return &buf
	},
}

// DigestIndex maps content digests to the relative paths holding that
// content under a local root. It reflects the directory at walk time only.
type DigestIndex struct {
	Algorithm Algorithm
	Root      string

	entries map[Digest][]string
	paths   map[string]Digest
}

func newDigestIndex(alg Algorithm, root string) *DigestIndex {
	return &DigestIndex{
		Algorithm: alg,
		Root:      root,
		entries:   map[Digest][]string{},
		paths:     map[string]Digest{},
	}
}

func (x *DigestIndex) add(d Digest, rel string) {
	x.entries[d] = append(x.entries[d], rel)
	x.paths[rel] = d
}

// Has reports whether any local file holds content d.
func (x *DigestIndex) Has(d Digest) bool {
	_, ok := x.entries[d]
	return ok
}

// Paths returns the sorted relative paths holding content d.
func (x *DigestIndex) Paths(d Digest) []string {
	paths := append([]string(nil), x.entries[d]...)
	sort.Strings(paths)
	return paths
}

// DigestOf returns the digest of the file at relative path p.
func (x *DigestIndex) DigestOf(p string) (Digest, bool) {
	d, ok := x.paths[p]
	return d, ok
}

// Len returns the number of distinct digests.
func (x *DigestIndex) Len() int { return len(x.entries) }

// Files returns the number of indexed files.
func (x *DigestIndex) Files() int { return len(x.paths) }

// Digests returns all digests in sorted order.
func (x *DigestIndex) Digests() []Digest {
	out := make([]Digest, 0, len(x.entries))
	for d := range x.entries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Entries yields each digest with its sorted paths, in digest order.
func (x *DigestIndex) Entries() iter.Seq2[Digest, []string] {
	return func(yield func(Digest, []string) bool) {
		for _, d := range x.Digests() {
			if !yield(d, x.Paths(d)) {
				return
			}
		}
	}
}

// State returns the index as a path -> digest map.
func (x *DigestIndex) State() map[string]Digest {
	out := make(map[string]Digest, len(x.paths))
	for p, d := range x.paths {
		out[p] = d
	}
	return out
}

type indexOptions struct {
	skipHidden  bool
	skipDirs    []*regexp.Regexp
	logger      *zap.Logger
	onRead      func(int)
	concurrency int
}

// IndexOption configures BuildLocalIndex.
type IndexOption func(*indexOptions)

// WithSkipHidden skips files and directories whose name starts with a dot.
func WithSkipHidden() IndexOption {
	return func(o *indexOptions) { o.skipHidden = true }
}

// WithSkipDirRE skips directories whose slash-separated relative path
// matches re.
func WithSkipDirRE(re *regexp.Regexp) IndexOption {
	return func(o *indexOptions) {
		if re != nil {
			o.skipDirs = append(o.skipDirs, re)
		}
	}
}

// WithIndexLogger sets the logger for per-file events.
func WithIndexLogger(l *zap.Logger) IndexOption {
	return func(o *indexOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithReadHook is called with the byte count of every read while hashing.
// It may be called from several goroutines.
func WithReadHook(fn func(n int)) IndexOption {
	return func(o *indexOptions) { o.onRead = fn }
}

// WithDigestConcurrency sets how many files are hashed at once.
func WithDigestConcurrency(n int) IndexOption {
	return func(o *indexOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// BuildLocalIndex walks root and hashes every regular file with alg.
// Symlinks, devices and directories are not content entries. The first
// unreadable directory or file aborts the walk with a TraversalError and
// no index is returned.
func BuildLocalIndex(ctx context.Context, root string, alg Algorithm, opts ...IndexOption) (*DigestIndex, error) {
	o := &indexOptions{logger: zap.NewNop(), concurrency: runtime.NumCPU()}
	for _, opt := range opts {
		opt(o)
	}
	if !alg.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(alg))
	}

	absRoot, err := resolveRoot(root)
	if err != nil {
		return nil, &TraversalError{Path: root, Err: err}
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, &TraversalError{Path: root, Err: err}
	}
	if !info.IsDir() {
		return nil, &TraversalError{Path: root, Err: errors.New("not a directory")}
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	idx := newDigestIndex(alg, absRoot)
	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(o.concurrency).WithContext(ctx).WithCancelOnError().WithFirstError()

	walkErr := filepath.WalkDir(absRoot, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return &TraversalError{Path: name, Err: err}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(absRoot, name)
		if err != nil {
			return &TraversalError{Path: name, Err: err}
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if rel == ".." || strings.HasPrefix(rel, "../") {
			return &TraversalError{Path: name, Err: errors.New("path escapes root")}
		}

		if d.IsDir() {
			if o.skipHidden && isHidden(d.Name()) {
				return fs.SkipDir
			}
			for _, re := range o.skipDirs {
				if re.MatchString(rel) {
					o.logger.Debug("skipping directory", zap.String("path", rel))
					return fs.SkipDir
				}
			}
			return nil
		}
		if !d.Type().IsRegular() {
			o.logger.Debug("skipping non-regular file", zap.String("path", rel), zap.Stringer("type", d.Type()))
			return nil
		}
		if isTempName(d.Name()) || (o.skipHidden && isHidden(d.Name())) {
			return nil
		}

		p.Go(func(ctx context.Context) error {
			digest, err := digestFile(ctx, name, alg, o.onRead)
			if err != nil {
				if ctx.Err() != nil {
					// Another file failed first, or the caller gave up.
					return nil
				}
				cancel()
				return &TraversalError{Path: rel, Err: err}
			}
			mu.Lock()
			idx.add(digest, rel)
			mu.Unlock()
			o.logger.Debug("indexed file", zap.String("path", rel), zap.String("digest", digest.Short()))
			return nil
		})
		return nil
	})

	var terr *TraversalError
	if errors.As(walkErr, &terr) {
		cancel()
		_ = p.Wait()
		return nil, walkErr
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	if walkErr != nil {
		return nil, walkErr
	}
	if err := parent.Err(); err != nil {
		return nil, err
	}
	return idx, nil
}

// IncludeDeclared hashes the declared paths the walk did not reach, such
// as hidden files or files under a skipped directory, so skip rules only
// exclude content the remote does not name.
func (x *DigestIndex) IncludeDeclared(ctx context.Context, declared Manifest) error {
	var missing []string
	for _, info := range declared {
		for _, p := range info.Paths {
			if _, ok := x.paths[p]; !ok {
				missing = append(missing, p)
			}
		}
	}
	sort.Strings(missing)

	for _, rel := range missing {
		name := filepath.Join(x.Root, filepath.FromSlash(rel))
		fi, err := os.Lstat(name)
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			continue
		}
		if err != nil {
			return &TraversalError{Path: rel, Err: err}
		}
		if !fi.Mode().IsRegular() {
			continue
		}
		// A symlinked parent would place the file outside the root.
		if dir, err := filepath.EvalSymlinks(filepath.Dir(name)); err != nil || dir != filepath.Dir(name) {
			continue
		}
		digest, err := digestFile(ctx, name, x.Algorithm, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TraversalError{Path: rel, Err: err}
		}
		x.add(digest, rel)
	}
	return nil
}

// resolveRoot returns root as an absolute path with symlinks evaluated, so
// the walk descends into a root that is itself a link.
func resolveRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func digestFile(ctx context.Context, name string, alg Algorithm, onRead func(int)) (Digest, error) {
	h, err := alg.New()
	if err != nil {
		return "", err
	}
	f, err := openFile(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	bp := chunkPool.Get().(*[]byte)
	defer chunkPool.Put(bp)
	buf := *bp

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			if onRead != nil {
				onRead(n)
			}
		}
		if err == io.EOF {
			return ocfl.Sum(h), nil
		}
		if err != nil {
			return "", err
		}
	}
}

func isHidden(name string) bool {
	return len(name) > 1 && name[0] == '.'
}

// Temp files left by an interrupted WriteStream are named
// .ocflsync-<random>.tmp.
const (
	tempPrefix  = ".ocflsync-"
	tempSuffix  = ".tmp"
	tempPattern = tempPrefix + "*" + tempSuffix
)

func isTempName(name string) bool {
	return strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, tempSuffix)
}

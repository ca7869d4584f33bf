package ocflsync

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/aweris/ocflsync/internal/ocfl"
)

// DefaultFileMode is the permission of materialized files.
const DefaultFileMode fs.FileMode = 0644

// WriteResult describes one WriteStream call.
type WriteResult struct {
	// Written are the destinations renamed into place.
	Written []string
	// Failed holds one *WriteError per destination that was dropped.
	Failed []*WriteError
	// Bytes is the number of bytes read from the stream.
	Bytes int64
	// Digest is the digest of the stream, set when an algorithm was given.
	Digest Digest
}

// Err joins the per-destination failures.
func (r *WriteResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failed))
	for i, e := range r.Failed {
		errs[i] = e
	}
	return errors.Join(errs...)
}

type writeOptions struct {
	alg       Algorithm
	expect    Digest
	size      int64
	chunkSize int
	onWrite   func(int)
	perm      fs.FileMode
}

// WriteOption configures WriteStream.
type WriteOption func(*writeOptions)

// WithExpectDigest hashes the stream with alg while writing. If want is
// not empty and the stream does not match it, no destination is written.
func WithExpectDigest(alg Algorithm, want Digest) WriteOption {
	return func(o *writeOptions) {
		o.alg = alg
		o.expect = want
	}
}

// WithExpectSize fails the write when the stream is not exactly n bytes.
func WithExpectSize(n int64) WriteOption {
	return func(o *writeOptions) { o.size = n }
}

// WithChunkSize sets the read size.
func WithChunkSize(n int) WriteOption {
	return func(o *writeOptions) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithWriteHook is called with the size of every chunk read.
func WithWriteHook(fn func(n int)) WriteOption {
	return func(o *writeOptions) { o.onWrite = fn }
}

// WithFileMode sets the permission of written files.
func WithFileMode(perm fs.FileMode) WriteOption {
	return func(o *writeOptions) { o.perm = perm }
}

// target is one destination being written through a temp file.
type target struct {
	dest  string
	final string
	tmp   *os.File
}

func (t *target) discard() {
	name := t.tmp.Name()
	_ = t.tmp.Close()
	_ = os.Remove(name)
}

func (t *target) commit(perm fs.FileMode) error {
	name := t.tmp.Name()
	if err := t.tmp.Chmod(perm); err != nil {
		t.discard()
		return err
	}
	if err := t.tmp.Sync(); err != nil {
		t.discard()
		return err
	}
	if err := t.tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, t.final); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}

// WriteStream reads r exactly once and writes its content to every
// destination, given as logical paths under root. Each chunk is written to
// all open destinations before the next chunk is read. Destinations are
// written to temp files in their own directory and renamed into place only
// after the whole stream was read and verified.
//
// A destination that fails is dropped and recorded in the result while the
// others continue. A read error, a verification failure or cancellation
// discards every temp file and renames nothing.
func WriteStream(ctx context.Context, r io.Reader, root string, dests []string, opts ...WriteOption) (*WriteResult, error) {
	o := &writeOptions{size: -1, chunkSize: DefaultChunkSize, perm: DefaultFileMode}
	for _, opt := range opts {
		opt(o)
	}

	res := &WriteResult{}
	var h hash.Hash
	if o.alg != "" {
		var err error
		if h, err = o.alg.New(); err != nil {
			return res, err
		}
	}

	var targets []*target
	discardAll := func() {
		for _, t := range targets {
			t.discard()
		}
		targets = nil
	}
	fail := func(t *target, err error) {
		res.Failed = append(res.Failed, &WriteError{Path: t.dest, Err: err})
	}

	for _, dest := range sortedUnique(dests) {
		if err := ocfl.ValidLogicalPath(dest); err != nil {
			res.Failed = append(res.Failed, &WriteError{Path: dest, Err: err})
			continue
		}
		final := filepath.Join(root, filepath.FromSlash(dest))
		if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
			res.Failed = append(res.Failed, &WriteError{Path: dest, Err: err})
			continue
		}
		tmp, err := os.CreateTemp(filepath.Dir(final), tempPattern)
		if err != nil {
			res.Failed = append(res.Failed, &WriteError{Path: dest, Err: err})
			continue
		}
		targets = append(targets, &target{dest: dest, final: final, tmp: tmp})
	}
	if len(targets) == 0 {
		return res, res.Err()
	}

	var buf []byte
	if o.chunkSize == DefaultChunkSize {
		bp := chunkPool.Get().(*[]byte)
		defer chunkPool.Put(bp)
		buf = *bp
	} else {
		buf = make([]byte, o.chunkSize)
	}

	for {
		if err := ctx.Err(); err != nil {
			discardAll()
			return res, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			res.Bytes += int64(n)
			if h != nil {
				h.Write(chunk)
			}
			live := targets[:0]
			for _, t := range targets {
				if _, err := t.tmp.Write(chunk); err != nil {
					t.discard()
					fail(t, err)
					continue
				}
				live = append(live, t)
			}
			targets = live
			if len(targets) == 0 {
				return res, res.Err()
			}
			if o.onWrite != nil {
				o.onWrite(n)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			discardAll()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			return res, fmt.Errorf("read stream: %w", rerr)
		}
	}

	if o.size >= 0 && res.Bytes != o.size {
		discardAll()
		return res, fmt.Errorf("short or long stream: expected %d bytes, got %d", o.size, res.Bytes)
	}
	if h != nil {
		res.Digest = ocfl.Sum(h)
		if o.expect != "" && res.Digest != o.expect {
			discardAll()
			return res, &DigestMismatchError{Algorithm: o.alg, Expected: o.expect, Got: res.Digest}
		}
	}

	for _, t := range targets {
		if err := t.commit(o.perm); err != nil {
			fail(t, err)
			continue
		}
		res.Written = append(res.Written, t.dest)
	}
	sort.Strings(res.Written)
	return res, res.Err()
}

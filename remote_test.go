package ocflsync

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/aweris/ocflsync/internal/ocfl"
)

// memRemote is an in-memory Remote serving one object.
type memRemote struct {
	ref      ObjectRef
	alg      Algorithm
	versions map[int]Manifest
	blobs    map[Digest][]byte

	mu        sync.Mutex
	opened    map[Digest]int
	stateGets int
	// broken digests fail to open with NotFound even if a blob exists.
	missing map[Digest]bool
	// openHook runs before a blob is returned.
	openHook func(Digest)
}

func newMemRemote(alg Algorithm) *memRemote {
	return &memRemote{
		ref:      ObjectRef{StorageRootID: "main", ID: "book"},
		alg:      alg,
		versions: map[int]Manifest{},
		blobs:    map[Digest][]byte{},
		opened:   map[Digest]int{},
		missing:  map[Digest]bool{},
	}
}

// addVersion declares a version from path -> content and returns it.
func (m *memRemote) addVersion(t *testing.T, files map[string]string) int {
	t.Helper()
	state := Manifest{}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		d := digestOf(t, m.alg, files[p])
		info := state[d]
		info.Size = int64(len(files[p]))
		info.Paths = append(info.Paths, p)
		state[d] = info
		m.blobs[d] = []byte(files[p])
	}
	v := len(m.versions) + 1
	m.versions[v] = state
	return v
}

func (m *memRemote) head() int { return len(m.versions) }

func (m *memRemote) FetchVersionState(ctx context.Context, ref ObjectRef, version int) (*VersionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.stateGets++
	m.mu.Unlock()
	if ref != m.ref {
		return nil, &NotFoundError{Ref: ref, Version: version}
	}
	if version == 0 {
		version = m.head()
	}
	state, ok := m.versions[version]
	if !ok {
		return nil, &NotFoundError{Ref: ref, Version: version}
	}
	return &VersionState{
		ObjectRef: ref,
		Version:   version,
		Head:      m.head(),
		Algorithm: m.alg,
		State:     state,
	}, nil
}

func (m *memRemote) FetchManifest(ctx context.Context, ref ObjectRef) (*ObjectManifest, error) {
	if ref != m.ref {
		return nil, &NotFoundError{Ref: ref}
	}
	all := Manifest{}
	for _, state := range m.versions {
		for d, info := range state {
			all[d] = info
		}
	}
	return &ObjectManifest{ObjectRef: ref, Algorithm: m.alg, Manifest: all}, nil
}

func (m *memRemote) OpenBlob(ctx context.Context, ref ObjectRef, d Digest) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.opened[d]++
	hook := m.openHook
	m.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	data, ok := m.blobs[d]
	if !ok || m.missing[d] {
		return nil, &NotFoundError{Ref: ref, Digest: d}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memRemote) fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.opened {
		n += c
	}
	return n
}

func digestOf(t *testing.T, alg Algorithm, content string) Digest {
	t.Helper()
	h, err := alg.New()
	if err != nil {
		t.Fatal(err)
	}
	h.Write([]byte(content))
	return ocfl.Sum(h)
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for p, content := range files {
		full := filepath.Join(root, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

// readTree returns every regular file under root as path -> content.
func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

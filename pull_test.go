package ocflsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var bookV1 = map[string]string{
	"readme.txt":      "hello",
	"copy/readme.txt": "hello",
	"data.bin":        strings.Repeat("\x00\x01binary", 9000),
}

func newTestPuller(t *testing.T, r Remote, opts ...Option) *Puller {
	t.Helper()
	p, err := NewPuller(r, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPull(t *testing.T) {
	m := newMemRemote(SHA512)
	m.addVersion(t, bookV1)
	root := t.TempDir() + "/book"

	var phases []Phase
	p := newTestPuller(t, m, WithPhaseHook(func(ph Phase) { phases = append(phases, ph) }))

	report, err := p.Pull(context.Background(), root, m.ref, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(bookV1, readTree(t, root)); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
	if m.fetches() != 2 {
		t.Errorf("fetched %d blobs, want 2", m.fetches())
	}
	if report.Status != StatusSuccess || report.Status.ExitCode() != 0 {
		t.Errorf("status = %s", report.Status)
	}
	if report.Version != 1 || report.Head != 1 || report.Algorithm != SHA512 {
		t.Errorf("report header = v%d head v%d %s", report.Version, report.Head, report.Algorithm)
	}
	if report.Items != 2 || report.ToFetch != 2 || report.FilesWritten() != 3 {
		t.Errorf("items=%d fetch=%d written=%d", report.Items, report.ToFetch, report.FilesWritten())
	}
	if want := int64(5 + len(bookV1["data.bin"])); report.BytesFetched() != want {
		t.Errorf("BytesFetched = %d, want %d", report.BytesFetched(), want)
	}
	wantPhases := []Phase{PhaseFetchingRemoteState, PhaseIndexingLocal, PhasePlanning, PhaseTransferring, PhaseDone}
	if diff := cmp.Diff(wantPhases, phases); diff != "" {
		t.Errorf("phases mismatch (-want +got):\n%s", diff)
	}
	assertNoTemps(t, root)
}

func TestPullIsIdempotent(t *testing.T) {
	m := newMemRemote(SHA512)
	m.addVersion(t, bookV1)
	root := t.TempDir()
	p := newTestPuller(t, m)

	if _, err := p.Pull(context.Background(), root, m.ref, 1); err != nil {
		t.Fatal(err)
	}
	first := readTree(t, root)
	fetched := m.fetches()

	report, err := p.Pull(context.Background(), root, m.ref, 1)
	if err != nil {
		t.Fatal(err)
	}
	if m.fetches() != fetched {
		t.Errorf("second pull fetched %d blobs", m.fetches()-fetched)
	}
	if report.ToFetch != 0 || report.ToCopy != 0 || report.Complete != report.Items || len(report.Outcomes) != 0 {
		t.Errorf("second plan: fetch=%d copy=%d complete=%d/%d", report.ToFetch, report.ToCopy, report.Complete, report.Items)
	}
	if diff := cmp.Diff(first, readTree(t, root)); diff != "" {
		t.Errorf("tree changed (-want +got):\n%s", diff)
	}
}

func TestPullReusesLocalContent(t *testing.T) {
	m := newMemRemote(SHA512)
	m.addVersion(t, map[string]string{"new-name.txt": "same bytes", "other.txt": "fresh"})
	root := t.TempDir()
	writeTree(t, root, map[string]string{"old-name.txt": "same bytes"})

	report, err := newTestPuller(t, m).Pull(context.Background(), root, m.ref, 0)
	if err != nil {
		t.Fatal(err)
	}
	if m.opened[digestOf(t, SHA512, "same bytes")] != 0 {
		t.Error("content present locally was fetched")
	}
	want := map[string]string{"old-name.txt": "same bytes", "new-name.txt": "same bytes", "other.txt": "fresh"}
	if diff := cmp.Diff(want, readTree(t, root)); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
	if report.ToCopy != 1 || report.ToFetch != 1 {
		t.Errorf("copy=%d fetch=%d", report.ToCopy, report.ToFetch)
	}
	for _, o := range report.Outcomes {
		if o.Digest == digestOf(t, SHA512, "same bytes") && (o.Fetched || o.Source != "old-name.txt") {
			t.Errorf("local item outcome = %+v", o)
		}
	}
}

func TestPullPartialFailure(t *testing.T) {
	m := newMemRemote(SHA512)
	m.addVersion(t, map[string]string{"a.txt": "alpha", "b/one.txt": "beta", "b/two.txt": "beta"})
	beta := digestOf(t, SHA512, "beta")
	m.missing[beta] = true
	root := t.TempDir()

	report, err := newTestPuller(t, m).Pull(context.Background(), root, m.ref, 0)
	if err != nil {
		t.Fatalf("pull returned %v, want per-item failure only", err)
	}
	if report.Status != StatusPartial || report.Status.ExitCode() != 1 {
		t.Errorf("status = %s", report.Status)
	}
	failed := report.Failed()
	if len(failed) != 1 || failed[0].Digest != beta {
		t.Fatalf("failed = %+v", failed)
	}
	if diff := cmp.Diff([]string{"b/one.txt", "b/two.txt"}, failed[0].Destinations); diff != "" {
		t.Errorf("destinations mismatch (-want +got):\n%s", diff)
	}
	if !IsNotFound(report.Err()) {
		t.Errorf("report error %v is not NotFound", report.Err())
	}
	if diff := cmp.Diff(map[string]string{"a.txt": "alpha"}, readTree(t, root)); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
}

func TestPullEveryItemFails(t *testing.T) {
	m := newMemRemote(SHA512)
	m.addVersion(t, map[string]string{"a.txt": "alpha"})
	m.missing[digestOf(t, SHA512, "alpha")] = true

	report, err := newTestPuller(t, m).Pull(context.Background(), t.TempDir(), m.ref, 0)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusFailed || report.Status.ExitCode() != 2 {
		t.Errorf("status = %s", report.Status)
	}
}

func TestPullReindexesWithRemoteAlgorithm(t *testing.T) {
	m := newMemRemote(SHA256)
	m.addVersion(t, map[string]string{"a.txt": "alpha"})
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "alpha"})

	report, err := newTestPuller(t, m, WithAlgorithm(SHA512)).Pull(context.Background(), root, m.ref, 0)
	if err != nil {
		t.Fatal(err)
	}
	if report.Algorithm != SHA256 || report.Complete != 1 || m.fetches() != 0 {
		t.Errorf("algorithm=%s complete=%d fetches=%d", report.Algorithm, report.Complete, m.fetches())
	}
}

func TestPullConflictingLocalFile(t *testing.T) {
	files := map[string]string{"notes.md": "remote notes", "a.txt": "alpha"}

	t.Run("Replace", func(t *testing.T) {
		m := newMemRemote(SHA512)
		m.addVersion(t, files)
		root := t.TempDir()
		writeTree(t, root, map[string]string{"notes.md": "local edits"})

		if _, err := newTestPuller(t, m).Pull(context.Background(), root, m.ref, 0); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(files, readTree(t, root)); diff != "" {
			t.Errorf("tree mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("KeepLocal", func(t *testing.T) {
		m := newMemRemote(SHA512)
		m.addVersion(t, files)
		root := t.TempDir()
		writeTree(t, root, map[string]string{"notes.md": "local edits"})

		report, err := newTestPuller(t, m, WithReplace(false)).Pull(context.Background(), root, m.ref, 0)
		if err != nil {
			t.Fatal(err)
		}
		want := map[string]string{"notes.md": "local edits", "a.txt": "alpha"}
		if diff := cmp.Diff(want, readTree(t, root)); diff != "" {
			t.Errorf("tree mismatch (-want +got):\n%s", diff)
		}
		if report.Status != StatusSuccess {
			t.Errorf("status = %s", report.Status)
		}
		if m.opened[digestOf(t, SHA512, "remote notes")] != 0 {
			t.Error("fetched content for a kept file")
		}
		var skipped []string
		for _, o := range report.Outcomes {
			skipped = append(skipped, o.Skipped...)
		}
		if diff := cmp.Diff([]string{"notes.md"}, skipped); diff != "" {
			t.Errorf("skipped mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestPullSwapsLocalFiles(t *testing.T) {
	m := newMemRemote(SHA512)
	m.addVersion(t, map[string]string{"a.txt": "BBBB", "b.txt": "AAAA"})
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "AAAA", "b.txt": "BBBB"})

	report, err := newTestPuller(t, m, WithConcurrency(2)).Pull(context.Background(), root, m.ref, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := report.Err(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]string{"a.txt": "BBBB", "b.txt": "AAAA"}, readTree(t, root)); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
	if m.fetches() != 0 {
		t.Errorf("fetched %d blobs", m.fetches())
	}
}

func TestPullSpecificVersion(t *testing.T) {
	m := newMemRemote(SHA512)
	m.addVersion(t, map[string]string{"a.txt": "v1"})
	m.addVersion(t, map[string]string{"a.txt": "v2", "b.txt": "new"})
	root := t.TempDir()

	report, err := newTestPuller(t, m).Pull(context.Background(), root, m.ref, 1)
	if err != nil {
		t.Fatal(err)
	}
	if report.Version != 1 || report.Head != 2 {
		t.Errorf("version=%d head=%d", report.Version, report.Head)
	}
	if diff := cmp.Diff(map[string]string{"a.txt": "v1"}, readTree(t, root)); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
}

func TestPullFatalErrors(t *testing.T) {
	t.Run("MissingVersion", func(t *testing.T) {
		m := newMemRemote(SHA512)
		m.addVersion(t, bookV1)
		root := t.TempDir()

		var last Phase
		p := newTestPuller(t, m, WithPhaseHook(func(ph Phase) { last = ph }))
		report, err := p.Pull(context.Background(), root, m.ref, 7)
		var nf *NotFoundError
		if !errors.As(err, &nf) || nf.Version != 7 {
			t.Fatalf("got %v, want NotFoundError for v7", err)
		}
		if report.Status != StatusFailed || last != PhaseFailed || report.Error == "" {
			t.Errorf("status=%s phase=%s", report.Status, last)
		}
		if m.fetches() != 0 || len(readTree(t, root)) != 0 {
			t.Error("transfer attempted after fatal error")
		}
	})

	t.Run("UnknownObject", func(t *testing.T) {
		m := newMemRemote(SHA512)
		m.addVersion(t, bookV1)
		_, err := newTestPuller(t, m).Pull(context.Background(), t.TempDir(), ObjectRef{StorageRootID: "main", ID: "nope"}, 0)
		if !IsNotFound(err) {
			t.Fatalf("got %v, want not found", err)
		}
	})

	t.Run("MalformedState", func(t *testing.T) {
		m := newMemRemote(SHA512)
		m.versions[1] = Manifest{"abc": {Size: 1, Paths: []string{"/abs"}}}
		_, err := newTestPuller(t, m).Pull(context.Background(), t.TempDir(), m.ref, 1)
		if !errors.Is(err, ErrTransport) || !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("got %v, want transport error for invalid path", err)
		}
	})

	t.Run("RootIsFile", func(t *testing.T) {
		m := newMemRemote(SHA512)
		m.addVersion(t, bookV1)
		dir := t.TempDir()
		writeTree(t, dir, map[string]string{"file": "x"})
		_, err := newTestPuller(t, m).Pull(context.Background(), dir+"/file", m.ref, 0)
		if err == nil {
			t.Fatal("pull into a file succeeded")
		}
	})
}

func TestPullCancelled(t *testing.T) {
	m := newMemRemote(SHA512)
	files := map[string]string{}
	for _, c := range "abcdefgh" {
		files[string(c)+".txt"] = strings.Repeat(string(c), 3*DefaultChunkSize)
	}
	m.addVersion(t, files)
	root := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	m.openHook = func(Digest) { once.Do(cancel) }

	report, err := newTestPuller(t, m, WithConcurrency(1)).Pull(ctx, root, m.ref, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if report.Status != StatusCancelled || report.Status.ExitCode() != 3 {
		t.Errorf("status = %s", report.Status)
	}
	if len(report.Outcomes) != len(files) {
		t.Errorf("%d outcomes for %d items", len(report.Outcomes), len(files))
	}
	for _, o := range report.Outcomes {
		if !o.Cancelled {
			t.Errorf("outcome %s not cancelled: %+v", o.Digest.Short(), o)
		}
	}
	if len(readTree(t, root)) != 0 {
		t.Errorf("files written after cancel: %v", readTree(t, root))
	}
	assertNoTemps(t, root)
}

func TestNewPuller(t *testing.T) {
	if _, err := NewPuller(nil); !errors.Is(err, ErrNoRemote) {
		t.Errorf("nil remote: got %v", err)
	}
	if _, err := NewPuller(newMemRemote(SHA512), WithAlgorithm("crc32")); !errors.Is(err, ErrUnknownAlgorithm) {
		t.Errorf("bad algorithm: got %v", err)
	}
}

func TestPullerFetchManifest(t *testing.T) {
	m := newMemRemote(SHA512)
	m.addVersion(t, map[string]string{"a": "1"})
	m.addVersion(t, map[string]string{"a": "2"})

	got, err := newTestPuller(t, m).FetchManifest(context.Background(), m.ref)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Manifest) != 2 {
		t.Errorf("manifest has %d digests, want 2", len(got.Manifest))
	}
}

func TestStatusExitCode(t *testing.T) {
	for s, want := range map[Status]int{StatusSuccess: 0, StatusPartial: 1, StatusFailed: 2, StatusCancelled: 3, "bogus": 2} {
		if got := s.ExitCode(); got != want {
			t.Errorf("%s.ExitCode() = %d, want %d", s, got, want)
		}
	}
}

func TestPullThroughSymlinkedRoot(t *testing.T) {
	m := newMemRemote(SHA512)
	m.addVersion(t, map[string]string{"a.txt": "hello", "notes.md": "remote notes"})

	target := t.TempDir()
	writeTree(t, target, map[string]string{"a.txt": "hello", "notes.md": "local edits"})
	link := filepath.Join(t.TempDir(), "data")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	report, err := newTestPuller(t, m, WithReplace(false)).Pull(context.Background(), link, m.ref, 0)
	if err != nil {
		t.Fatal(err)
	}
	if m.fetches() != 0 {
		t.Errorf("fetched %d blobs for content already local", m.fetches())
	}
	want := map[string]string{"a.txt": "hello", "notes.md": "local edits"}
	if diff := cmp.Diff(want, readTree(t, target)); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		t.Fatal(err)
	}
	if report.LocalRoot != resolved || report.Complete != 1 {
		t.Errorf("local root = %s, complete = %d", report.LocalRoot, report.Complete)
	}
}

func TestPullDeclaredPathsIgnoreSkipRules(t *testing.T) {
	skip := []Option{WithHiddenSkipped(), WithSkipDirs(regexp.MustCompile(`^cache$`))}

	t.Run("KeepLocal", func(t *testing.T) {
		m := newMemRemote(SHA512)
		m.addVersion(t, map[string]string{".env": "remote", "a.txt": "alpha"})
		root := t.TempDir()
		writeTree(t, root, map[string]string{".env": "mine"})

		report, err := newTestPuller(t, m, append(skip, WithReplace(false))...).Pull(context.Background(), root, m.ref, 0)
		if err != nil {
			t.Fatal(err)
		}
		want := map[string]string{".env": "mine", "a.txt": "alpha"}
		if diff := cmp.Diff(want, readTree(t, root)); diff != "" {
			t.Errorf("tree mismatch (-want +got):\n%s", diff)
		}
		var skipped []string
		for _, o := range report.Outcomes {
			skipped = append(skipped, o.Skipped...)
		}
		if diff := cmp.Diff([]string{".env"}, skipped); diff != "" {
			t.Errorf("skipped mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("SecondPullIsEmpty", func(t *testing.T) {
		files := map[string]string{".env": "secret", "cache/blob": "cached", "a.txt": "alpha"}
		m := newMemRemote(SHA512)
		m.addVersion(t, files)
		root := t.TempDir()
		p := newTestPuller(t, m, skip...)

		if _, err := p.Pull(context.Background(), root, m.ref, 0); err != nil {
			t.Fatal(err)
		}
		report, err := p.Pull(context.Background(), root, m.ref, 0)
		if err != nil {
			t.Fatal(err)
		}
		if m.fetches() != 3 {
			t.Errorf("fetched %d blobs over two pulls, want 3", m.fetches())
		}
		if report.Complete != 3 || report.ToFetch != 0 || report.FilesWritten() != 0 {
			t.Errorf("complete=%d fetch=%d written=%d", report.Complete, report.ToFetch, report.FilesWritten())
		}
		if diff := cmp.Diff(files, readTree(t, root)); diff != "" {
			t.Errorf("tree mismatch (-want +got):\n%s", diff)
		}
	})
}

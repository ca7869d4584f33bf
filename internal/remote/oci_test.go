package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/zstd"

	"github.com/aweris/ocflsync/internal/ocfl"
)

// zstdLayer is an in-memory zstd layer used to publish test mirrors.
type zstdLayer struct {
	compressed   []byte
	uncompressed []byte
}

var testEncoder, _ = zstd.NewWriter(nil)

func newZstdLayer(data []byte) *zstdLayer {
	return &zstdLayer{compressed: testEncoder.EncodeAll(data, nil), uncompressed: data}
}

func (l *zstdLayer) Digest() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.compressed))
	return h, err
}

func (l *zstdLayer) DiffID() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.uncompressed))
	return h, err
}

func (l *zstdLayer) Compressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.compressed)), nil
}

func (l *zstdLayer) Uncompressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.uncompressed)), nil
}

func (l *zstdLayer) Size() (int64, error)                { return int64(len(l.compressed)), nil }
func (l *zstdLayer) MediaType() (types.MediaType, error) { return types.OCILayerZStd, nil }

type mirrorVersion struct {
	version int
	state   ocfl.Manifest
}

// publishMirror pushes one image per version plus head, laid out the way
// OCIRemote reads them.
func publishMirror(t *testing.T, repo string, ref ocfl.ObjectRef, blobs map[ocfl.Digest][]byte, versions ...mirrorVersion) {
	t.Helper()
	head := versions[len(versions)-1]
	manifest := ocfl.Manifest{}
	for _, v := range versions {
		for d, info := range v.state {
			manifest[d] = info
		}
	}

	build := func(v mirrorVersion, isHead bool) v1.Image {
		stateJSON, _ := json.Marshal(v.state)
		labels := map[string]string{
			LabelObject:  ref.ID,
			LabelRoot:    ref.StorageRootID,
			LabelAlg:     string(ocfl.SHA256),
			LabelVersion: strconv.Itoa(v.version),
			LabelHead:    strconv.Itoa(head.version),
			LabelState:   string(stateJSON),
		}
		img := mutate.MediaType(empty.Image, types.OCIManifestSchema1)
		img = mutate.ConfigMediaType(img, types.OCIConfigJSON)
		if isHead {
			manifestJSON, _ := json.Marshal(manifest)
			labels[LabelManifest] = string(manifestJSON)

			digests := make([]string, 0, len(blobs))
			for d := range blobs {
				digests = append(digests, string(d))
			}
			sort.Strings(digests)
			for _, d := range digests {
				var err error
				img, err = mutate.Append(img, mutate.Addendum{
					Layer:       newZstdLayer(blobs[ocfl.Digest(d)]),
					Annotations: map[string]string{AnnotationDigest: d},
				})
				if err != nil {
					t.Fatal(err)
				}
			}
		}
		cfg, err := img.ConfigFile()
		if err != nil {
			t.Fatal(err)
		}
		cfg = cfg.DeepCopy()
		cfg.Config.Labels = labels
		img, err = mutate.ConfigFile(img, cfg)
		if err != nil {
			t.Fatal(err)
		}
		return img
	}

	push := func(tag string, img v1.Image) {
		ref, err := name.NewTag(repo + ":" + tag)
		if err != nil {
			t.Fatal(err)
		}
		if err := remote.Write(ref, img); err != nil {
			t.Fatalf("push %s: %v", tag, err)
		}
	}
	for _, v := range versions {
		push(VersionTag(v.version), build(v, false))
	}
	push(HeadTag, build(head, true))
}

func newTestRegistry(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(registry.New(registry.Logger(log.New(io.Discard, "", 0))))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestOCIRemote(t *testing.T) {
	host := newTestRegistry(t)
	repo := host + "/objects/book"
	ref := ocfl.ObjectRef{StorageRootID: "main", ID: "book"}

	blobs := map[ocfl.Digest][]byte{
		"aa11": []byte("hello readme"),
		"bb22": []byte(strings.Repeat("binary", 100)),
	}
	v1State := ocfl.Manifest{"aa11": {Size: 12, Paths: []string{"readme.txt"}}}
	v2State := ocfl.Manifest{
		"aa11": {Size: 12, Paths: []string{"readme.txt", "copy/readme.txt"}},
		"bb22": {Size: 600, Paths: []string{"data.bin"}},
	}
	publishMirror(t, repo, ref, blobs,
		mirrorVersion{version: 1, state: v1State},
		mirrorVersion{version: 2, state: v2State},
	)

	r, err := NewOCIRemote(repo, WithRetries(1), WithAuthenticator(BasicAuthenticator{}))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	t.Run("VersionState", func(t *testing.T) {
		got, err := r.FetchVersionState(ctx, ref, 1)
		if err != nil {
			t.Fatal(err)
		}
		if got.Version != 1 || got.Head != 2 || got.Algorithm != ocfl.SHA256 {
			t.Errorf("header = v%d head v%d %s", got.Version, got.Head, got.Algorithm)
		}
		if diff := cmp.Diff(v1State, got.State); diff != "" {
			t.Errorf("state mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Head", func(t *testing.T) {
		got, err := r.FetchVersionState(ctx, ref, 0)
		if err != nil {
			t.Fatal(err)
		}
		if got.Version != 2 {
			t.Errorf("head version = %d", got.Version)
		}
		if diff := cmp.Diff(v2State, got.State); diff != "" {
			t.Errorf("state mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Manifest", func(t *testing.T) {
		got, err := r.FetchManifest(ctx, ref)
		if err != nil {
			t.Fatal(err)
		}
		if len(got.Manifest) != 2 {
			t.Errorf("manifest has %d digests", len(got.Manifest))
		}
	})

	t.Run("OpenBlob", func(t *testing.T) {
		for d, want := range blobs {
			rc, err := r.OpenBlob(ctx, ref, d)
			if err != nil {
				t.Fatal(err)
			}
			got, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("blob %s = %q", d, got)
			}
		}
	})

	t.Run("MissingVersion", func(t *testing.T) {
		_, err := r.FetchVersionState(ctx, ref, 9)
		var nf *ocfl.NotFoundError
		if !errors.As(err, &nf) || nf.Version != 9 {
			t.Fatalf("got %v, want NotFoundError for v9", err)
		}
	})

	t.Run("MissingDigest", func(t *testing.T) {
		if _, err := r.OpenBlob(ctx, ref, "cc33"); !ocfl.IsNotFound(err) {
			t.Fatalf("got %v, want not found", err)
		}
	})

	t.Run("WrongObject", func(t *testing.T) {
		_, err := r.FetchVersionState(ctx, ocfl.ObjectRef{StorageRootID: "main", ID: "other"}, 1)
		if !ocfl.IsNotFound(err) {
			t.Fatalf("got %v, want not found", err)
		}
	})
}

func TestVersionTag(t *testing.T) {
	for v, want := range map[int]string{0: "head", -1: "head", 1: "v1", 12: "v12"} {
		if got := VersionTag(v); got != want {
			t.Errorf("VersionTag(%d) = %s, want %s", v, got, want)
		}
	}
}

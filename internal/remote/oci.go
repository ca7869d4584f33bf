package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"go.uber.org/zap"

	"github.com/aweris/ocflsync/internal/ocfl"
)

// Labels and annotations of a mirrored object image.
const (
	LabelObject   = "dev.ocflsync.object"
	LabelRoot     = "dev.ocflsync.root"
	LabelAlg      = "dev.ocflsync.alg"
	LabelVersion  = "dev.ocflsync.version"
	LabelHead     = "dev.ocflsync.head"
	LabelMessage  = "dev.ocflsync.message"
	LabelState    = "dev.ocflsync.state"
	LabelManifest = "dev.ocflsync.manifest"

	AnnotationDigest = "dev.ocflsync.digest"

	HeadTag = "head"
)

// VersionTag returns the image tag for a version; 0 selects head.
func VersionTag(version int) string {
	if version <= 0 {
		return HeadTag
	}
	return "v" + strconv.Itoa(version)
}

// OCIRemote reads an OCFL object mirrored into an OCI repository. Each
// version is an image tagged v<N>; head additionally carries the object
// manifest and one layer per content digest.
type OCIRemote struct {
	repo        name.Repository
	auth        Authenticator
	client      *http.Client
	concurrency int
	retries     int
	logger      *zap.Logger

	mu     sync.Mutex
	layers map[ocfl.Digest]v1.Hash
}

// NewOCIRemote creates a remote for a repository such as
// "ghcr.io/org/objects/book-1".
func NewOCIRemote(repository string, opts ...Option) (*OCIRemote, error) {
	repo, err := name.NewRepository(repository)
	if err != nil {
		return nil, fmt.Errorf("invalid repository %q: %w", repository, err)
	}
	o := newOptions(opts)
	auth := o.auth
	if auth == nil {
		auth = NewDefaultAuthenticator()
	}
	return &OCIRemote{
		repo:        repo,
		auth:        auth,
		client:      o.client,
		concurrency: o.concurrency,
		retries:     o.retries,
		logger:      o.logger,
	}, nil
}

func (r *OCIRemote) String() string   { return r.repo.String() }
func (r *OCIRemote) Registry() string { return r.repo.RegistryStr() }

// FetchVersionState reads the state label of the version's image.
func (r *OCIRemote) FetchVersionState(ctx context.Context, ref ocfl.ObjectRef, version int) (*ocfl.VersionState, error) {
	const op = "fetch version state"
	_, cfg, err := r.object(ctx, ref, VersionTag(version), &ocfl.NotFoundError{Ref: ref, Version: version})
	if err != nil {
		return nil, err
	}
	labels := cfg.Config.Labels

	state := &ocfl.VersionState{
		ObjectRef: ref,
		Algorithm: ocfl.Algorithm(labels[LabelAlg]),
		Message:   labels[LabelMessage],
		Created:   cfg.Created.Time,
	}
	if state.Version, err = strconv.Atoi(labels[LabelVersion]); err != nil {
		return nil, &ocfl.TransportError{Op: op, Err: fmt.Errorf("parse %s label: %w", LabelVersion, err)}
	}
	state.Head = state.Version
	if h := labels[LabelHead]; h != "" {
		if state.Head, err = strconv.Atoi(h); err != nil {
			return nil, &ocfl.TransportError{Op: op, Err: fmt.Errorf("parse %s label: %w", LabelHead, err)}
		}
	}
	if err := json.Unmarshal([]byte(labels[LabelState]), &state.State); err != nil {
		return nil, &ocfl.TransportError{Op: op, Err: fmt.Errorf("parse %s label: %w", LabelState, err)}
	}
	if err := state.Validate(); err != nil {
		return nil, &ocfl.TransportError{Op: op, Err: fmt.Errorf("malformed state: %w", err)}
	}
	return state, nil
}

// FetchManifest reads the manifest label of the head image.
func (r *OCIRemote) FetchManifest(ctx context.Context, ref ocfl.ObjectRef) (*ocfl.ObjectManifest, error) {
	const op = "fetch manifest"
	_, cfg, err := r.object(ctx, ref, HeadTag, &ocfl.NotFoundError{Ref: ref})
	if err != nil {
		return nil, err
	}
	labels := cfg.Config.Labels
	raw, ok := labels[LabelManifest]
	if !ok {
		return nil, &ocfl.TransportError{Op: op, Err: fmt.Errorf("missing %s label", LabelManifest)}
	}
	m := &ocfl.ObjectManifest{ObjectRef: ref, Algorithm: ocfl.Algorithm(labels[LabelAlg])}
	if err := json.Unmarshal([]byte(raw), &m.Manifest); err != nil {
		return nil, &ocfl.TransportError{Op: op, Err: fmt.Errorf("parse %s label: %w", LabelManifest, err)}
	}
	return m, nil
}

// OpenBlob streams the uncompressed layer annotated with digest.
func (r *OCIRemote) OpenBlob(ctx context.Context, ref ocfl.ObjectRef, digest ocfl.Digest) (io.ReadCloser, error) {
	const op = "open blob"
	layers, err := r.layerIndex(ctx, ref)
	if err != nil {
		return nil, err
	}
	h, ok := layers[digest]
	if !ok {
		return nil, &ocfl.NotFoundError{Ref: ref, Digest: digest}
	}

	layer, err := remote.Layer(r.repo.Digest(h.String()), r.remoteOptions(ctx)...)
	if err != nil {
		return nil, mapRegistryError(op, err, &ocfl.NotFoundError{Ref: ref, Digest: digest})
	}
	rc, err := layer.Uncompressed()
	if err != nil {
		return nil, mapRegistryError(op, err, &ocfl.NotFoundError{Ref: ref, Digest: digest})
	}
	return rc, nil
}

// layerIndex maps content digests to layer hashes from the head image.
// The index is loaded once per object.
func (r *OCIRemote) layerIndex(ctx context.Context, ref ocfl.ObjectRef) (map[ocfl.Digest]v1.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.layers != nil {
		return r.layers, nil
	}

	img, _, err := r.object(ctx, ref, HeadTag, &ocfl.NotFoundError{Ref: ref})
	if err != nil {
		return nil, err
	}
	m, err := img.Manifest()
	if err != nil {
		return nil, mapRegistryError("read manifest", err, &ocfl.NotFoundError{Ref: ref})
	}
	layers := make(map[ocfl.Digest]v1.Hash, len(m.Layers))
	for _, desc := range m.Layers {
		if d := desc.Annotations[AnnotationDigest]; d != "" {
			layers[ocfl.NormalizeDigest(d)] = desc.Digest
		}
	}
	r.logger.Debug("loaded layer index", zap.String("repository", r.repo.String()), zap.Int("layers", len(layers)))
	r.layers = layers
	return layers, nil
}

// object fetches the image for tag and checks that its config belongs to
// ref.
func (r *OCIRemote) object(ctx context.Context, ref ocfl.ObjectRef, tag string, notFound *ocfl.NotFoundError) (v1.Image, *v1.ConfigFile, error) {
	img, err := retry(ctx, r.retries, func() (v1.Image, error) {
		img, err := remote.Image(r.repo.Tag(tag), r.remoteOptions(ctx)...)
		if err != nil {
			return nil, mapRegistryError("fetch image", err, notFound)
		}
		return img, nil
	})
	if err != nil {
		return nil, nil, err
	}
	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, nil, mapRegistryError("get config", err, notFound)
	}
	labels := cfg.Config.Labels
	if labels[LabelObject] != ref.ID || labels[LabelRoot] != ref.StorageRootID {
		notFound.Err = fmt.Errorf("%s holds object %q in root %q", r.repo, labels[LabelObject], labels[LabelRoot])
		return nil, nil, notFound
	}
	return img, cfg, nil
}

func (r *OCIRemote) remoteOptions(ctx context.Context) []remote.Option {
	options := []remote.Option{remote.WithContext(ctx), remote.WithJobs(r.concurrency)}
	if r.client != nil && r.client.Transport != nil {
		options = append(options, remote.WithTransport(r.client.Transport))
	}
	if r.auth != nil {
		username, password, err := r.auth.Authenticate(r.Registry())
		if err == nil && username != "" {
			return append(options, remote.WithAuth(&authn.Basic{
				Username: username,
				Password: password,
			}))
		}
		if err != nil {
			r.logger.Debug("registry credentials unavailable", zap.String("registry", r.Registry()), zap.Error(err))
		}
	}
	return append(options, remote.WithAuthFromKeychain(authn.DefaultKeychain))
}

func mapRegistryError(op string, err error, notFound *ocfl.NotFoundError) error {
	var terr *transport.Error
	if errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound {
		notFound.Err = err
		return notFound
	}
	return &ocfl.TransportError{Op: op, Err: err}
}

package ocflsync

import (
	"context"
	"io"

	"github.com/aweris/ocflsync/internal/remote"
)

// StateFetcher retrieves object metadata. Version 0 selects the head.
type StateFetcher interface {
	FetchVersionState(ctx context.Context, ref ObjectRef, version int) (*VersionState, error)
	FetchManifest(ctx context.Context, ref ObjectRef) (*ObjectManifest, error)
}

// BlobStreamer opens the content stored under a digest.
type BlobStreamer interface {
	OpenBlob(ctx context.Context, ref ObjectRef, digest Digest) (io.ReadCloser, error)
}

// Remote is everything a Puller needs from a server.
type Remote interface {
	StateFetcher
	BlobStreamer
}

// RemoteOption configures the HTTP and OCI remotes.
type RemoteOption = remote.Option

// Authenticator provides credentials for OCI registries.
type Authenticator = remote.Authenticator

// Remote options, re-exported from internal/remote.
var (
	WithToken             = remote.WithToken
	WithTokenSource       = remote.WithTokenSource
	WithH2C               = remote.WithH2C
	WithHTTPClient        = remote.WithHTTPClient
	WithRetries           = remote.WithRetries
	WithTimeout           = remote.WithTimeout
	WithRemoteLogger      = remote.WithLogger
	WithAuthenticator     = remote.WithAuthenticator
	WithRemoteConcurrency = remote.WithConcurrency
)

// WithBasicAuth authenticates to an OCI registry with fixed credentials.
func WithBasicAuth(username, password string) RemoteOption {
	return remote.WithAuthenticator(remote.BasicAuthenticator{Username: username, Password: password})
}

// NewHTTPRemote returns a client for a chaparral server at baseURL.
func NewHTTPRemote(baseURL string, opts ...RemoteOption) (Remote, error) {
	c, err := remote.NewHTTPClient(baseURL, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewOCIRemote returns a remote reading an object mirrored to an OCI
// repository such as "ghcr.io/org/objects/book".
func NewOCIRemote(repository string, opts ...RemoteOption) (Remote, error) {
	r, err := remote.NewOCIRemote(repository, opts...)
	if err != nil {
		return nil, err
	}
	return r, nil
}

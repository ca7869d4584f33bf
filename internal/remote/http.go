package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/oauth2"

	"github.com/aweris/ocflsync/internal/compression"
	"github.com/aweris/ocflsync/internal/ocfl"
)

const (
	// DefaultBaseURL is where a local chaparral server listens.
	DefaultBaseURL = "http://127.0.0.1:8080"

	accessService  = "chaparral.v1.AccessService"
	downloadMethod = "download"

	queryStorageRoot = "storage_root"
	queryObjectID    = "object_id"
	queryDigest      = "digest"

	connectNotFound = "not_found"

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 4 << 10
)

// HTTPClient talks to a chaparral server's AccessService using the connect
// unary JSON protocol for metadata and plain GET requests for content.
type HTTPClient struct {
	baseURL *url.URL
	client  *http.Client
	retries int
	timeout time.Duration
	logger  *zap.Logger
}

// NewHTTPClient returns a client for the server at baseURL.
func NewHTTPClient(baseURL string, opts ...Option) (*HTTPClient, error) {
	options := newOptions(opts)

	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", baseURL)
	}

	client := options.client
	if client == nil {
		var base http.RoundTripper
		if options.h2c {
			base = &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, network, addr)
				},
			}
		} else {
			t := http.DefaultTransport.(*http.Transport).Clone()
			t.ForceAttemptHTTP2 = true
			base = t
		}
		if options.tokens != nil {
			base = &oauth2.Transport{Source: options.tokens, Base: base}
		}
		client = &http.Client{Transport: base}
	}

	return &HTTPClient{
		baseURL: u,
		client:  client,
		retries: options.retries,
		timeout: options.timeout,
		logger:  options.logger,
	}, nil
}

func (c *HTTPClient) String() string { return c.baseURL.String() }

// FetchVersionState returns the logical state of version (0 for head).
func (c *HTTPClient) FetchVersionState(ctx context.Context, ref ocfl.ObjectRef, version int) (*ocfl.VersionState, error) {
	const method = "GetObjectVersion"
	req := objectRequest{StorageRootID: ref.StorageRootID, ObjectID: ref.ID, Version: version}
	return retry(ctx, c.retries, func() (*ocfl.VersionState, error) {
		var out wireVersion
		if err := c.call(ctx, method, req, &out, &ocfl.NotFoundError{Ref: ref, Version: version}); err != nil {
			return nil, err
		}
		state, err := out.toState(ref)
		if err != nil {
			return nil, &ocfl.TransportError{Op: method, Err: fmt.Errorf("malformed response: %w", err)}
		}
		c.logger.Debug("fetched version state",
			zap.String("object", state.ObjectRef.String()),
			zap.Int("version", state.Version),
			zap.Int("digests", len(state.State)))
		return state, nil
	})
}

// FetchManifest returns the content index across all versions.
func (c *HTTPClient) FetchManifest(ctx context.Context, ref ocfl.ObjectRef) (*ocfl.ObjectManifest, error) {
	const method = "GetObjectManifest"
	req := objectRequest{StorageRootID: ref.StorageRootID, ObjectID: ref.ID}
	return retry(ctx, c.retries, func() (*ocfl.ObjectManifest, error) {
		var out wireManifest
		if err := c.call(ctx, method, req, &out, &ocfl.NotFoundError{Ref: ref}); err != nil {
			return nil, err
		}
		m, err := out.toManifest(ref)
		if err != nil {
			return nil, &ocfl.TransportError{Op: method, Err: fmt.Errorf("malformed response: %w", err)}
		}
		return m, nil
	})
}

// OpenBlob streams the content with the given digest. The request is not
// retried; a failure mid-stream surfaces from Read.
func (c *HTTPClient) OpenBlob(ctx context.Context, ref ocfl.ObjectRef, digest ocfl.Digest) (io.ReadCloser, error) {
	u := c.baseURL.JoinPath(accessService, downloadMethod)
	u.RawQuery = url.Values{
		queryStorageRoot: {ref.StorageRootID},
		queryObjectID:    {ref.ID},
		queryDigest:      {string(digest)},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &ocfl.TransportError{Op: downloadMethod, Err: err}
	}
	req.Header.Set("Accept-Encoding", "zstd")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ocfl.TransportError{Op: downloadMethod, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(downloadMethod, resp, &ocfl.NotFoundError{Ref: ref, Digest: digest})
	}

	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "zstd") {
		rc, err := compression.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, &ocfl.TransportError{Op: downloadMethod, StatusCode: resp.StatusCode, Err: err}
		}
		return rc, nil
	}
	return resp.Body, nil
}

func (c *HTTPClient) call(ctx context.Context, method string, in, out any, notFound *ocfl.NotFoundError) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(in)
	if err != nil {
		return &ocfl.TransportError{Op: method, Err: fmt.Errorf("encode request: %w", err)}
	}
	u := c.baseURL.JoinPath(accessService, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return &ocfl.TransportError{Op: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connect-Protocol-Version", "1")

	resp, err := c.client.Do(req)
	if err != nil {
		return &ocfl.TransportError{Op: method, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(method, resp, notFound)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ocfl.TransportError{Op: method, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// statusError maps a non-200 response to notFound or a TransportError.
func statusError(op string, resp *http.Response, notFound *ocfl.NotFoundError) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(data))

	var cerr connectError
	if json.Unmarshal(data, &cerr) == nil && cerr.Code != "" {
		msg = cerr.Code
		if cerr.Message != "" {
			msg += ": " + cerr.Message
		}
	}
	if msg == "" {
		msg = resp.Status
	}

	if resp.StatusCode == http.StatusNotFound || cerr.Code == connectNotFound {
		notFound.Err = errors.New(msg)
		return notFound
	}
	return &ocfl.TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
}

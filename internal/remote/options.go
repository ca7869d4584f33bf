package remote

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// DefaultConcurrency bounds parallel registry requests.
const DefaultConcurrency = 4

type clientOptions struct {
	tokens      oauth2.TokenSource
	h2c         bool
	client      *http.Client
	retries     int
	timeout     time.Duration
	logger      *zap.Logger
	auth        Authenticator
	concurrency int
}

// Option configures an HTTPClient or an OCIRemote. Options that do not
// apply to a client are ignored.
type Option func(*clientOptions)

func newOptions(opts []Option) *clientOptions {
	o := &clientOptions{
		retries:     DefaultRetries,
		logger:      zap.NewNop(),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithToken authenticates every request with a bearer token.
func WithToken(token string) Option {
	return func(o *clientOptions) {
		if token != "" {
			o.tokens = StaticToken(token)
		}
	}
}

// WithTokenSource authenticates requests with tokens from ts.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(o *clientOptions) { o.tokens = ts }
}

// WithH2C speaks HTTP/2 over cleartext to http:// base URLs.
func WithH2C() Option {
	return func(o *clientOptions) { o.h2c = true }
}

// WithHTTPClient replaces the underlying client. Token and h2c options are
// ignored when a client is supplied.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.client = c }
}

// WithRetries sets the number of attempts for metadata requests.
func WithRetries(n int) Option {
	return func(o *clientOptions) {
		if n > 0 {
			o.retries = n
		}
	}
}

// WithTimeout bounds each metadata request. Content downloads are not
// subject to it.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.timeout = d }
}

// WithLogger sets the logger for request diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(o *clientOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithAuthenticator sets registry credentials for the OCI mirror. The
// docker keychain is used when unset.
func WithAuthenticator(a Authenticator) Option {
	return func(o *clientOptions) { o.auth = a }
}

// WithConcurrency sets the number of parallel registry requests.
func WithConcurrency(n int) Option {
	return func(o *clientOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

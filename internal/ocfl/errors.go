package ocfl

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("ocflsync: not found")
	ErrTransport         = errors.New("ocflsync: transport failure")
	ErrTraversal         = errors.New("ocflsync: local traversal failed")
	ErrAlgorithmMismatch = errors.New("ocflsync: digest algorithm mismatch")
	ErrWrite             = errors.New("ocflsync: write failed")
	ErrDigestMismatch    = errors.New("ocflsync: content digest mismatch")
	ErrUnknownAlgorithm  = errors.New("ocflsync: unknown digest algorithm")
	ErrInvalidPath       = errors.New("ocflsync: invalid logical path")
)

// TransportError reports an unreachable remote, a non-2xx response, or a
// response body that could not be decoded.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// NotFoundError reports a missing object, version or digest on the remote.
type NotFoundError struct {
	Ref     ObjectRef
	Version int
	Digest  Digest
	Err     error
}

func (e *NotFoundError) Error() string {
	msg := "object " + e.Ref.String()
	if e.Version > 0 {
		msg += fmt.Sprintf(" version v%d", e.Version)
	}
	if e.Digest != "" {
		msg += " digest " + e.Digest.Short()
	}
	msg += " not found"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NotFoundError) Unwrap() error { return e.Err }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TraversalError reports a local directory that could not be listed or a
// file that could not be read while building an index.
type TraversalError struct {
	Path string
	Err  error
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("traverse %s: %v", e.Path, e.Err)
}

func (e *TraversalError) Unwrap() error { return e.Err }

func (e *TraversalError) Is(target error) bool { return target == ErrTraversal }

// AlgorithmMismatchError is returned when a local index and a remote state
// were computed with different digest algorithms.
type AlgorithmMismatchError struct {
	Local  Algorithm
	Remote Algorithm
}

func (e *AlgorithmMismatchError) Error() string {
	return fmt.Sprintf("local index uses %s but remote state uses %s", e.Local, e.Remote)
}

func (e *AlgorithmMismatchError) Is(target error) bool { return target == ErrAlgorithmMismatch }

// WriteError reports a failure creating a directory or writing, syncing or
// renaming a destination file.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func (e *WriteError) Is(target error) bool { return target == ErrWrite }

// DigestMismatchError is returned when streamed content does not hash to
// the digest it was requested under.
type DigestMismatchError struct {
	Algorithm Algorithm
	Expected  Digest
	Got       Digest
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("%s mismatch: expected %s, got %s", e.Algorithm, e.Expected.Short(), e.Got.Short())
}

func (e *DigestMismatchError) Is(target error) bool { return target == ErrDigestMismatch }

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

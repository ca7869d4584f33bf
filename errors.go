package ocflsync

import (
	"errors"

	"github.com/aweris/ocflsync/internal/ocfl"
)

var (
	ErrNotFound          = ocfl.ErrNotFound
	ErrTransport         = ocfl.ErrTransport
	ErrTraversal         = ocfl.ErrTraversal
	ErrAlgorithmMismatch = ocfl.ErrAlgorithmMismatch
	ErrWrite             = ocfl.ErrWrite
	ErrDigestMismatch    = ocfl.ErrDigestMismatch
	ErrUnknownAlgorithm  = ocfl.ErrUnknownAlgorithm
	ErrInvalidPath       = ocfl.ErrInvalidPath
	ErrNoRemote          = errors.New("ocflsync: no remote configured")
)

type (
	TransportError         = ocfl.TransportError
	NotFoundError          = ocfl.NotFoundError
	TraversalError         = ocfl.TraversalError
	AlgorithmMismatchError = ocfl.AlgorithmMismatchError
	WriteError             = ocfl.WriteError
	DigestMismatchError    = ocfl.DigestMismatchError
)

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool { return ocfl.IsNotFound(err) }

package ocflsync

import "github.com/aweris/ocflsync/internal/ocfl"

// Data model, re-exported from internal/ocfl.
type (
	Algorithm      = ocfl.Algorithm
	Digest         = ocfl.Digest
	ObjectRef      = ocfl.ObjectRef
	User           = ocfl.User
	DigestSet      = ocfl.DigestSet
	FileInfo       = ocfl.FileInfo
	Manifest       = ocfl.Manifest
	VersionState   = ocfl.VersionState
	ObjectManifest = ocfl.ObjectManifest
)

// Digest algorithms.
const (
	SHA512           = ocfl.SHA512
	SHA256           = ocfl.SHA256
	SHA1             = ocfl.SHA1
	MD5              = ocfl.MD5
	BLAKE2B512       = ocfl.BLAKE2B512
	DefaultAlgorithm = ocfl.DefaultAlgorithm
)

// ParseAlgorithm returns the registered algorithm for name.
func ParseAlgorithm(name string) (Algorithm, error) { return ocfl.ParseAlgorithm(name) }

// NormalizeDigest lower-cases a hex digest.
func NormalizeDigest(s string) Digest { return ocfl.NormalizeDigest(s) }

// ValidLogicalPath reports whether p is a clean relative slash path.
func ValidLogicalPath(p string) error { return ocfl.ValidLogicalPath(p) }

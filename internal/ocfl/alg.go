package ocfl

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Algorithm names a digest algorithm as it appears in OCFL inventories.
type Algorithm string

// Digest algorithms accepted in version states and manifests.
const (
	SHA512     Algorithm = "sha512"
	SHA256     Algorithm = "sha256"
	SHA1       Algorithm = "sha1"
	MD5        Algorithm = "md5"
	BLAKE2B512 Algorithm = "blake2b-512"
)

// DefaultAlgorithm is what OCFL recommends for new objects.
const DefaultAlgorithm = SHA512

var algorithms = map[Algorithm]func() hash.Hash{
	SHA512: sha512.New,
	SHA256: sha256.New,
	SHA1:   sha1.New,
	MD5:    md5.New,
	BLAKE2B512: func() hash.Hash {
		h, _ := blake2b.New512(nil) // only fails for oversized keys
		return h
	},
}

// ParseAlgorithm returns the registered algorithm for name (case-insensitive).
func ParseAlgorithm(name string) (Algorithm, error) {
	alg := Algorithm(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := algorithms[alg]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
	return alg, nil
}

// Algorithms lists the registered algorithm names in sorted order.
func Algorithms() []Algorithm {
	out := make([]Algorithm, 0, len(algorithms))
	for alg := range algorithms {
		out = append(out, alg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New returns a fresh hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	fn, ok := algorithms[a]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(a))
	}
	return fn(), nil
}

// Valid reports whether the algorithm is registered.
func (a Algorithm) Valid() bool {
	_, ok := algorithms[a]
	return ok
}

func (a Algorithm) String() string { return string(a) }

// Digest is a hex-encoded content digest. Within one reconciliation all
// digests share the same algorithm.
type Digest string

// NormalizeDigest lower-cases a hex digest so that comparisons are exact.
func NormalizeDigest(s string) Digest {
	return Digest(strings.ToLower(strings.TrimSpace(s)))
}

// Sum encodes the hash sum as a Digest.
func Sum(h hash.Hash) Digest {
	return Digest(hex.EncodeToString(h.Sum(nil)))
}

func (d Digest) String() string { return string(d) }

// Short returns an abbreviated digest for log lines.
func (d Digest) Short() string {
	if len(d) <= 12 {
		return string(d)
	}
	return string(d[:12])
}

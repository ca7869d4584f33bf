// Package ocfl holds the data model shared by the pull engine and its
// transport collaborators: digest algorithms, object references, version
// states, manifests and the error taxonomy.
package ocfl

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// ObjectRef identifies an object within a storage root.
type ObjectRef struct {
	StorageRootID string `json:"storage_root_id" yaml:"storage_root_id"`
	ID            string `json:"object_id" yaml:"object_id"`
}

func (r ObjectRef) String() string {
	if r.StorageRootID == "" {
		return r.ID
	}
	return r.StorageRootID + "/" + r.ID
}

// User is the author recorded for a version.
type User struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

// DigestSet maps algorithm names to digests of the same content.
type DigestSet map[string]string

// FileInfo describes one piece of content in a version state or manifest.
type FileInfo struct {
	Size   int64     `json:"size"`
	Paths  []string  `json:"paths"`
	Fixity DigestSet `json:"fixity,omitempty"`
}

// Manifest maps content digests to the logical paths that hold them.
type Manifest map[Digest]FileInfo

// DigestMap returns digest -> sorted paths.
func (m Manifest) DigestMap() map[Digest][]string {
	out := make(map[Digest][]string, len(m))
	for d, info := range m {
		paths := append([]string(nil), info.Paths...)
		sort.Strings(paths)
		out[d] = paths
	}
	return out
}

// PathMap returns path -> digest.
func (m Manifest) PathMap() map[string]Digest {
	out := map[string]Digest{}
	for d, info := range m {
		for _, p := range info.Paths {
			out[p] = d
		}
	}
	return out
}

// TotalSize sums the sizes of every distinct digest.
func (m Manifest) TotalSize() int64 {
	var total int64
	for _, info := range m {
		total += info.Size
	}
	return total
}

// Validate checks every digest and path in the manifest. A logical path
// claimed by two digests is an error.
func (m Manifest) Validate() error {
	seen := map[string]Digest{}
	for d, info := range m {
		if d == "" {
			return fmt.Errorf("empty digest")
		}
		if len(info.Paths) == 0 {
			return fmt.Errorf("digest %s has no paths", d.Short())
		}
		for _, p := range info.Paths {
			if err := ValidLogicalPath(p); err != nil {
				return err
			}
			if other, ok := seen[p]; ok && other != d {
				return fmt.Errorf("path %q declared for %s and %s", p, other.Short(), d.Short())
			}
			seen[p] = d
		}
	}
	return nil
}

// VersionState is the authoritative logical state of one object version.
type VersionState struct {
	ObjectRef
	Spec      string    `json:"spec,omitempty"`
	Version   int       `json:"version"`
	Head      int       `json:"head"`
	Algorithm Algorithm `json:"digest_algorithm"`
	State     Manifest  `json:"state"`
	Message   string    `json:"message,omitempty"`
	User      *User     `json:"user,omitempty"`
	Created   time.Time `json:"created,omitempty"`
}

// Validate checks the algorithm and the state paths.
func (v *VersionState) Validate() error {
	if !v.Algorithm.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(v.Algorithm))
	}
	if err := v.State.Validate(); err != nil {
		return fmt.Errorf("version v%d state: %w", v.Version, err)
	}
	return nil
}

// ObjectManifest is the content index of an object across all versions.
type ObjectManifest struct {
	ObjectRef
	Path      string    `json:"path,omitempty"`
	Spec      string    `json:"spec,omitempty"`
	Algorithm Algorithm `json:"digest_algorithm"`
	Manifest  Manifest  `json:"manifest"`
}

// ValidLogicalPath reports whether p is a clean, slash-separated path that
// stays beneath its root.
func ValidLogicalPath(p string) error {
	switch {
	case p == "":
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	case !utf8.ValidString(p):
		return fmt.Errorf("%w: %q is not utf-8", ErrInvalidPath, p)
	case strings.HasPrefix(p, "/"):
		return fmt.Errorf("%w: %q is absolute", ErrInvalidPath, p)
	case strings.ContainsAny(p, "\x00\\"):
		return fmt.Errorf("%w: %q contains a forbidden character", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return nil
}

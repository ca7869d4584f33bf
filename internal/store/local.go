package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aweris/ocflsync/internal/compression"
)

// LocalStore implements Store using the local filesystem.
//
// Storage layout (namespace-isolated):
//
//	basePath/namespace/
//	  objects/
//	    ab/cd123...  (content-addressed objects)
//	  refs/
//	    main/book/v3  (plain text: "abc123...")
type LocalStore struct {
	basePath   string
	namespace  string
	cache      Cache
	compressor *compression.Compressor
}

// Options configures a LocalStore.
type Options struct {
	CacheSize          int
	CompressionLevel   int
	CompressionEnabled bool
}

// DefaultOptions enables zstd at the default level.
func DefaultOptions() Options {
	return Options{
		CacheSize:          DefaultCacheSize,
		CompressionLevel:   compression.LevelDefault,
		CompressionEnabled: true,
	}
}

func NewLocalStore(basePath, namespace string, opts Options) (*LocalStore, error) {
	nsPath := filepath.Join(basePath, namespace)

	for _, dir := range []string{filepath.Join(nsPath, "objects"), filepath.Join(nsPath, "refs")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	compressor, err := compression.NewCompressor(opts.CompressionLevel, opts.CompressionEnabled)
	if err != nil {
		return nil, fmt.Errorf("create compressor: %w", err)
	}
	cache, err := NewLRUCache(opts.CacheSize)
	if err != nil {
		compressor.Close()
		return nil, fmt.Errorf("create cache: %w", err)
	}

	return &LocalStore{
		basePath:   nsPath,
		namespace:  namespace,
		cache:      cache,
		compressor: compressor,
	}, nil
}

// Get retrieves an object by hash.
func (s *LocalStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if data, ok := s.cache.Get(hash); ok {
		return data, nil
	}

	compressed, err := os.ReadFile(s.objectPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object %s: %w", hash, ErrNotFound)
		}
		return nil, fmt.Errorf("read object: %w", err)
	}

	data, err := s.compressor.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress object %s: %w", hash, err)
	}
	if sum := sha256.Sum256(data); hex.EncodeToString(sum[:]) != hash {
		return nil, fmt.Errorf("object %s is corrupt", hash)
	}

	s.cache.Add(hash, data)
	return data, nil
}

// Put stores an object and returns its hash.
func (s *LocalStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h := sha256.Sum256(data)
	hash := hex.EncodeToString(h[:])

	p := s.objectPath(hash)
	if _, err := os.Stat(p); err == nil {
		s.cache.Add(hash, data)
		return hash, nil
	}

	if err := writeFileAtomic(p, s.compressor.Compress(data)); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}

	s.cache.Add(hash, data)
	return hash, nil
}

// Has checks if an object exists.
func (s *LocalStore) Has(ctx context.Context, hash string) (bool, error) {
	if s.cache.Has(hash) {
		return true, nil
	}
	_, err := os.Stat(s.objectPath(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// GetRef resolves a ref to an object hash.
func (s *LocalStore) GetRef(ref string) (string, error) {
	p, err := s.refPath(ref)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("ref %s:%s: %w", s.namespace, ref, ErrNotFound)
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// PutRef points a ref at an object hash.
func (s *LocalStore) PutRef(ref, hash string) error {
	p, err := s.refPath(ref)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(p, []byte(hash)); err != nil {
		return fmt.Errorf("write ref: %w", err)
	}
	return nil
}

// DeleteRef removes a ref.
func (s *LocalStore) DeleteRef(ref string) error {
	p, err := s.refPath(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove ref: %w", err)
	}
	return nil
}

// Evict removes an object from cache.
func (s *LocalStore) Evict(hash string) {
	s.cache.Remove(hash)
}

// Clear clears the cache.
func (s *LocalStore) Clear() {
	s.cache.Clear()
}

// Close releases the compressor.
func (s *LocalStore) Close() error {
	return s.compressor.Close()
}

// objectPath returns the filesystem path for an object hash.
// Git-style sharding: objects/ab/cd123...
func (s *LocalStore) objectPath(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(s.basePath, "objects", hash)
	}
	return filepath.Join(s.basePath, "objects", hash[:2], hash[2:])
}

// refPath returns the filesystem path for a reference.
func (s *LocalStore) refPath(ref string) (string, error) {
	clean := path.Clean(ref)
	if ref == "" || clean != ref || path.IsAbs(ref) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid ref %q", ref)
	}
	return filepath.Join(s.basePath, "refs", filepath.FromSlash(clean)), nil
}

// writeFileAtomic writes data to a temp file next to dst and renames it
// into place.
func writeFileAtomic(dst string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

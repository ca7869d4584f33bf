package ocflsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/aweris/ocflsync/internal/store"
)

// Store is the object store behind a CachingFetcher.
type Store = store.Store

// LocalStore is the on-disk Store.
type LocalStore = store.LocalStore

// OpenStateCache opens the version-state cache rooted at dir. cacheSize
// bounds the in-memory LRU in front of it.
func OpenStateCache(dir string, cacheSize int) (*LocalStore, error) {
	opts := store.DefaultOptions()
	if cacheSize > 0 {
		opts.CacheSize = cacheSize
	}
	return store.NewLocalStore(dir, "states", opts)
}

// CachingFetcher wraps a Remote and keeps the version states it fetched in
// a Store. A version never changes once written, so cached states are
// served without asking the remote. Head requests always go to the remote;
// their answer is cached under the concrete version number.
type CachingFetcher struct {
	Remote
	store  Store
	logger *zap.Logger
}

// NewCachingFetcher returns a Remote serving explicit versions from s.
func NewCachingFetcher(r Remote, s Store, logger *zap.Logger) *CachingFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachingFetcher{Remote: r, store: s, logger: logger}
}

// FetchVersionState implements StateFetcher.
func (c *CachingFetcher) FetchVersionState(ctx context.Context, ref ObjectRef, version int) (*VersionState, error) {
	if version > 0 {
		if st, ok := c.load(ctx, ref, version); ok {
			c.logger.Debug("version state from cache", zap.Stringer("object", ref), zap.Int("version", version))
			return st, nil
		}
	}
	st, err := c.Remote.FetchVersionState(ctx, ref, version)
	if err != nil {
		return nil, err
	}
	c.save(ctx, ref, st)
	return st, nil
}

func (c *CachingFetcher) load(ctx context.Context, ref ObjectRef, version int) (*VersionState, bool) {
	name := stateRef(ref, version)
	hash, err := c.store.GetRef(name)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("read cache ref", zap.String("ref", name), zap.Error(err))
		}
		return nil, false
	}
	data, err := c.store.Get(ctx, hash)
	if err != nil {
		c.logger.Warn("read cached state", zap.String("ref", name), zap.Error(err))
		c.store.Evict(hash)
		_ = c.store.DeleteRef(name)
		return nil, false
	}
	var st VersionState
	if err := json.Unmarshal(data, &st); err != nil {
		c.logger.Warn("decode cached state", zap.String("ref", name), zap.Error(err))
		_ = c.store.DeleteRef(name)
		return nil, false
	}
	if st.ObjectRef != ref || st.Version != version || st.Validate() != nil {
		c.logger.Warn("cached state does not match its ref", zap.String("ref", name))
		_ = c.store.DeleteRef(name)
		return nil, false
	}
	return &st, true
}

func (c *CachingFetcher) save(ctx context.Context, ref ObjectRef, st *VersionState) {
	if st.Version <= 0 {
		return
	}
	name := stateRef(ref, st.Version)
	if err := c.put(ctx, name, st); err != nil {
		c.logger.Warn("cache version state", zap.String("ref", name), zap.Error(err))
	}
}

func (c *CachingFetcher) put(ctx context.Context, name string, st *VersionState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	hash, err := c.store.Put(ctx, data)
	if err != nil {
		return err
	}
	return c.store.PutRef(name, hash)
}

// OpenBlob implements BlobStreamer.
func (c *CachingFetcher) OpenBlob(ctx context.Context, ref ObjectRef, digest Digest) (io.ReadCloser, error) {
	return c.Remote.OpenBlob(ctx, ref, digest)
}

// stateRef names the cache entry of a version: <root>/<object>/v<N>.
// An empty storage root is written as "%", which PathEscape never emits.
func stateRef(ref ObjectRef, version int) string {
	root := "%"
	if ref.StorageRootID != "" {
		root = url.PathEscape(ref.StorageRootID)
	}
	return root + "/" + url.PathEscape(ref.ID) + "/v" + strconv.Itoa(version)
}

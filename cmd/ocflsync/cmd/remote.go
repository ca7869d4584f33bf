package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aweris/ocflsync"
	"github.com/aweris/ocflsync/internal/remote"
)

func addRemoteFlags(cmd *cobra.Command) {
	cmd.Flags().String("oci", "", "read the object from an OCI registry mirror (e.g. ghcr.io/org/objects/book)")
	cmd.Flags().String("registry-user", "", "OCI registry username (default: docker keychain)")
	cmd.Flags().String("registry-password", "", "OCI registry password")
}

// openRemote builds the remote named by the flags and config. Version
// states are served from the local cache unless caching is off.
func openRemote(cmd *cobra.Command) (r ocflsync.Remote, closeFn func() error, err error) {
	closeFn = func() error { return nil }
	opts := []remote.Option{
		remote.WithRetries(cfg.Retries),
		remote.WithTimeout(cfg.Timeout),
		remote.WithLogger(logger),
		remote.WithConcurrency(cfg.Concurrency),
	}

	if repo, _ := cmd.Flags().GetString("oci"); repo != "" {
		user, _ := cmd.Flags().GetString("registry-user")
		pass, _ := cmd.Flags().GetString("registry-password")
		if user != "" {
			opts = append(opts, remote.WithAuthenticator(remote.BasicAuthenticator{Username: user, Password: pass}))
		}
		r, err = ocflsync.NewOCIRemote(repo, opts...)
	} else {
		token := cfg.Token
		if token == "" && cfg.TokenFile != "" {
			if token, err = remote.ReadTokenFile(cfg.TokenFile); err != nil {
				return nil, nil, err
			}
		}
		if token != "" {
			opts = append(opts, remote.WithToken(token))
		}
		if cfg.H2C {
			opts = append(opts, remote.WithH2C())
		}
		r, err = ocflsync.NewHTTPRemote(cfg.ServerURL, opts...)
	}
	if err != nil {
		return nil, nil, err
	}

	if cfg.NoCache {
		return r, closeFn, nil
	}
	st, err := ocflsync.OpenStateCache(cfg.CacheDir, cfg.CacheSize)
	if err != nil {
		logger.Warn("state cache unavailable", zap.String("dir", cfg.CacheDir), zap.Error(err))
		return r, closeFn, nil
	}
	return ocflsync.NewCachingFetcher(r, st, logger), st.Close, nil
}

func parseRef(root, id string) (ocflsync.ObjectRef, error) {
	if id == "" {
		return ocflsync.ObjectRef{}, fmt.Errorf("empty object id")
	}
	return ocflsync.ObjectRef{StorageRootID: root, ID: id}, nil
}

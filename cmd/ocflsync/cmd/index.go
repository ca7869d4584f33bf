package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/ocflsync"
)

var indexCmd = &cobra.Command{
	Use:   "index <dir>",
	Short: "Print the content digests of a local directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

type indexEntry struct {
	Digest ocflsync.Digest `json:"digest" yaml:"digest"`
	Paths  []string        `json:"paths" yaml:"paths"`
}

func runIndex(cmd *cobra.Command, args []string) error {
	alg, err := ocflsync.ParseAlgorithm(cfg.Algorithm)
	if err != nil {
		return err
	}
	idx, err := buildIndex(cmd.Context(), args[0], alg)
	if err != nil {
		return err
	}

	var entries []indexEntry
	for d, paths := range idx.Entries() {
		entries = append(entries, indexEntry{Digest: d, Paths: paths})
	}
	if ok, err := encode(os.Stdout, map[string]any{"algorithm": idx.Algorithm, "entries": entries}); ok {
		return err
	}
	for _, e := range entries {
		for _, p := range e.Paths {
			fmt.Printf("%s  %s\n", e.Digest, p)
		}
	}
	return nil
}

func buildIndex(ctx context.Context, dir string, alg ocflsync.Algorithm) (*ocflsync.DigestIndex, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	opts := []ocflsync.IndexOption{ocflsync.WithIndexLogger(logger)}
	if cfg.SkipHidden {
		opts = append(opts, ocflsync.WithSkipHidden())
	}
	if cfg.DigestConcurrency > 0 {
		opts = append(opts, ocflsync.WithDigestConcurrency(cfg.DigestConcurrency))
	}
	return ocflsync.BuildLocalIndex(ctx, dir, alg, opts...)
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest <storage-root> <object-id>",
	Short: "Print the content of an object across all versions",
	Args:  cobra.ExactArgs(2),
	RunE:  runManifest,
}

func init() {
	addRemoteFlags(manifestCmd)
	rootCmd.AddCommand(manifestCmd)
}

func runManifest(cmd *cobra.Command, args []string) (err error) {
	ref, err := parseRef(args[0], args[1])
	if err != nil {
		return err
	}
	r, closeRemote, err := openRemote(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeRemote(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	m, err := r.FetchManifest(context.Background(), ref)
	if err != nil {
		return fmt.Errorf("fetch manifest: %w", err)
	}
	if ok, err := encode(os.Stdout, m); ok {
		return err
	}

	fmt.Printf("%s (%s, %d digests, %s)\n", ref, m.Algorithm, len(m.Manifest), humanBytes(m.Manifest.TotalSize()))
	paths := m.Manifest.PathMap()
	keys := make([]string, 0, len(paths))
	for p := range paths {
		keys = append(keys, p)
	}
	sort.Strings(keys)
	for _, p := range keys {
		fmt.Printf("%s  %s\n", paths[p].Short(), p)
	}
	return nil
}

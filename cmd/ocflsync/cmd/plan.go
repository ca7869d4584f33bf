package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aweris/ocflsync"
)

var planCmd = &cobra.Command{
	Use:   "plan <storage-root> <object-id> <dir>",
	Short: "Show what a pull would transfer without writing anything",
	Args:  cobra.ExactArgs(3),
	RunE:  runPlan,
}

func init() {
	planCmd.Flags().IntP("version", "v", 0, "version number (default: head)")
	addRemoteFlags(planCmd)
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) (err error) {
	ref, err := parseRef(args[0], args[1])
	if err != nil {
		return err
	}
	version, _ := cmd.Flags().GetInt("version")

	r, closeRemote, err := openRemote(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeRemote(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ctx := context.Background()
	state, err := r.FetchVersionState(ctx, ref, version)
	if err != nil {
		return fmt.Errorf("fetch version state: %w", err)
	}
	idx, err := buildIndex(ctx, args[2], state.Algorithm)
	if err != nil {
		return err
	}
	if cfg.SkipHidden {
		if err := idx.IncludeDeclared(ctx, state.State); err != nil {
			return err
		}
	}
	plan, err := ocflsync.Plan(idx, state)
	if err != nil {
		return err
	}

	if ok, err := encode(os.Stdout, plan); ok {
		return err
	}
	fmt.Printf("%s v%d: %d to fetch (%s), %d to copy, %d up to date\n",
		ref, state.Version, len(plan.Fetch()), humanBytes(plan.FetchBytes()), len(plan.Local()), plan.CompleteCount())
	for _, it := range plan.Items {
		action := "fetch"
		switch {
		case it.Complete():
			continue
		case it.Satisfied:
			action = "copy "
		}
		fmt.Printf("%s %s  %s\n", action, it.Digest.Short(), strings.Join(it.Missing, ", "))
		if len(it.Conflicts) > 0 {
			fmt.Printf("      replaces: %s\n", strings.Join(it.Conflicts, ", "))
		}
	}
	return nil
}

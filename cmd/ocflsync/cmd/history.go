package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aweris/ocflsync"
	"github.com/aweris/ocflsync/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history [pull-id]",
	Short: "Show past pulls and the files they could not place",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "number of pulls to show")
	historyCmd.Flags().Bool("failed", false, "only show pulls that did not fully succeed")
	historyCmd.Flags().Duration("prune", 0, "delete pulls older than this and exit")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) (err error) {
	repo, err := history.Open(cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := repo.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if prune, _ := cmd.Flags().GetDuration("prune"); prune > 0 {
		n, err := repo.Prune(time.Now().Add(-prune))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "removed %d pulls\n", n)
		return nil
	}

	var recs []history.PullRecord
	if len(args) == 1 {
		rec, err := repo.Get(args[0])
		if err != nil {
			return err
		}
		recs = append(recs, *rec)
	} else {
		limit, _ := cmd.Flags().GetInt("limit")
		failed, _ := cmd.Flags().GetBool("failed")
		if recs, err = repo.List(history.ListOptions{Limit: limit, FailedOnly: failed}); err != nil {
			return err
		}
	}

	if ok, err := encode(os.Stdout, recs); ok {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("no pulls yet")
		return nil
	}
	for _, r := range recs {
		fmt.Printf("%s [%s] %-9s %s/%s v%d -> %s (%d written, %s)\n",
			r.PullID[:8],
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.Status,
			r.StorageRootID, r.ObjectID, r.Version,
			r.LocalRoot,
			r.Written,
			humanBytes(r.BytesFetched),
		)
		for _, f := range r.Failures {
			fmt.Printf("    %s  %s\n", ocflsync.Digest(f.Digest).Short(), strings.Join(f.Destinations, ", "))
		}
	}
	return nil
}

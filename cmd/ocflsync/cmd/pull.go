package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aweris/ocflsync"
	"github.com/aweris/ocflsync/internal/history"
)

var pullCmd = &cobra.Command{
	Use:   "pull <storage-root> <object-id> <dir>",
	Short: "Materialize an object version into a directory",
	Long: "Fetch the state of an object version and make <dir> hold it. Content\n" +
		"already present anywhere in <dir> is copied locally instead of downloaded.\n\n" +
		"Exit status is 0 when every file was placed, 1 when some failed, 2 when\n" +
		"the pull failed as a whole and 3 when it was interrupted.",
	Args: cobra.ExactArgs(3),
	RunE: runPull,
}

func init() {
	pullCmd.Flags().IntP("version", "v", 0, "version number (default: head)")
	pullCmd.Flags().Bool("keep-local", false, "leave local files that differ from the version untouched")
	pullCmd.Flags().Bool("no-progress", false, "do not show a progress bar")
	pullCmd.Flags().Bool("no-history", false, "do not record the pull in the history database")
	addRemoteFlags(pullCmd)
	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, args []string) (err error) {
	ref, err := parseRef(args[0], args[1])
	if err != nil {
		return err
	}
	dir := args[2]
	version, _ := cmd.Flags().GetInt("version")
	keepLocal, _ := cmd.Flags().GetBool("keep-local")
	noProgress, _ := cmd.Flags().GetBool("no-progress")
	noHistory, _ := cmd.Flags().GetBool("no-history")

	r, closeRemote, err := openRemote(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeRemote(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	alg, err := ocflsync.ParseAlgorithm(cfg.Algorithm)
	if err != nil {
		return err
	}

	var bar *pb.ProgressBar
	opts := []ocflsync.Option{
		ocflsync.WithAlgorithm(alg),
		ocflsync.WithConcurrency(cfg.Concurrency),
		ocflsync.WithIndexConcurrency(cfg.DigestConcurrency),
		ocflsync.WithReplace(!keepLocal),
		ocflsync.WithLogger(logger),
	}
	if cfg.SkipHidden {
		opts = append(opts, ocflsync.WithHiddenSkipped())
	}
	if !noProgress {
		opts = append(opts,
			ocflsync.WithPhaseHook(func(ph ocflsync.Phase) {
				if ph == ocflsync.PhaseIndexingLocal {
					fmt.Fprintf(os.Stderr, "[pull] indexing %s\n", dir)
				}
			}),
			ocflsync.WithPlanHook(func(plan *ocflsync.PullPlan) {
				var total int64
				for _, it := range plan.Items {
					if len(it.Missing) > 0 {
						total += it.Size
					}
				}
				fmt.Fprintf(os.Stderr, "[pull] %d to fetch, %d to copy, %d up to date\n",
					len(plan.Fetch()), len(plan.Local()), plan.CompleteCount())
				if total > 0 {
					bar = pb.New64(total).Set(pb.Bytes, true).SetWriter(os.Stderr).SetTemplate(pb.Full).Start()
				}
			}),
			ocflsync.WithByteHook(func(n int) {
				if bar != nil {
					bar.Add(n)
				}
			}),
		)
	}

	p, err := ocflsync.NewPuller(r, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, pullErr := p.Pull(ctx, dir, ref, version)
	if bar != nil {
		bar.Finish()
	}

	if !noHistory {
		recordPull(report)
	}

	if ok, err := encode(os.Stdout, report); ok {
		if err != nil {
			return err
		}
	} else {
		printReport(os.Stdout, report)
	}
	return pullResult(report, pullErr)
}

// pullResult turns a finished pull into the command's error: the pull
// error itself when nothing could be done, otherwise the report's exit code.
func pullResult(report *ocflsync.PullReport, pullErr error) error {
	if pullErr != nil && report.Status == ocflsync.StatusFailed {
		return pullErr
	}
	if code := report.Status.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func recordPull(report *ocflsync.PullReport) {
	repo, err := history.Open(cfg.HistoryDB)
	if err != nil {
		logger.Warn("history unavailable", zap.Error(err))
		return
	}
	defer repo.Close()
	if _, err := repo.Record(report); err != nil {
		logger.Warn("record pull", zap.Error(err))
	}
}

func printReport(w io.Writer, r *ocflsync.PullReport) {
	fmt.Fprintf(w, "%s v%d (head v%d) -> %s: %s\n", r.Ref, r.Version, r.Head, r.LocalRoot, r.Status)
	if r.Error != "" && r.Status == ocflsync.StatusFailed {
		fmt.Fprintf(w, "  error: %s\n", r.Error)
		return
	}
	fmt.Fprintf(w, "  %d digests, %d up to date, %d files written, %s fetched in %s\n",
		r.Items, r.Complete, r.FilesWritten(), humanBytes(r.BytesFetched()), r.Duration.Round(time.Millisecond))

	for _, o := range r.Outcomes {
		if len(o.Skipped) > 0 {
			fmt.Fprintf(w, "  kept local: %s\n", strings.Join(o.Skipped, ", "))
		}
	}
	for _, o := range r.Failed() {
		state := "failed"
		if o.Cancelled {
			state = "cancelled"
		}
		fmt.Fprintf(w, "  %s %s: %s\n", state, o.Digest.Short(), strings.Join(o.Destinations, ", "))
		if !o.Cancelled {
			fmt.Fprintf(w, "    %s\n", o.Error)
		}
	}
}

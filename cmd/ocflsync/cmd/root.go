package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aweris/ocflsync/internal/config"
)

var (
	cfg    *config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "ocflsync",
	Short: "Pull OCFL object versions into local directories",
	Long: "Materializes versions of OCFL objects served by chaparral, or mirrored\n" +
		"to an OCI registry, downloading only content not already present locally.",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPostRun: func(*cobra.Command, []string) { _ = logger.Sync() },
}

// exitError carries a non-zero exit code that is not a failure of the
// command itself, such as a partial pull.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func Execute() {
	if code := exitCode(os.Stderr, rootCmd.Execute()); code != 0 {
		os.Exit(code)
	}
}

// exitCode maps a command error to the process exit status, printing
// errors that are not plain exit codes to w.
func exitCode(w io.Writer, err error) int {
	var exit *exitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exit):
		return exit.code
	default:
		fmt.Fprintln(w, "Error:", err)
		return 2
	}
}

func init() {
	rootCmd.PersistentPreRunE = setup

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ~/.config/ocflsync/config.yaml)")
	flags.String("server", "", "chaparral base URL")
	flags.String("token", "", "bearer token")
	flags.String("token-file", "", "file holding the bearer token")
	flags.Bool("h2c", false, "use HTTP/2 without TLS for http:// servers")
	flags.String("algorithm", "", "digest algorithm for indexing the local directory")
	flags.Int("concurrency", 0, "parallel transfers")
	flags.Int("digest-concurrency", 0, "files hashed in parallel (default: number of CPUs)")
	flags.String("cache-dir", "", "version state cache directory (default: ~/.local/share/ocflsync/cache)")
	flags.Bool("no-cache", false, "do not cache version states")
	flags.String("history-db", "", "pull history database")
	flags.Bool("skip-hidden", false, "ignore dot files and directories in the local directory")
	flags.Int("retries", 0, "attempts for metadata requests")
	flags.Duration("timeout", 0, "timeout for metadata requests")
	flags.Bool("debug", false, "verbose logging")
	flags.StringP("output", "o", "text", "output format: text, json or yaml")

	for key, flag := range map[string]string{
		"server_url":         "server",
		"token":              "token",
		"token_file":         "token-file",
		"h2c":                "h2c",
		"algorithm":          "algorithm",
		"concurrency":        "concurrency",
		"digest_concurrency": "digest-concurrency",
		"cache_dir":          "cache-dir",
		"no_cache":           "no-cache",
		"history_db":         "history-db",
		"skip_hidden":        "skip-hidden",
		"retries":            "retries",
		"timeout":            "timeout",
	} {
		viper.BindPFlag(key, flags.Lookup(flag))
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	config.Init(viper.GetViper(), rootCmd.PersistentFlags().Lookup("config").Value.String())
	c, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	cfg = c

	debug, _ := rootCmd.PersistentFlags().GetBool("debug")
	if logger, err = newLogger(debug); err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return zc.Build()
}

func outputFormat() string {
	out, _ := rootCmd.PersistentFlags().GetString("output")
	return out
}

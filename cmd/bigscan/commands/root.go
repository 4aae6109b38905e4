package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/bigscan/bigscan/internal/config"
	"github.com/bigscan/bigscan/internal/logging"
	"github.com/bigscan/bigscan/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var logCloser io.Closer

var rootCmd = &cobra.Command{
	Use:   "bigscan",
	Short: "BIG-IP inventory and artifact retrieval",
	Long: `Collects device facts from F5 BIG-IP appliances over iControl REST, optionally
creates and downloads qkview snapshots and UCS backups, and writes a CSV report.
Runs and reports are kept in a local SQLite history.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("sqlite-path", ".bigscan/history.db", "SQLite history database path")
	flags.String("output-dir", ".", "Directory that receives QKViews/ and UCS/")
	flags.BoolP("verbose", "v", false, "Log debug output to stderr")
	flags.String("log-file", "", "Also write debug logs to this rotated file")
	flags.String("s3-bucket", "", "S3 bucket for archived artifacts")
	flags.String("s3-region", "us-east-1", "S3 region")
	flags.String("s3-endpoint", "", "S3-compatible endpoint URL (path-style)")
	flags.String("s3-prefix", "bigscan", "Key prefix for archived artifacts")

	bindFlags(flags, "sqlite-path", "output-dir", "verbose", "log-file",
		"s3-bucket", "s3-region", "s3-endpoint", "s3-prefix")
}

func setupLogging(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	_, closer, err := logging.Setup(logging.Options{
		Verbose: cfg.Verbose,
		File:    cfg.LogFile,
	})
	if err != nil {
		return errors.Wrap(err, "failed to set up logging")
	}
	logCloser = closer
	return nil
}

// bindFlags binds each named flag to the viper key of the same name.
func bindFlags(flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}

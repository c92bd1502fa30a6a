package main

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/septivank/meter-verification-worker/internal/config"
	"github.com/septivank/meter-verification-worker/internal/logging"
	"github.com/septivank/meter-verification-worker/internal/repository"
)

var (
	cfg    *config.Config
	logger *zap.Logger

	storeDriver string
	sqlitePath  string
)

var rootCmd = &cobra.Command{
	Use:   "meterctl",
	Short: "Import meter lists and verify meters by scanned serial number",
	Long: "Imports CSV and XLSX meter lists into the store, lists files and meters, " +
		"and runs single or continuous verification sessions fed with scanned codes on stdin.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := config.LoadDotEnv(); err != nil {
			return eris.Wrap(err, "load .env")
		}
		if storeDriver != "" {
			os.Setenv("STORE_DRIVER", storeDriver)
		}
		if sqlitePath != "" {
			os.Setenv("SQLITE_PATH", sqlitePath)
		}

		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		l, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
		if err != nil {
			return eris.Wrap(err, "init logger")
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storeDriver, "store", "", "store driver: postgres, sqlite or memory (default $STORE_DRIVER)")
	rootCmd.PersistentFlags().StringVar(&sqlitePath, "sqlite-path", "", "sqlite database file (default $SQLITE_PATH)")
}

func openStore(ctx context.Context) (repository.Store, error) {
	st, err := repository.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s store", cfg.Store.Driver)
	}
	return st, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

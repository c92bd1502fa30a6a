package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/septivank/meter-verification-worker/internal/db"
	"github.com/septivank/meter-verification-worker/internal/service"
	"github.com/septivank/meter-verification-worker/internal/validator"
)

var (
	importFormat      string
	importDestination string
	importName        string
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a CSV or XLSX meter list into the store",
	Long: "Parses the file, validates its structure and replaces every meter previously " +
		"imported under the same file name. Structurally invalid files are recorded with their error.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path := args[0]

		destination := db.Destination(importDestination)
		if !destination.Valid() {
			return eris.Errorf("unknown destination %q", importDestination)
		}
		name := importName
		if name == "" {
			name = filepath.Base(path)
		}
		format, err := service.ParseFormat(importFormat, name)
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return eris.Wrap(err, "open import file")
		}
		defer f.Close()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ingester := service.NewIngester(validator.NewValidator(), cfg.Import.MaxDiagnostics, logger)
		result, err := ingester.Ingest(name, f, format)
		if err != nil {
			return eris.Wrap(err, "ingest")
		}

		syncer := service.NewSynchronizer(st, logger,
			service.WithReimportPolicy(service.ReimportPolicy(cfg.Import.ReimportPolicy)))
		res, err := syncer.Import(ctx, result, destination)
		if err != nil {
			return eris.Wrap(err, "synchronize")
		}

		out := cmd.OutOrStdout()
		if !result.IsValid {
			fmt.Fprintf(out, "%s: invalid file recorded: %s\n", name, result.Message())
			return nil
		}
		fmt.Fprintf(out, "%s: %d meters imported", name, res.MeterCount)
		if !res.Created {
			fmt.Fprintf(out, ", %d replaced", res.Replaced)
		}
		if res.Preserved > 0 {
			fmt.Fprintf(out, ", %d kept checked", res.Preserved)
		}
		fmt.Fprintln(out)

		d := result.Diagnostics
		if d.Skipped > 0 || res.Duplicates > 0 {
			fmt.Fprintf(out, "  %d rows skipped, %d duplicate serials dropped\n", d.Skipped, res.Duplicates)
		}
		for _, e := range d.RowErrors {
			fmt.Fprintf(out, "  %s\n", e.Error())
		}
		for _, n := range d.Notes {
			fmt.Fprintf(out, "  %s\n", n)
		}
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFormat, "format", "", "csv or xlsx (default from the file extension)")
	importCmd.Flags().StringVar(&importDestination, "destination", "", "installation or replacement")
	importCmd.Flags().StringVar(&importName, "name", "", "file name to record (default the base name of <file>)")
	rootCmd.AddCommand(importCmd)
}

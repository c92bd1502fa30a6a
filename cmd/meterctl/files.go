package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/septivank/meter-verification-worker/internal/service"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List imported files, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		files, err := service.NewViews(st).Files(ctx)
		if err != nil {
			return eris.Wrap(err, "files")
		}
		if len(files) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No files imported.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tUPLOADED\tMETERS\tCHECKED\tSELECTED\tDESTINATION\tSTATUS")
		for _, f := range files {
			status := "valid"
			if !f.IsValid {
				status = "invalid: " + f.ValidationError
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
				f.FileName,
				f.UploadDate.Format(time.RFC3339),
				f.MeterCount,
				f.Checked,
				f.Selected,
				dash(string(f.Destination)),
				status,
			)
		}
		return w.Flush()
	},
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	rootCmd.AddCommand(filesCmd)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/septivank/meter-verification-worker/internal/service"
	"github.com/septivank/meter-verification-worker/internal/verify"
)

var (
	readFile        string
	readUnchecked   bool
	readAutoAdvance bool
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Walk the meters of a file in order, verifying each against scanned codes",
	Long: "Reads one decoded code per line. Commands: :skip skips the current meter, " +
		":next advances after a match, :retry retries a failed write, " +
		":stale accepts a failed write and moves on, :quit stops. A JSON summary is printed at the end.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		out := cmd.OutOrStdout()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		list, err := service.NewViews(st).Meters(ctx, service.MeterFilter{
			SourceFile:    readFile,
			UncheckedOnly: readUnchecked,
		})
		if err != nil {
			return err
		}

		reading := verify.NewReading(st, logger,
			verify.WithRetry(commitRetry()),
			verify.WithAutoAdvance(readAutoAdvance || cfg.Verify.AutoAdvance),
		)
		reading.Initialize(list)
		printCurrent(out, reading)

		scan := func(ctx context.Context, raw string) (verify.Outcome, error) {
			switch command(raw) {
			case "":
				return reading.OnScan(ctx, raw)
			case ":skip":
				return nil, reading.OnSkip()
			case ":next":
				return nil, reading.Advance()
			case ":retry":
				return nil, reading.RetryCommit(ctx)
			case ":stale":
				return nil, reading.AcceptStale()
			case ":quit":
				cancel()
				return nil, nil
			default:
				return nil, eris.Errorf("unknown command %q", raw)
			}
		}
		handle := func(res verify.ScanResult) {
			if errors.Is(res.Err, verify.ErrCompleted) {
				return
			}
			printResult(out, res)
			printCurrent(out, reading)
			if reading.IsComplete() {
				cancel()
			}
		}

		if !reading.IsComplete() {
			err = verify.Pump(ctx, scanLines(ctx, cmd.InOrStdin()), scan, handle)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}

		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(reading.Summary())
	},
}

func printCurrent(w io.Writer, r *verify.Reading) {
	switch r.State() {
	case verify.ReadingCompleted:
		fmt.Fprintln(w, "reading complete")
		return
	case verify.ReadingCurrentScanned:
		fmt.Fprintln(w, "scanned, :next to continue")
		return
	case verify.ReadingCommitFailed:
		fmt.Fprintln(w, "write failed, :retry or :stale")
		return
	}
	if m, ok := r.Current(); ok {
		fmt.Fprintf(w, "[%d/%d %3.0f%%] scan %s\n", r.Index()+1, r.Summary().Total, r.Progress()*100, describe(m))
	}
}

func init() {
	readCmd.Flags().StringVar(&readFile, "file", "", "source file to walk (required)")
	readCmd.Flags().BoolVar(&readUnchecked, "unchecked", false, "only meters not yet checked")
	readCmd.Flags().BoolVar(&readAutoAdvance, "auto-advance", false, "advance right after each match")
	_ = readCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(readCmd)
}

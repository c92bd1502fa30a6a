package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/septivank/meter-verification-worker/internal/db"
	"github.com/septivank/meter-verification-worker/internal/repository"
	"github.com/septivank/meter-verification-worker/internal/verify"
)

var checkFile string

var checkCmd = &cobra.Command{
	Use:   "check <serial>",
	Short: "Verify one meter against scanned codes read from stdin",
	Long: "Reads one decoded code per line until the expected meter is matched. " +
		"After a mismatch with a known meter, :accept checks that meter instead. " +
		"Other commands: :reset, :retry, :abandon.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		out := cmd.OutOrStdout()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		target, err := findTarget(ctx, st, args[0], checkFile)
		if err != nil {
			return err
		}

		session := verify.NewSession(st, logger, verify.WithRetry(commitRetry()))
		if err := session.Start(target); err != nil {
			return err
		}
		fmt.Fprintf(out, "scanning for %s\n", describe(target))

		scan := func(ctx context.Context, raw string) (verify.Outcome, error) {
			switch command(raw) {
			case "":
				return session.Scan(ctx, raw)
			case ":accept":
				_, err := session.ResolveAlternate(ctx)
				return session.Last(), err
			case ":reset":
				return nil, session.Reset()
			case ":retry":
				err := session.RetryCommit(ctx)
				return session.Last(), err
			case ":abandon", ":quit":
				session.Abandon()
				cancel()
				return nil, nil
			default:
				return nil, eris.Errorf("unknown command %q", raw)
			}
		}
		handle := func(res verify.ScanResult) {
			printResult(out, res)
			if session.State() == verify.StateMatched {
				cancel()
			}
		}

		err = verify.Pump(ctx, scanLines(ctx, cmd.InOrStdin()), scan, handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		switch session.State() {
		case verify.StateMatched:
			return nil
		case verify.StateCommitFailed:
			return eris.New("check was not persisted")
		}
		fmt.Fprintln(out, "no match")
		return nil
	},
}

// findTarget resolves the meter to verify. Without a file the serial must be
// unique across files.
func findTarget(ctx context.Context, st repository.Reader, serial, file string) (db.MeterRecord, error) {
	if file != "" {
		m, err := st.GetMeter(ctx, serial, file)
		if err != nil {
			return db.MeterRecord{}, err
		}
		if m == nil {
			return db.MeterRecord{}, eris.Errorf("meter %s not found in %s", serial, file)
		}
		return *m, nil
	}

	found, err := st.FindMetersBySerial(ctx, serial)
	if err != nil {
		return db.MeterRecord{}, err
	}
	switch len(found) {
	case 0:
		return db.MeterRecord{}, eris.Errorf("meter %s not found", serial)
	case 1:
		return found[0], nil
	}
	return db.MeterRecord{}, eris.Errorf("meter %s exists in %d files, pass --file", serial, len(found))
}

func init() {
	checkCmd.Flags().StringVar(&checkFile, "file", "", "source file of the meter")
	rootCmd.AddCommand(checkCmd)
}

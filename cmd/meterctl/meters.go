package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/septivank/meter-verification-worker/internal/db"
	"github.com/septivank/meter-verification-worker/internal/service"
)

var (
	metersFile         string
	metersDestinations string
	metersPlace        string
	metersUnchecked    bool
	metersSelected     bool
)

var metersCmd = &cobra.Command{
	Use:   "meters",
	Short: "List meters, optionally filtered",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		filter, err := meterFilter()
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		meters, err := service.NewViews(st).Meters(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "meters")
		}
		if len(meters) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No meters found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SERIAL\tNUMBER\tPLACE\tFILE\tREGISTERED\tCHECKED\tSELECTED")
		for _, m := range meters {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				m.SerialNumber, m.Number, m.Place, m.SourceFile,
				yesNo(m.Registered), yesNo(m.IsChecked), yesNo(m.IsSelectedForProcessing))
		}
		return w.Flush()
	},
}

func meterFilter() (service.MeterFilter, error) {
	filter := service.MeterFilter{
		SourceFile:    metersFile,
		Place:         metersPlace,
		UncheckedOnly: metersUnchecked,
		SelectedOnly:  metersSelected,
	}
	if metersDestinations == "" {
		return filter, nil
	}
	for _, d := range strings.Split(metersDestinations, ",") {
		dest := db.Destination(strings.TrimSpace(d))
		if dest == db.DestinationNone || !dest.Valid() {
			return filter, eris.Errorf("unknown destination %q", d)
		}
		filter.Destinations = append(filter.Destinations, dest)
	}
	return filter, nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

var selectCmd = &cobra.Command{
	Use:   "select <serial> <file> [true|false]",
	Short: "Mark a meter as selected, or not, for downstream processing",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		selected := true
		if len(args) == 3 {
			v, err := strconv.ParseBool(args[2])
			if err != nil {
				return eris.Wrapf(err, "parse selection %q", args[2])
			}
			selected = v
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := service.NewViews(st).SetSelected(ctx, args[0], args[1], selected); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s/%s selected=%t\n", args[0], args[1], selected)
		return nil
	},
}

var locationsCmd = &cobra.Command{
	Use:   "locations",
	Short: "List the registered places",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		locations, err := service.NewViews(st).Locations(ctx)
		if err != nil {
			return err
		}
		for _, l := range locations {
			fmt.Fprintln(cmd.OutOrStdout(), l.Name)
		}
		return nil
	},
}

func init() {
	metersCmd.Flags().StringVar(&metersFile, "file", "", "only meters of this source file")
	metersCmd.Flags().StringVar(&metersDestinations, "destination", "", "comma separated destinations of the source file")
	metersCmd.Flags().StringVar(&metersPlace, "place", "", "only meters at this place")
	metersCmd.Flags().BoolVar(&metersUnchecked, "unchecked", false, "only meters not yet checked")
	metersCmd.Flags().BoolVar(&metersSelected, "selected", false, "only meters selected for processing")
	rootCmd.AddCommand(metersCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(locationsCmd)
}

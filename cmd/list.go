package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tiliavir/ttt-rmsync/internal/model"
	"github.com/Tiliavir/ttt-rmsync/internal/store"
	"github.com/Tiliavir/ttt-rmsync/internal/timecalc"
)

var (
	listFrom string
	listTo   string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List timesheet entries",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVar(&listFrom, "from", "", "First day (default: start of this week)")
	listCmd.Flags().StringVar(&listTo, "to", "", "Last day (default: today, or end of this week)")
}

func runList(cmd *cobra.Command, args []string) error {
	now := time.Now()
	window, err := parseWindow(listFrom, listTo, now, timecalc.WeekRange(now))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	a := openApp()
	defer a.Close()
	ctx := context.Background()

	entries, err := a.store.ListEntries(ctx, store.EntryFilter{
		UserID:         a.userID(),
		Range:          &window,
		IncludeSkipped: true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	names, err := projectNames(ctx, a.store)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	printList(os.Stdout, entries, names)
	return nil
}

// printList groups entries by date and prints them.
func printList(w io.Writer, entries []model.TimesheetEntry, names map[int64]string) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No entries found.")
		return
	}

	var currentDay string
	for _, e := range entries {
		day := timecalc.FormatDate(e.Date)
		if day != currentDay {
			fmt.Fprintln(w, day)
			currentDay = day
		}

		flags := ""
		if !e.IsBillable {
			flags += " [non-billable]"
		}
		if e.IsSkipped {
			flags += " [skipped]"
		}
		notes := ""
		if e.Notes != "" {
			notes = "  " + e.Notes
		}

		fmt.Fprintf(w, "  #%-5d %-20s%8s%s%s\n", e.ID, projectLabel(names, e.ProjectID),
			timecalc.FormatMinutes(e.DurationMinutes), flags, notes)
	}
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tiliavir/ttt-rmsync/internal/model"
	"github.com/Tiliavir/ttt-rmsync/internal/store"
	"github.com/Tiliavir/ttt-rmsync/internal/timecalc"
)

var (
	entryDate        string
	entryMinutes     int64
	entryNotes       string
	entryNonBillable bool
	entrySkipUndo    bool
)

var entryCmd = &cobra.Command{
	Use:   "entry",
	Short: "Manage timesheet entries",
}

var entryAddCmd = &cobra.Command{
	Use:   "add <project>",
	Short: "Record time on a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntryAdd,
}

var entrySkipCmd = &cobra.Command{
	Use:   "skip <id>",
	Short: "Exclude an entry from RM sync",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntrySkip,
}

func init() {
	entryAddCmd.Flags().StringVar(&entryDate, "date", "today", "Day worked (YYYY-MM-DD or e.g. \"yesterday\")")
	entryAddCmd.Flags().Int64Var(&entryMinutes, "minutes", 0, "Minutes worked")
	entryAddCmd.Flags().StringVar(&entryNotes, "notes", "", "Notes sent to RM with the day's total")
	entryAddCmd.Flags().BoolVar(&entryNonBillable, "non-billable", false, "Book as business development (default: the project's setting)")
	_ = entryAddCmd.MarkFlagRequired("minutes")

	entrySkipCmd.Flags().BoolVar(&entrySkipUndo, "undo", false, "Include the entry in RM sync again")

	entryCmd.AddCommand(entryAddCmd)
	entryCmd.AddCommand(entrySkipCmd)
}

func runEntryAdd(cmd *cobra.Command, args []string) error {
	if entryMinutes < 0 {
		fmt.Fprintln(os.Stderr, "--minutes must not be negative")
		os.Exit(1)
	}
	day, err := timecalc.ParseDay(entryDate, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	a := openApp()
	defer a.Close()
	ctx := context.Background()

	project, err := a.store.ProjectByName(ctx, args[0])
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Unknown project %q. Create it with: ttt project add %q\n", args[0], args[0])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	billable := project.BillableDefault
	if cmd.Flags().Changed("non-billable") {
		billable = !entryNonBillable
	}

	entry := model.TimesheetEntry{
		UserID:          a.userID(),
		ProjectID:       &project.ID,
		Date:            day,
		DurationMinutes: entryMinutes,
		IsBillable:      billable,
		Notes:           strings.TrimSpace(entryNotes),
		IsManual:        true,
	}
	id, err := a.store.AddEntry(ctx, entry)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	fmt.Printf("Added entry #%d: %s on %s, %s (%s)\n", id, project.Name,
		timecalc.FormatDate(day), timecalc.FormatMinutes(entryMinutes), billableLabel(billable))
	return nil
}

func runEntrySkip(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid entry id %q\n", args[0])
		os.Exit(1)
	}

	a := openApp()
	defer a.Close()

	if err := a.store.SetSkipped(context.Background(), id, !entrySkipUndo); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "No entry #%d.\n", id)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if entrySkipUndo {
		fmt.Printf("Entry #%d will be synced again.\n", id)
	} else {
		fmt.Printf("Entry #%d is skipped; the next sync removes it from RM.\n", id)
	}
	return nil
}

func billableLabel(billable bool) string {
	if billable {
		return "billable"
	}
	return "non-billable"
}

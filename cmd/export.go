package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tiliavir/ttt-rmsync/internal/model"
	"github.com/Tiliavir/ttt-rmsync/internal/store"
	"github.com/Tiliavir/ttt-rmsync/internal/timecalc"
)

var (
	exportFrom   string
	exportTo     string
	exportFormat string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export timesheet entries to stdout",
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "First day (default: start of this week)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Last day (default: today, or end of this week)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "csv", "Output format: csv, json, md")
}

func runExport(cmd *cobra.Command, args []string) error {
	now := time.Now()
	window, err := parseWindow(exportFrom, exportTo, now, timecalc.WeekRange(now))
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

	switch exportFormat {
	case "json":
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, "error encoding JSON:", err)
			os.Exit(2)
		}
		fmt.Println(string(data))
	case "md":
		printList(os.Stdout, entries, names)
	default: // csv
		printCSV(os.Stdout, entries, names)
	}

	return nil
}

func printCSV(w io.Writer, entries []model.TimesheetEntry, names map[int64]string) {
	fmt.Fprintln(w, "id,date,project,duration_minutes,billable,skipped,source,notes")
	for _, e := range entries {
		source := "manual"
		if e.OriginID != nil {
			source = *e.OriginID
		}
		fmt.Fprintf(w, "%d,%s,%s,%d,%t,%t,%s,%s\n",
			e.ID,
			timecalc.FormatDate(e.Date),
			csvEscape(projectLabel(names, e.ProjectID)),
			e.DurationMinutes,
			e.IsBillable,
			e.IsSkipped,
			csvEscape(source),
			csvEscape(e.Notes),
		)
	}
}

// csvEscape wraps a field in quotes if it contains a comma, quote, or newline.
func csvEscape(s string) string {
	if !strings.ContainsAny(s, ",\"\n\r") {
		return s
	}
	// Escape internal double quotes by doubling them.
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

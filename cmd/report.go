package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/Tiliavir/ttt-rmsync/internal/rmsync"
	"github.com/Tiliavir/ttt-rmsync/internal/store"
	"github.com/Tiliavir/ttt-rmsync/internal/timecalc"
)

var (
	reportFrom   string
	reportTo     string
	reportFormat string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show per-project daily totals as they would be billed",
	Args:  cobra.NoArgs,
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportFrom, "from", "", "First day (default: start of this week)")
	reportCmd.Flags().StringVar(&reportTo, "to", "", "Last day (default: today, or end of this week)")
	reportCmd.Flags().StringVar(&reportFormat, "format", "md", "Output format: md, csv, json")
}

// reportRow is one project-day aggregate.
type reportRow struct {
	Date     string          `json:"date"`
	Project  string          `json:"project"`
	Hours    decimal.Decimal `json:"hours"`
	Billable bool            `json:"billable"`
	Task     string          `json:"task"`
	Notes    string          `json:"notes,omitempty"`
	Entries  int             `json:"entries"`
}

func runReport(cmd *cobra.Command, args []string) error {
	now := time.Now()
	window, err := parseWindow(reportFrom, reportTo, now, timecalc.WeekRange(now))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	a := openApp()
	defer a.Close()
	ctx := context.Background()

	entries, err := a.store.ListEntries(ctx, store.EntryFilter{UserID: a.userID(), Range: &window})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	names, err := projectNames(ctx, a.store)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	rows := reportRows(rmsync.AggregateEntries(entries), names)
	if err := writeReport(os.Stdout, window, rows, reportFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return nil
}

// reportRows orders aggregates by date, then project name.
func reportRows(aggs map[string]rmsync.Aggregate, names map[int64]string) []reportRow {
	rows := make([]reportRow, 0, len(aggs))
	for _, g := range aggs {
		id := g.ProjectID
		rows = append(rows, reportRow{
			Date:     timecalc.FormatDate(g.Date),
			Project:  projectLabel(names, &id),
			Hours:    g.TotalHours,
			Billable: g.IsBillable,
			Task:     rmsync.MapBillableToTask(g.IsBillable),
			Notes:    g.Notes,
			Entries:  len(g.EntryIDs),
		})
	}
	slices.SortFunc(rows, func(a, b reportRow) int {
		if c := strings.Compare(a.Date, b.Date); c != 0 {
			return c
		}
		return strings.Compare(a.Project, b.Project)
	})
	return rows
}

func writeReport(w io.Writer, window timecalc.Range, rows []reportRow, format string) error {
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.Hours)
	}

	switch format {
	case "csv":
		fmt.Fprintln(w, "date,project,hours,task,notes")
		for _, r := range rows {
			fmt.Fprintf(w, "%s,%s,%s,%s,%s\n", r.Date, csvEscape(r.Project),
				timecalc.FormatHours(r.Hours), csvEscape(r.Task), csvEscape(r.Notes))
		}
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			From       string          `json:"from"`
			To         string          `json:"to"`
			Rows       []reportRow     `json:"rows"`
			TotalHours decimal.Decimal `json:"total_hours"`
		}{timecalc.FormatDate(window.From), timecalc.FormatDate(window.To), rows, total})
	case "md":
		fmt.Fprintf(w, "Report %s\n", window)
		fmt.Fprintln(w, "--------------------------------------------------")
		var currentDay string
		for _, r := range rows {
			day := ""
			if r.Date != currentDay {
				day, currentDay = r.Date, r.Date
			}
			fmt.Fprintf(w, "%-12s%-20s%7s  %s\n", day, r.Project, timecalc.FormatHours(r.Hours), r.Task)
		}
		fmt.Fprintln(w, "--------------------------------------------------")
		fmt.Fprintf(w, "%-32s%7s\n", "Total", timecalc.FormatHours(total))
	default:
		return fmt.Errorf("unknown format %q (want md, csv or json)", format)
	}
	return nil
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tiliavir/ttt-rmsync/internal/msgraph"
	"github.com/Tiliavir/ttt-rmsync/internal/timecalc"
)

var (
	outlookImportFrom    string
	outlookImportTo      string
	outlookImportDate    string
	outlookImportToday   bool
	outlookImportDryRun  bool
	outlookImportProject string
	outlookImportTZ      string
)

var outlookCmd = &cobra.Command{
	Use:   "outlook",
	Short: "Outlook calendar integration",
}

var outlookImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import Outlook calendar events as timesheet entries",
	Args:  cobra.NoArgs,
	RunE:  runOutlookImport,
}

func init() {
	outlookImportCmd.Flags().StringVar(&outlookImportFrom, "from", "", "Start date; required when --to is specified")
	outlookImportCmd.Flags().StringVar(&outlookImportTo, "to", "", "End date; defaults to today")
	outlookImportCmd.Flags().StringVar(&outlookImportDate, "date", "", "Import a specific date")
	outlookImportCmd.Flags().BoolVar(&outlookImportToday, "today", false, "Import only today (default)")
	outlookImportCmd.Flags().BoolVar(&outlookImportDryRun, "dry-run", false, "Print planned operations without writing")
	outlookImportCmd.Flags().StringVar(&outlookImportProject, "project", "", "Project for imported events (default from config)")
	outlookImportCmd.Flags().StringVar(&outlookImportTZ, "timezone", "", "IANA timezone for event times (default from config)")
	outlookCmd.AddCommand(outlookImportCmd)
}

func runOutlookImport(cmd *cobra.Command, args []string) error {
	now := time.Now()
	today := timecalc.Range{From: timecalc.Day(now), To: timecalc.Day(now)}

	var (
		window timecalc.Range
		err    error
	)
	switch {
	case outlookImportDate != "":
		var d time.Time
		if d, err = timecalc.ParseDay(outlookImportDate, now); err == nil {
			window = timecalc.Range{From: d, To: d}
		}
	case outlookImportToday:
		window = today
	default:
		window, err = parseWindow(outlookImportFrom, outlookImportTo, now, today)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	a := openApp()
	defer a.Close()

	projectName := outlookImportProject
	if projectName == "" {
		projectName = a.cfg.Outlook.DefaultProject
	}
	timezone := outlookImportTZ
	if timezone == "" {
		timezone = a.cfg.Outlook.Timezone
	}
	from, to, err := calendarBounds(window, timezone)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	project, err := a.store.EnsureProject(ctx, projectName, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	dryTag := ""
	if outlookImportDryRun {
		dryTag = " [dry-run]"
	}
	fmt.Printf("Importing Outlook events (%s)%s into %q...\n", window, dryTag, project.Name)
	fmt.Println()

	tokens, err := msgraph.DefaultTokenFile()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	auth := &msgraph.Authenticator{
		Config: msgraph.OAuthConfig(a.cfg.Outlook.TenantID, a.cfg.Outlook.ClientID),
		Store:  tokens,
		Prompt: os.Stderr,
	}
	ts, err := auth.TokenSource(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Authentication failed: %v\n", err)
		os.Exit(1)
	}

	client := msgraph.NewClient(ctx, "", ts)
	events, err := client.GetCalendarView(ctx, from, to, timezone)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to fetch calendar events: %v\n", err)
		os.Exit(1)
	}
	a.log.Debug("calendar events fetched", "count", len(events), "window", window.String())

	result, err := msgraph.ImportEvents(ctx, a.store, events, msgraph.ImportOptions{
		UserID:    a.userID(),
		ProjectID: project.ID,
		Billable:  project.BillableDefault,
		Timezone:  timezone,
		DryRun:    outlookImportDryRun,
		Out:       os.Stdout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Import error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  %d imported\n", result.Imported)
	fmt.Printf("  %d skipped\n", result.Skipped)
	fmt.Printf("  %d updated\n", result.Updated)
	fmt.Printf("  %d filtered\n", result.Filtered)
	if result.Errors > 0 {
		fmt.Printf("  %d errors\n", result.Errors)
		os.Exit(2)
	}
	return nil
}

// calendarBounds turns a window of days into the [from, to) instants of a
// calendar view in timezone. An empty timezone means UTC.
func calendarBounds(window timecalc.Range, timezone string) (time.Time, time.Time, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("unknown timezone %q: %w", timezone, err)
		}
		loc = l
	}
	at := func(d time.Time) time.Time {
		return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	}
	return at(window.From), at(window.To.AddDate(0, 0, 1)), nil
}

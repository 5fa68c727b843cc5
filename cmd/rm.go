package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tiliavir/ttt-rmsync/internal/model"
	"github.com/Tiliavir/ttt-rmsync/internal/rmsync"
	"github.com/Tiliavir/ttt-rmsync/internal/store"
	"github.com/Tiliavir/ttt-rmsync/internal/timecalc"
)

var (
	rmBaseURL    string
	rmToken      string
	rmMapName    string
	rmMapDisable bool
	rmFrom       string
	rmTo         string
	rmOlderThan  time.Duration
)

var rmCmd = &cobra.Command{
	Use:   "rm",
	Short: "Sync timesheets to the RM billing system",
}

var rmConnectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Store the RM base URL and API token",
	Args:  cobra.NoArgs,
	RunE:  runRMConnect,
}

var rmMapCmd = &cobra.Command{
	Use:   "map <project> <remote-project-id>",
	Short: "Map a local project to an RM project",
	Args:  cobra.ExactArgs(2),
	RunE:  runRMMap,
}

var rmPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what a sync would push, without calling RM",
	Args:  cobra.NoArgs,
	RunE:  runRMPlan,
}

var rmSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push daily project totals to RM",
	Args:  cobra.NoArgs,
	RunE:  runRMSync,
}

var rmRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Fail sync runs left RUNNING by a crashed process",
	Args:  cobra.NoArgs,
	RunE:  runRMRecover,
}

func init() {
	rmConnectCmd.Flags().StringVar(&rmBaseURL, "base-url", "", "RM API base URL (default from config)")
	rmConnectCmd.Flags().StringVar(&rmToken, "token", "", "RM API token")
	_ = rmConnectCmd.MarkFlagRequired("token")

	rmMapCmd.Flags().StringVar(&rmMapName, "name", "", "Display name of the RM project")
	rmMapCmd.Flags().BoolVar(&rmMapDisable, "disable", false, "Stop syncing the project; entries already in RM are left as they are")

	for _, c := range []*cobra.Command{rmPlanCmd, rmSyncCmd} {
		c.Flags().StringVar(&rmFrom, "from", "", "First day (default: rm.window_days ending today)")
		c.Flags().StringVar(&rmTo, "to", "", "Last day (default: today)")
	}

	rmRecoverCmd.Flags().DurationVar(&rmOlderThan, "older-than", 0, "Age of a stale run (default: rm.stale_after)")

	rmCmd.AddCommand(rmConnectCmd)
	rmCmd.AddCommand(rmMapCmd)
	rmCmd.AddCommand(rmPlanCmd)
	rmCmd.AddCommand(rmSyncCmd)
	rmCmd.AddCommand(rmRecoverCmd)
	rmCmd.AddCommand(rmStatusCmd)
	rmCmd.AddCommand(rmLogCmd)
}

func runRMConnect(cmd *cobra.Command, args []string) error {
	a := openApp()
	defer a.Close()

	baseURL := strings.TrimSpace(rmBaseURL)
	if baseURL == "" {
		baseURL = a.cfg.RM.BaseURL
	}
	if baseURL == "" {
		fmt.Fprintln(os.Stderr, "--base-url is required (or set rm.base_url in the config)")
		os.Exit(1)
	}

	sealed, err := a.box().Seal(strings.TrimSpace(rmToken))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	id, err := a.store.SaveConnection(context.Background(), model.Connection{
		UserID:      a.userID(),
		BaseURL:     baseURL,
		TokenSealed: sealed,
		Active:      true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	fmt.Printf("Connected %s to %s (connection #%d).\n", a.userID(), baseURL, id)
	return nil
}

func runRMMap(cmd *cobra.Command, args []string) error {
	a := openApp()
	defer a.Close()
	ctx := context.Background()

	conn, err := a.store.ActiveConnection(ctx, a.userID())
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintln(os.Stderr, "No RM connection. Run: ttt rm connect --token <token>")
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	project, err := a.store.ProjectByName(ctx, args[0])
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Unknown project %q.\n", args[0])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	remoteID := strings.TrimSpace(args[1])
	if remoteID == "" {
		fmt.Fprintln(os.Stderr, "remote project id must not be empty")
		os.Exit(1)
	}
	if _, err := a.store.SaveMapping(ctx, model.ProjectMapping{
		ConnectionID:      conn.ID,
		ProjectID:         project.ID,
		RemoteProjectID:   remoteID,
		RemoteProjectName: rmMapName,
		Active:            !rmMapDisable,
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if rmMapDisable {
		fmt.Printf("Mapping %s → %s disabled.\n", project.Name, remoteID)
	} else {
		fmt.Printf("Mapped %s → %s.\n", project.Name, remoteID)
	}
	return nil
}

// syncWindow resolves --from/--to for plan and sync.
func (a *app) syncWindow() timecalc.Range {
	now := time.Now()
	window, err := parseWindow(rmFrom, rmTo, now, lastDays(now, a.cfg.RM.WindowDays))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return window
}

func runRMPlan(cmd *cobra.Command, args []string) error {
	a := openApp()
	defer a.Close()
	window := a.syncWindow()
	ctx := context.Background()

	// Planning never opens the credential or calls RM.
	plan, err := rmsync.New(a.store, nil, nil, a.log).Plan(ctx, a.userID(), window)
	if err != nil {
		exitSyncError(err)
	}
	names, err := projectNames(ctx, a.store)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	printPlan(os.Stdout, plan, names)
	return nil
}

func runRMSync(cmd *cobra.Command, args []string) error {
	a := openApp()
	defer a.Close()
	window := a.syncWindow()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("Syncing %s to RM...\n", window)
	res, err := a.reconciler().RunSync(ctx, a.userID(), window)
	if err != nil {
		if res.Created+res.Updated+res.Deleted+res.Failed > 0 {
			printResult(os.Stdout, res)
		}
		exitSyncError(err)
	}

	printResult(os.Stdout, res)
	if res.Failed > 0 {
		os.Exit(2)
	}
	return nil
}

func runRMRecover(cmd *cobra.Command, args []string) error {
	a := openApp()
	defer a.Close()

	olderThan := rmOlderThan
	if olderThan <= 0 {
		olderThan = a.cfg.RM.StaleAfter.Std()
	}
	n, err := rmsync.New(a.store, nil, nil, a.log).RecoverStale(context.Background(), olderThan)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	fmt.Printf("Marked %d stale run(s) older than %s as FAILED.\n", n, olderThan)
	return nil
}

// exitSyncError reports a run-level error. Problems the user can fix exit
// with status 1, everything else with 2.
func exitSyncError(err error) {
	switch {
	case errors.Is(err, rmsync.ErrNoConnection):
		fmt.Fprintln(os.Stderr, "No RM connection. Run: ttt rm connect --token <token>")
		os.Exit(1)
	case errors.Is(err, rmsync.ErrNoMappings):
		fmt.Fprintln(os.Stderr, "No projects are mapped. Run: ttt rm map <project> <remote-project-id>")
		os.Exit(1)
	case errors.Is(err, store.ErrSyncInProgress):
		fmt.Fprintln(os.Stderr, "Another sync is running. If it crashed, run: ttt rm recover")
		os.Exit(1)
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "Sync cancelled.")
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(2)
}

func printPlan(w io.Writer, p rmsync.Plan, names map[int64]string) {
	fmt.Fprintf(w, "Plan for %s against %s\n", p.Range, p.Connection.BaseURL)

	section := func(title, mark string, items []rmsync.Item) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(w, "\n%s:\n", title)
		for _, it := range items {
			g := it.Aggregate
			fmt.Fprintf(w, "  %s %s  %-20s → %-12s %6sh  %s\n", mark,
				timecalc.FormatDate(g.Date), projectLabel(names, &g.ProjectID),
				it.Mapping.RemoteProjectID, timecalc.FormatHours(g.TotalHours),
				rmsync.MapBillableToTask(g.IsBillable))
		}
	}
	section("Create", "+", p.New)
	section("Update", "~", p.Changed)

	if len(p.Orphaned) > 0 {
		fmt.Fprintln(w, "\nDelete:")
		for _, se := range p.Orphaned {
			pid := se.ProjectID
			fmt.Fprintf(w, "  - %s  %-20s   remote entry %s\n",
				timecalc.FormatDate(se.AggregationDate), projectLabel(names, &pid), se.RemoteEntryID)
		}
	}
	if len(p.ZeroHour) > 0 {
		fmt.Fprintln(w, "\nNot pushed (zero hours):")
		for _, g := range p.ZeroHour {
			fmt.Fprintf(w, "  ! %s  %s\n", timecalc.FormatDate(g.Date), projectLabel(names, &g.ProjectID))
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d to create, %d to update, %d to delete, %d unchanged\n",
		len(p.New), len(p.Changed), len(p.Orphaned), len(p.Unchanged))
}

func printResult(w io.Writer, res rmsync.Result) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Summary (run %s):\n", res.RunID)
	fmt.Fprintf(w, "  %d created\n", res.Created)
	fmt.Fprintf(w, "  %d updated\n", res.Updated)
	fmt.Fprintf(w, "  %d deleted\n", res.Deleted)
	fmt.Fprintf(w, "  %d skipped\n", res.Skipped)
	if res.Failed > 0 {
		fmt.Fprintf(w, "  %d failed\n", res.Failed)
		for _, e := range res.Errors {
			fmt.Fprintf(w, "    ! %s: %s\n", e.Key, e.Message)
		}
	}
}

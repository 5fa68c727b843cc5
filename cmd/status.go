package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tiliavir/ttt-rmsync/internal/model"
	"github.com/Tiliavir/ttt-rmsync/internal/store"
)

var (
	rmLogLimit  int
	rmLogFormat string
)

var rmStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the RM connection, project mappings and the latest sync",
	Args:  cobra.NoArgs,
	RunE:  runRMStatus,
}

var rmLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the sync history",
	Args:  cobra.NoArgs,
	RunE:  runRMLog,
}

func init() {
	rmLogCmd.Flags().IntVar(&rmLogLimit, "limit", 20, "Number of runs to show (0 = all)")
	rmLogCmd.Flags().StringVar(&rmLogFormat, "format", "md", "Output format: md, csv, json")
}

func runRMStatus(cmd *cobra.Command, args []string) error {
	a := openApp()
	defer a.Close()
	ctx := context.Background()

	conn, err := a.store.ActiveConnection(ctx, a.userID())
	switch {
	case errors.Is(err, store.ErrNotFound):
		fmt.Println("Not connected to RM.")
	case err != nil:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	default:
		fmt.Println("Connection:")
		fmt.Printf("  User: %s\n", conn.UserID)
		fmt.Printf("  URL: %s\n", conn.BaseURL)
		fmt.Printf("  Since: %s\n", conn.CreatedAt.Local().Format("2006-01-02 15:04"))

		mappings, err := a.store.ActiveMappings(ctx, conn.ID)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		names, err := projectNames(ctx, a.store)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		fmt.Println("Mappings:")
		if len(mappings) == 0 {
			fmt.Println("  none")
		}
		for _, m := range mappings {
			pid := m.ProjectID
			remote := m.RemoteProjectID
			if m.RemoteProjectName != "" {
				remote += " (" + m.RemoteProjectName + ")"
			}
			fmt.Printf("  %-20s → %s\n", projectLabel(names, &pid), remote)
		}
	}

	run, err := a.store.LatestRun(ctx, a.userID())
	switch {
	case errors.Is(err, store.ErrNotFound):
		fmt.Println("Last sync: never")
	case err != nil:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	default:
		fmt.Printf("Last sync: %s %s, %s\n", run.StartedAt.Local().Format("2006-01-02 15:04"),
			run.Status, runCounts(run))
		if run.ErrorText != "" {
			fmt.Printf("  %s\n", run.ErrorText)
		}
	}
	return nil
}

func runRMLog(cmd *cobra.Command, args []string) error {
	a := openApp()
	defer a.Close()

	runs, err := a.store.ListRuns(context.Background(), a.userID(), rmLogLimit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := writeRunLog(os.Stdout, runs, rmLogFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return nil
}

func runCounts(r model.SyncLog) string {
	return fmt.Sprintf("%d created, %d updated, %d deleted, %d skipped, %d failed",
		r.Created, r.Updated, r.Deleted, r.Skipped, r.Failed)
}

func runDuration(r model.SyncLog) string {
	if r.CompletedAt == nil {
		return "running"
	}
	return r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
}

func writeRunLog(w io.Writer, runs []model.SyncLog, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	case "csv":
		fmt.Fprintln(w, "run_id,started_at,completed_at,status,created,updated,deleted,skipped,failed,error")
		for _, r := range runs {
			completed := ""
			if r.CompletedAt != nil {
				completed = r.CompletedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s,%s,%s,%s,%d,%d,%d,%d,%d,%s\n",
				r.RunID, r.StartedAt.Format(time.RFC3339), completed, r.Status,
				r.Created, r.Updated, r.Deleted, r.Skipped, r.Failed, csvEscape(r.ErrorText))
		}
	case "md":
		if len(runs) == 0 {
			fmt.Fprintln(w, "No sync runs yet.")
			return nil
		}
		for _, r := range runs {
			fmt.Fprintf(w, "%s  %-9s %8s  %s\n", r.StartedAt.Local().Format("2006-01-02 15:04"),
				r.Status, runDuration(r), runCounts(r))
			if r.ErrorText != "" {
				fmt.Fprintf(w, "    %s\n", strings.ReplaceAll(r.ErrorText, "\n", "\n    "))
			}
		}
	default:
		return fmt.Errorf("unknown format %q (want md, csv or json)", format)
	}
	return nil
}

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Tiliavir/ttt-rmsync/internal/store"
)

var projectNonBillable bool

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage local projects",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectAdd,
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	Args:  cobra.NoArgs,
	RunE:  runProjectList,
}

func init() {
	projectAddCmd.Flags().BoolVar(&projectNonBillable, "non-billable", false, "New entries default to non-billable")
	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectListCmd)
}

func runProjectAdd(cmd *cobra.Command, args []string) error {
	a := openApp()
	defer a.Close()

	id, err := a.store.AddProject(context.Background(), args[0], !projectNonBillable)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("Created project #%d %q (%s by default)\n", id, args[0], billableLabel(!projectNonBillable))
	return nil
}

func runProjectList(cmd *cobra.Command, args []string) error {
	a := openApp()
	defer a.Close()

	projects, err := a.store.ListProjects(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if len(projects) == 0 {
		fmt.Println("No projects. Create one with: ttt project add <name>")
		return nil
	}
	for _, p := range projects {
		fmt.Printf("%4d  %-24s%s\n", p.ID, p.Name, billableLabel(p.BillableDefault))
	}
	return nil
}

// projectNames maps project ids to names for display.
func projectNames(ctx context.Context, st *store.Store) (map[int64]string, error) {
	projects, err := st.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(projects))
	for _, p := range projects {
		names[p.ID] = p.Name
	}
	return names, nil
}

func projectLabel(names map[int64]string, id *int64) string {
	if id == nil {
		return "(uncategorized)"
	}
	if n, ok := names[*id]; ok {
		return n
	}
	return fmt.Sprintf("#%d", *id)
}

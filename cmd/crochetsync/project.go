package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
)

var projectCmd = &cobra.Command{
	Use:     "project",
	Aliases: []string{"proj"},
	Short:   "Manage projects, their materials and work journal",
}

var projectAdd struct {
	status string
	kind   string
	images []string
}

var projectAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		images, err := imageURIs(projectAdd.images)
		if err != nil {
			return err
		}
		_, ws, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		p, err := ws.Projects.Add(cmd.Context(), model.Project{
			Title:       args[0],
			Status:      model.ProjectStatus(projectAdd.status),
			ProjectType: projectAdd.kind,
			Images:      images,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Added project %q (%s, %s)\n", p.Title, p.Status, p.ID)
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, ws, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		status, _ := cmd.Flags().GetString("status")
		projects := ws.Projects.List(model.ProjectStatus(status))
		if len(projects) == 0 {
			fmt.Println("No projects.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tTITLE\tYARNS\tHOOKS\tJOURNAL\tWORKING")
		for _, p := range projects {
			working := ""
			if p.IsCurrentlyWorkingOn {
				working = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				p.ID, p.Status, p.Title, len(p.YarnUsedIDs), len(p.HookUsedIDs), len(p.WorkProgress), working)
		}
		return w.Flush()
	},
}

var projectLinkCmd = &cobra.Command{
	Use:   "link <project-id>",
	Short: "Set the yarns and hooks a project uses",
	Long: `Replace the yarn and hook lists of a project. Every item added or removed
is updated too, so its list of projects stays in step.

  crochetsync project link <id> --yarn <item> --yarn <item> --hook <item>
  crochetsync project link <id>            # unlink everything`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yarns, _ := cmd.Flags().GetStringSlice("yarn")
		hooks, _ := cmd.Flags().GetStringSlice("hook")

		_, ws, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		p, err := ws.Projects.SetMaterials(cmd.Context(), args[0], yarns, hooks)
		if err != nil {
			return err
		}
		fmt.Printf("%s now uses %d yarns and %d hooks\n", p.Title, len(p.YarnUsedIDs), len(p.HookUsedIDs))
		return nil
	},
}

var projectStartCmd = &cobra.Command{
	Use:   "start <project-id>",
	Short: "Start a work session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, ws, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		p, err := ws.Projects.StartWorking(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Working on %s (%s)\n", p.Title, p.Status)
		return nil
	},
}

var projectStopCmd = &cobra.Command{
	Use:   "stop <project-id>",
	Short: "End the running work session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, ws, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		p, err := ws.Projects.StopWorking(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		var total time.Duration
		for _, s := range p.TimeSessions {
			total += time.Duration(s.DurationSeconds) * time.Second
		}
		fmt.Printf("Stopped. %s total on %s\n", total.Round(time.Minute), p.Title)
		return nil
	},
}

var projectJournalCmd = &cobra.Command{
	Use:   "journal <project-id> <notes>",
	Short: "Add a work journal entry dated now",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, ws, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		entry, err := ws.Projects.AddJournalEntry(cmd.Context(), args[0], time.Time{}, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Added entry %s\n", entry.ID)
		return nil
	},
}

var projectRmCmd = &cobra.Command{
	Use:   "rm <project-id>",
	Short: "Delete a project and unlink it from inventory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, ws, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		if err := ws.Projects.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Deleted.")
		return nil
	},
}

var journeyCmd = &cobra.Command{
	Use:   "journey",
	Short: "Show crafting statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, ws, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		j := ws.Projects.Journey()
		fmt.Printf("Projects:        %d (%d completed, %d in the works now)\n", j.Total, j.Completed, j.CurrentlyOn)
		statuses := make([]string, 0, len(j.ByStatus))
		for s := range j.ByStatus {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			fmt.Printf("  %-13s  %d\n", s, j.ByStatus[model.ProjectStatus(s)])
		}
		fmt.Printf("Time worked:     %s\n", (time.Duration(j.MinutesWorked) * time.Minute).String())
		fmt.Printf("Journal entries: %d\n", j.JournalEntries)
		fmt.Printf("Yarns used:      %d\n", j.YarnsUsed)
		fmt.Printf("Hooks used:      %d\n", j.HooksUsed)
		return nil
	},
}

func init() {
	f := projectAddCmd.Flags()
	f.StringVar(&projectAdd.status, "status", string(model.StatusToDo), "to-do, in-progress, on-hold, completed or frogged")
	f.StringVar(&projectAdd.kind, "type", "", "project type, e.g. amigurumi")
	f.StringSliceVar(&projectAdd.images, "image", nil, "image path or URL (repeatable)")

	projectListCmd.Flags().String("status", "", "only this status")
	projectLinkCmd.Flags().StringSlice("yarn", nil, "yarn item id (repeatable)")
	projectLinkCmd.Flags().StringSlice("hook", nil, "hook item id (repeatable)")

	projectCmd.AddCommand(projectAddCmd, projectListCmd, projectLinkCmd, projectStartCmd,
		projectStopCmd, projectJournalCmd, projectRmCmd, journeyCmd)
	rootCmd.AddCommand(projectCmd)
}

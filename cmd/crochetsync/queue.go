package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/imagequeue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the image upload queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queued images by state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, ws, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		if !ws.Uploads {
			fmt.Println("Uploads are off (sign in and configure storage to enable them).")
			return nil
		}

		c := a.Queue().Status()
		fmt.Printf("pending %d  uploading %d  completed %d  failed %d  (total %d)\n",
			c.Pending, c.Uploading, c.Completed, c.Failed, c.Total)

		items := a.Queue().Items()
		if len(items) == 0 {
			return nil
		}
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STATUS\tITEM\tINDEX\tRETRIES\tQUEUED\tDETAIL")
		for _, it := range items {
			detail := it.LocalURI
			switch it.Status {
			case imagequeue.StatusCompleted:
				detail = it.ResultURL
			case imagequeue.StatusFailed:
				detail = it.LastError
			}
			fmt.Fprintf(w, "%s\t%s/%s\t%d\t%d\t%s\t%s\n",
				it.Status, it.ItemType, it.ItemID, it.ImageIndex, it.RetryCount, humanize.Time(it.CreatedAt), detail)
		}
		return w.Flush()
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry failed uploads and wait for them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		n, err := a.Queue().RetryFailed(cmd.Context())
		if errors.Is(err, imagequeue.ErrNotInitialized) {
			return errors.New("uploads are off for this workspace")
		}
		if err != nil {
			return err
		}
		a.Queue().Wait()

		c := a.Queue().Status()
		fmt.Printf("Retried %d; now %d completed, %d failed.\n", n, c.Completed, c.Failed)
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop failed uploads, keeping the local images",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		n, err := a.Queue().ClearFailed(cmd.Context())
		if errors.Is(err, imagequeue.ErrNotInitialized) {
			return errors.New("uploads are off for this workspace")
		}
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d failed %s.\n", n, pluralize(n, "upload", "uploads"))
		return nil
	},
}

func pluralize(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func init() {
	queueCmd.AddCommand(queueStatusCmd, queueRetryCmd, queueClearCmd)
	rootCmd.AddCommand(queueCmd)
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/imagequeue"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
)

var inventoryCmd = &cobra.Command{
	Use:     "inventory",
	Aliases: []string{"inv"},
	Short:   "Manage yarn, hooks and other supplies",
}

var inventoryAdd struct {
	category string
	quantity int
	unit     string
	location string
	tags     []string
	images   []string
	projects []string
}

// imageURIs turns local paths into file:// URIs and leaves URLs alone.
func imageURIs(images []string) ([]string, error) {
	out := make([]string, 0, len(images))
	for _, img := range images {
		if strings.Contains(img, "://") {
			out = append(out, img)
			continue
		}
		abs, err := filepath.Abs(img)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", img, err)
		}
		out = append(out, imagequeue.FileURI(abs))
	}
	return out, nil
}

var inventoryAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add an inventory item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		images, err := imageURIs(inventoryAdd.images)
		if err != nil {
			return err
		}
		_, ws, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		item, err := ws.Inventory.Add(cmd.Context(), model.InventoryItem{
			Name:           args[0],
			Category:       model.Category(inventoryAdd.category),
			Quantity:       inventoryAdd.quantity,
			Unit:           inventoryAdd.unit,
			Location:       inventoryAdd.location,
			Tags:           inventoryAdd.tags,
			Images:         images,
			UsedInProjects: inventoryAdd.projects,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Added %s %q (%s)\n", item.Category, item.Name, item.ID)
		return nil
	},
}

var inventoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List inventory items, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, ws, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		category, _ := cmd.Flags().GetString("category")
		items := ws.Inventory.List(model.Category(category))
		if len(items) == 0 {
			fmt.Println("No items.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCATEGORY\tNAME\tQTY\tPROJECTS\tIMAGES")
		for _, it := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d %s\t%d\t%d\n",
				it.ID, it.Category, it.Name, it.Quantity, it.Unit, len(it.UsedInProjects), len(it.Images))
		}
		return w.Flush()
	},
}

var inventoryQtyCmd = &cobra.Command{
	Use:   "qty <id> <delta>",
	Short: "Change the quantity of an item, e.g. qty <id> -1",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		delta, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid delta %q: %w", args[1], err)
		}
		_, ws, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		item, err := ws.Inventory.UpdateQuantity(cmd.Context(), args[0], delta)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d %s\n", item.Name, item.Quantity, item.Unit)
		return nil
	},
}

var inventoryRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete an item and unlink it from its projects",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, ws, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		if err := ws.Inventory.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Deleted.")
		return nil
	},
}

func init() {
	f := inventoryAddCmd.Flags()
	f.StringVar(&inventoryAdd.category, "category", string(model.CategoryYarn), "yarn, hook or other")
	f.IntVarP(&inventoryAdd.quantity, "quantity", "q", 1, "quantity on hand")
	f.StringVar(&inventoryAdd.unit, "unit", "", "unit (default: skein for yarn, piece otherwise)")
	f.StringVar(&inventoryAdd.location, "location", "", "where it is stored")
	f.StringSliceVar(&inventoryAdd.tags, "tag", nil, "tag (repeatable)")
	f.StringSliceVar(&inventoryAdd.images, "image", nil, "image path or URL (repeatable)")
	f.StringSliceVar(&inventoryAdd.projects, "project", nil, "project id using the item (repeatable)")

	inventoryListCmd.Flags().String("category", "", "only this category")

	inventoryCmd.AddCommand(inventoryAddCmd, inventoryListCmd, inventoryQtyCmd, inventoryRmCmd)
	rootCmd.AddCommand(inventoryCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/suPer8Hu/chat-memory/internal/catalog"
)

var (
	catalogQuery string
	catalogK     int
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect the tool catalog",
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog items, or the nearest ones with --query",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		var items []catalog.Item
		if catalogQuery != "" {
			items, err = a.Catalog.Search(cmd.Context(), catalogQuery, catalogK)
		} else {
			items, err = a.Catalog.Load(cmd.Context())
		}
		if err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		if len(items) == 0 {
			fmt.Println("No items.")
			return nil
		}
		fmt.Printf("%-20s %-30s %-12s %-15s %10s\n", "ID", "NAME", "STATUS", "LOCATION", "QTY")
		for _, it := range items {
			fmt.Printf("%-20s %-30s %-12s %-15s %10g\n", it.ID, it.Name, it.Status, it.Location, it.Quantity)
		}
		return nil
	},
}

func init() {
	catalogListCmd.Flags().StringVarP(&catalogQuery, "query", "q", "", "semantic search text")
	catalogListCmd.Flags().IntVar(&catalogK, "k", 5, "results for --query")
	catalogCmd.AddCommand(catalogListCmd)
	rootCmd.AddCommand(catalogCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Read and delete stored conversations",
}

var historyLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Print the stored turns of one conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cfg, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		turns, err := a.Memory.History(cmd.Context(), conversation(cfg))
		if err != nil {
			return err
		}
		if len(turns) == 0 {
			fmt.Println("No history.")
			return nil
		}
		for _, t := range turns {
			fmt.Printf("%-10s %s\n", t.Role, t.Text)
		}
		return nil
	},
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored conversation documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cfg, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		docs, err := a.Memory.List(cmd.Context(), conversation(cfg), listLimit)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		fmt.Printf("%-50s %6s\n", "KEY", "TURNS")
		for _, d := range docs {
			fmt.Printf("%-50s %6d\n", d.Key, len(d.Turns))
		}
		return nil
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the documents of a conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cfg, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		n, err := a.Memory.Delete(cmd.Context(), conversation(cfg))
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d documents\n", n)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{historyLoadCmd, historyListCmd, historyDeleteCmd} {
		conversationFlags(c)
	}
	historyListCmd.Flags().IntVar(&listLimit, "limit", 100, "maximum documents to list")
	historyCmd.AddCommand(historyLoadCmd, historyListCmd, historyDeleteCmd)
	rootCmd.AddCommand(historyCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the chat memory index",
}

var indexCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the index if it does not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.Memory.EnsureIndex(cmd.Context()); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
		fmt.Println("index ready")
		return nil
	},
}

var indexClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every document, keep the index",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		n, err := a.Memory.Clear(cmd.Context())
		if err != nil {
			return fmt.Errorf("clear index: %w", err)
		}
		fmt.Printf("deleted %d documents\n", n)
		return nil
	},
}

var indexDropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Drop the index and its documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.Memory.Drop(cmd.Context()); err != nil {
			return fmt.Errorf("drop index: %w", err)
		}
		fmt.Println("index dropped")
		return nil
	},
}

var indexStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index layout and state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		st, err := a.Memory.Stats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}

func init() {
	indexCmd.AddCommand(indexCreateCmd, indexClearCmd, indexDropCmd, indexStatsCmd)
	rootCmd.AddCommand(indexCmd)
}

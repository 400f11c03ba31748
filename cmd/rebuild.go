package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adalundhe/recall/core/memory"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the vector index from the event store",
	Long: `Replays the authoritative event store into the vector index,
re-embedding events that were persisted without a vector and deleting
index documents with no backing record.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildComponents()
		if err != nil {
			return err
		}
		defer c.close()

		if c.index == nil {
			return fmt.Errorf("vector index is disabled, nothing to rebuild")
		}

		cfg := c.manager.Get()
		report, err := memory.RebuildIndex(cmd.Context(), c.store, c.index, c.embedder, cfg.Index.BatchSize, c.logger)
		if err != nil {
			return err
		}

		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rebuildCmd)
}

package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "Recall - semantic memory service for conversational agents",
	Long: `Recall persists every user utterance and agent output as a
deduplicated, vector-indexed event and answers free-form questions about
prior activity through hybrid retrieval.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func Execute() error {
	return rootCmd.Execute()
}

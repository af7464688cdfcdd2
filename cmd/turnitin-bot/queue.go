package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sandunsahiru/turnitin-bot/internal/config"
	"github.com/sandunsahiru/turnitin-bot/internal/queue"
	"github.com/sandunsahiru/turnitin-bot/internal/types"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the durable submission queue",
	Long:  "Prints every queue item with its status, for operating the bot without attaching a debugger to a live process.",
	RunE:  runQueueInspect,
}

var queueShowCompleted bool

func init() {
	queueCmd.Flags().BoolVar(&queueShowCompleted, "all", false, "Include completed and failed items")
	rootCmd.AddCommand(queueCmd)
}

func runQueueInspect(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store := queue.NewStore(cfg.QueueFile)
	items := store.All()
	if len(items) == 0 {
		fmt.Println("Queue is empty.")
		return nil
	}

	counts := map[types.Status]int{}
	shown := 0
	for _, it := range items {
		counts[it.Status]++
		if !queueShowCompleted && it.Terminal() {
			continue
		}
		shown++
		fmt.Printf("%s  %-10s  user=%s  file=%s", it.ID, it.Status, it.UserID, it.FilePath)
		if it.SubmissionTitle != "" {
			fmt.Printf("  title=%s", it.SubmissionTitle)
		}
		if it.SimilarityScore != "" {
			fmt.Printf("  score=%s", it.SimilarityScore)
		}
		if it.Error != "" {
			fmt.Printf("  error=%q", it.Error)
		}
		fmt.Println()
	}

	fmt.Printf("\n%d item(s) total", len(items))
	for _, st := range []types.Status{types.StatusPending, types.StatusProcessing, types.StatusSubmitted, types.StatusCompleted, types.StatusFailed} {
		if counts[st] > 0 {
			fmt.Printf(", %d %s", counts[st], st)
		}
	}
	fmt.Println()
	if shown == 0 {
		fmt.Println("No active items (use --all to include finished ones).")
	}
	return nil
}

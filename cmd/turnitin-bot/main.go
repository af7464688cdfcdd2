// Package main provides the entry point for the Turnitin check bot.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "turnitin-bot",
	Short: "Telegram bot for automated plagiarism checks",
	Long:  "turnitin-bot accepts documents over Telegram, submits them to Turnitin through a headless browser, and sends back similarity and AI writing reports.",
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

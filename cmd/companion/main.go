package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "companion",
	Short:         "Talk to your AI companions from a browser bridge or the terminal",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("api", "", "companion backend base URL (overrides COMPANION_API_BASE)")
	rootCmd.PersistentFlags().String("user", "", "user id (overrides COMPANION_USER_ID)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides LOG_LEVEL)")
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newChatCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "companion: %v\n", err)
		os.Exit(1)
	}
}

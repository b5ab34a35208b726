package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "tandem",
	Short: "A chat companion that learns how you talk",
	Long: `tandem keeps your conversations and learns from them: how formally you
write, what you talk about, and how you adapt. Replies are shaped by what it
has learned so far.

Run "tandem start" to launch the server, then "tandem chat" to talk.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(personalityCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(preferenceCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(mcpCmd)
}

func main() {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		noColor = true
	}
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// userAgent identifies this build in server logs.
func userAgent() string {
	return fmt.Sprintf("tandem-cli/%s", version)
}

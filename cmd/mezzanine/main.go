package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mezzanine-av/mezzanine/logger"
	"github.com/mezzanine-av/mezzanine/server"
)

var rootCmd = &cobra.Command{
	Use:   "mezzanine",
	Short: "Mezzanine - media transcoding job orchestrator",
	Long: `Mezzanine orchestrates media transcoding jobs across local worker
pools, linked peer installations, and remote distributed workers.

Available commands:
  serve    - Start the orchestrator (foreman, post-processor, HTTP API)
  version  - Print the build version`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(server.Version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "liveclass",
	Short: "Live classroom relay: WebRTC signaling, roster, shared whiteboard",
	Long:  `HTTP + WebSocket relay for mesh video sessions. Commands: api, worker.`,
	RunE:  runAPI, // default: run the relay (same as "liveclass api")
}

func init() {
	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(workerCmd)
}

// Execute runs the root command and returns the error (for main to log.Fatal).
func Execute() error {
	return rootCmd.Execute()
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/formacademy/liveclass/config"
	"github.com/formacademy/liveclass/relay"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background task worker (board history compaction)",
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := newLogger(cfg)

	store, err := relay.OpenStore(cfg.DSN())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	return relay.RunWorker(cfg, store, log)
}

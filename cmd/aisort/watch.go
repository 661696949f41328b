package main

import (
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"aisort/internal/categorize"
	"aisort/internal/logging"
	"aisort/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch [directory]",
	Short: "Watch a directory and categorize files as they appear",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}

		p, err := openPipeline()
		if err != nil {
			return err
		}
		defer p.Close()

		if err := p.service.EnsureRemoteCredentials(); err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		cb := categorize.Callbacks{
			Progress: func(message string) { fmt.Println(message) },
		}

		watcher := watch.New(dir, p.service, p.clientFactory(), cb, logging.Component(logger, "watch"))
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/spindle-render/spindle/internal/common/logging"
	"github.com/spindle-render/spindle/internal/dispatcher"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the dispatcher",
		RunE:  runDispatcher,
	}
	return cmd
}

func runDispatcher(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	logging.MustConfigureApplicationLogging(config.Logging)
	return dispatcher.Run(config)
}

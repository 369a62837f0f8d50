package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/spindle-render/spindle/internal/common/logging"
	"github.com/spindle-render/spindle/internal/common/spindlecontext"
	"github.com/spindle-render/spindle/internal/dispatcher"
)

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "reclaims orphaned procs and frames once and exits",
		RunE:  sweep,
	}
	cmd.Flags().Duration(
		"timeout",
		5*time.Minute,
		"Duration after which the sweep will fail if it has not completed")
	return cmd
}

func sweep(cmd *cobra.Command, _ []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}
	config, err := loadConfig()
	if err != nil {
		return err
	}

	logging.MustConfigureApplicationLogging(config.Logging)

	ctx, cancel := spindlecontext.WithTimeout(spindlecontext.Background(), timeout)
	defer cancel()
	s, closeStore, err := dispatcher.OpenStore(ctx, config)
	if err != nil {
		return err
	}
	defer closeStore()

	d, err := dispatcher.New(s, clock.RealClock{}, dispatcher.FromConfiguration(config), prometheus.NewRegistry())
	if err != nil {
		return err
	}
	result, err := d.Sweep(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Errorf("sweep did not complete within %s", timeout)
	}
	if err != nil {
		return err
	}
	log.Infof("Reclaimed %d procs and %d frames, reset %d checkpoints", result.Procs, result.Frames, result.Checkpoints)
	return nil
}

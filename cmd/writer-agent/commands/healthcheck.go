package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/RoboFinSystems/robosystems-sub001/internal/monitor"
	"github.com/RoboFinSystems/robosystems-sub001/internal/registry"
)

var healthcheckOnce bool

func init() {
	healthcheckCmd.Flags().BoolVar(&healthcheckOnce, "once", false, "Run a single evaluation cycle and exit (for cron)")
}

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Evaluate node health and record the verdict",
	Long: `healthcheck judges whether this node is healthy from two signals:
engine container liveness and the ingestion-override flag. The verdict is
written to the instance registry; a container found not running triggers
one self-heal restart attempt. With --once it runs a single cycle so an
external scheduler can own the period.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig(ctx, true)
		if err != nil {
			return err
		}

		sup, _, err := newSupervisor(cfg)
		if err != nil {
			return err
		}
		aws, err := newAWSClients(ctx, cfg.Registry.Region)
		if err != nil {
			return err
		}
		cache, err := monitor.NewRedisCacheFromURL(cfg.Cache.URL)
		if err != nil {
			// A bad cache URL must not take the monitor down; the
			// override lookup degrades to inactive.
			log.Warn().Err(err).Msg("override cache unavailable")
			cache = nil
		}

		mon := monitor.New(monitor.Deps{
			Cache:      cache,
			Containers: sup,
			Restarter:  sup,
			Registry:   registry.NewClient(aws.dynamo, cfg.Registry.InstanceTable, cfg.Registry.GraphTable),
		}, cfg.Instance.ID, cfg.OverrideKey(), cfg.Monitor.Interval)

		if healthcheckOnce {
			mon.EvaluateOnce(ctx)
			return nil
		}
		mon.Run(ctx)
		return nil
	},
}

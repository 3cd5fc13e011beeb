package commands

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/RoboFinSystems/robosystems-sub001/internal/cloud"
	"github.com/RoboFinSystems/robosystems-sub001/internal/registry"
	"github.com/RoboFinSystems/robosystems-sub001/internal/supervisor"
)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch the engine container and block until it is healthy",
	Long: `launch waits for the data volume to attach, removes any previous
engine container, computes memory limits from host memory, starts the
container with its health probe and log shipping, and blocks until the
engine answers /health or the boot window elapses. A boot failure exits
non-zero so the orchestrator can replace the VM.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig(ctx, true)
		if err != nil {
			return err
		}

		aws, err := newAWSClients(ctx, cfg.Registry.Region)
		if err != nil {
			return err
		}

		// The engine must never start on a host whose data volume has not
		// attached yet. Hosts without persisted data disable the wait.
		if cfg.Supervisor.VolumeWaitTimeout > 0 {
			snaps := cloud.NewSnapshots(aws.ec2)
			volumeID, verr := snaps.AwaitDataVolume(ctx, cfg.Instance.ID,
				cfg.Supervisor.VolumeWaitInterval, cfg.Supervisor.VolumeWaitTimeout)
			if verr != nil {
				return verr
			}
			log.Info().Str("volume", volumeID).Msg("data volume attached")
		}

		sup, _, err := newSupervisor(cfg)
		if err != nil {
			return err
		}

		if err := sup.LaunchWithRetry(ctx); err != nil {
			var boot *supervisor.BootFailure
			if errors.As(err, &boot) && boot.Logs != "" {
				log.Error().Str("container_logs", boot.Logs).Msg("engine boot failed")
			}
			return err
		}

		// The supervisor itself never touches the registry; the boot
		// sequence records the healthy state after success.
		reg := registry.NewClient(aws.dynamo, cfg.Registry.InstanceTable, cfg.Registry.GraphTable)
		if err := reg.PutInstanceStatus(ctx, cfg.Instance.ID, registry.StatusHealthy, time.Now()); err != nil {
			log.Warn().Err(err).Msg("recording healthy state failed, health monitor will catch up")
		}

		log.Info().Str("instance", cfg.Instance.ID).Msg("engine launched and healthy")
		return nil
	},
}

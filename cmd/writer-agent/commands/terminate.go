package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/RoboFinSystems/robosystems-sub001/internal/cloud"
	"github.com/RoboFinSystems/robosystems-sub001/internal/config"
	"github.com/RoboFinSystems/robosystems-sub001/internal/lifecycle"
	"github.com/RoboFinSystems/robosystems-sub001/internal/registry"
)

var terminateCmd = &cobra.Command{
	Use:   "terminate",
	Short: "Run the shutdown protocol synchronously",
	Long: `terminate runs the full shutdown protocol immediately: mark
terminating, drain, flag hosted graphs for migration, wait for
connections to close, snapshot the data volume, stop the container, mark
terminated, and acknowledge the scale-in hook when one is configured.
Every step is best-effort; the command always runs the protocol to the
end.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig(ctx, true)
		if err != nil {
			return err
		}
		controller, err := newController(ctx, cfg)
		if err != nil {
			return err
		}
		controller.Terminate(ctx)
		return nil
	},
}

// newController wires the lifecycle controller against the real cloud and
// container backends.
func newController(ctx context.Context, cfg *config.Config) (*lifecycle.Controller, error) {
	aws, err := newAWSClients(ctx, cfg.Registry.Region)
	if err != nil {
		return nil, err
	}
	sup, eng, err := newSupervisor(cfg)
	if err != nil {
		return nil, err
	}
	return lifecycle.New(lifecycle.Deps{
		Registry:   registry.NewClient(aws.dynamo, cfg.Registry.InstanceTable, cfg.Registry.GraphTable),
		Engine:     eng,
		Snapshots:  cloud.NewSnapshots(aws.ec2),
		Containers: sup,
		Hook:       cloud.NewLifecycleHook(aws.asg),
	}, cfg), nil
}

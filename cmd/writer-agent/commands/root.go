package commands

import (
	"context"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/RoboFinSystems/robosystems-sub001/internal/cloud"
	"github.com/RoboFinSystems/robosystems-sub001/internal/config"
	"github.com/RoboFinSystems/robosystems-sub001/internal/engine"
	"github.com/RoboFinSystems/robosystems-sub001/internal/supervisor"
)

var configFile string

func init() {
	RootCmd.PersistentFlags().StringVarP(&configFile, "config", "f", "", "Path to JSON configuration file overriding the environment")

	RootCmd.AddCommand(launchCmd)
	RootCmd.AddCommand(healthcheckCmd)
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(terminateCmd)
}

// RootCmd is the writer-agent entry point. Each subcommand is one of the
// node's independently deployable components.
var RootCmd = &cobra.Command{
	Use:   "writer-agent",
	Short: "Writer-node lifecycle and health agent",
	Long: `writer-agent runs on each database-hosting VM. It launches and
right-sizes the engine container (launch), judges node health on a period
(healthcheck), and orchestrates a data-preserving shutdown when the node
is asked to terminate (serve / terminate).`,
	SilenceUsage: true,
}

// loadConfig builds the process configuration and applies the log level.
// Missing required variables abort the process here, before any component
// starts.
func loadConfig(ctx context.Context, resolveIdentity bool) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	setLogLevel(cfg.Logging.Level)

	if resolveIdentity {
		if err := cloud.ResolveInstanceIdentity(ctx, cfg); err != nil {
			if cfg.Instance.ID == "" {
				return nil, err
			}
			log.Warn().Err(err).Msg("instance metadata unavailable, using environment-provided identity")
		}
	}
	return cfg, nil
}

func setLogLevel(level string) {
	switch strings.ToLower(level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// awsClients builds the AWS service clients from the shared region config.
type awsClients struct {
	dynamo *dynamodb.Client
	ec2    *ec2.Client
	asg    *autoscaling.Client
}

func newAWSClients(ctx context.Context, region string) (*awsClients, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &awsClients{
		dynamo: dynamodb.NewFromConfig(awsCfg),
		ec2:    ec2.NewFromConfig(awsCfg),
		asg:    autoscaling.NewFromConfig(awsCfg),
	}, nil
}

func newSupervisor(cfg *config.Config) (*supervisor.Supervisor, *engine.Client, error) {
	eng := engine.NewClient(cfg.Engine.Port)
	sup, err := supervisor.NewWithDefaultDocker(eng, cfg)
	if err != nil {
		return nil, nil, err
	}
	return sup, eng, nil
}

package cloud

import (
	"context"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/rs/zerolog/log"

	"github.com/RoboFinSystems/robosystems-sub001/internal/config"
)

// ResolveInstanceIdentity fills in instance id, AZ and type from the
// instance metadata service when the environment did not provide them.
// Used at startup only; failure to reach IMDS with the fields already set
// is not an error.
func ResolveInstanceIdentity(ctx context.Context, cfg *config.Config) error {
	if cfg.Instance.ID != "" && cfg.Instance.AZ != "" && cfg.Instance.Type != "" {
		return nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Registry.Region))
	if err != nil {
		return err
	}
	client := imds.NewFromConfig(awsCfg)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	doc, err := client.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return err
	}

	if cfg.Instance.ID == "" {
		cfg.Instance.ID = doc.InstanceID
	}
	if cfg.Instance.AZ == "" {
		cfg.Instance.AZ = doc.AvailabilityZone
	}
	if cfg.Instance.Type == "" {
		cfg.Instance.Type = doc.InstanceType
	}
	if cfg.Instance.IP == "" {
		cfg.Instance.IP = doc.PrivateIP
	}
	log.Info().
		Str("instance", cfg.Instance.ID).
		Str("az", cfg.Instance.AZ).
		Str("type", cfg.Instance.Type).
		Msg("instance identity resolved from metadata service")
	return nil
}

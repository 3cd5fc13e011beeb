// Package cloud wraps the AWS control-plane calls the agent depends on:
// volume snapshots, scale-in lifecycle hooks, and instance identity.
package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog/log"

	"github.com/RoboFinSystems/robosystems-sub001/internal/poll"
)

// EC2API is the subset of the EC2 client used for volume discovery and
// snapshotting.
type EC2API interface {
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	CreateSnapshot(ctx context.Context, params *ec2.CreateSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error)
}

// dataVolumeTag marks the volume that holds graph data, as opposed to the
// root volume.
const (
	dataVolumeTagKey   = "Role"
	dataVolumeTagValue = "data"
)

type Snapshots struct {
	ec2 EC2API
}

func NewSnapshots(api EC2API) *Snapshots { return &Snapshots{ec2: api} }

// FindDataVolume returns the id of the data volume attached to the given
// instance, or empty when the instance has no persisted data to snapshot.
func (s *Snapshots) FindDataVolume(ctx context.Context, instanceID string) (string, error) {
	out, err := s.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("attachment.instance-id"), Values: []string{instanceID}},
			{Name: aws.String("tag:" + dataVolumeTagKey), Values: []string{dataVolumeTagValue}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("describe volumes: %w", err)
	}
	if len(out.Volumes) == 0 {
		return "", nil
	}
	return aws.ToString(out.Volumes[0].VolumeId), nil
}

// AwaitDataVolume waits for the data volume to finish attaching to the
// given instance, polling until the ceiling. Boot must not proceed on a
// host whose persisted data has not arrived yet.
func (s *Snapshots) AwaitDataVolume(ctx context.Context, instanceID string, interval, ceiling time.Duration) (string, error) {
	var volumeID string
	err := poll.Until(ctx, interval, ceiling, func(ctx context.Context) (bool, error) {
		id, ferr := s.FindDataVolume(ctx, instanceID)
		if ferr != nil {
			log.Warn().Err(ferr).Msg("data volume lookup failed, retrying")
			return false, nil
		}
		volumeID = id
		return id != "", nil
	})
	if err == poll.ErrTimedOut {
		return "", fmt.Errorf("data volume never attached to %s within %s", instanceID, ceiling)
	}
	if err != nil {
		return "", err
	}
	return volumeID, nil
}

// CreateFinalSnapshot requests a point-in-time snapshot of the data volume
// before the instance goes away, tagged so the allocation layer can find it.
func (s *Snapshots) CreateFinalSnapshot(ctx context.Context, volumeID, instanceID, engineType string) (string, error) {
	out, err := s.ec2.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
		VolumeId:    aws.String(volumeID),
		Description: aws.String(fmt.Sprintf("final snapshot of %s before termination", instanceID)),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeSnapshot,
			Tags: []ec2types.Tag{
				{Key: aws.String("instance-id"), Value: aws.String(instanceID)},
				{Key: aws.String("engine"), Value: aws.String(engineType)},
				{Key: aws.String("final"), Value: aws.String("true")},
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("create snapshot: %w", err)
	}
	return aws.ToString(out.SnapshotId), nil
}

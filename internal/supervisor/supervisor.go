// Package supervisor launches and right-sizes the database-serving
// container and answers liveness questions about it.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/RoboFinSystems/robosystems-sub001/internal/config"
	"github.com/RoboFinSystems/robosystems-sub001/internal/engine"
	"github.com/RoboFinSystems/robosystems-sub001/internal/poll"
)

// DockerAPI is the subset of the Docker client the supervisor uses.
type DockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
}

// HealthProber answers the engine's local liveness probe.
type HealthProber interface {
	Health(ctx context.Context) error
}

// BootFailure is fatal to the boot sequence: the engine never became
// healthy inside its window. Logs carries the container's last output.
type BootFailure struct {
	Reason string
	Logs   string
}

func (e *BootFailure) Error() string {
	return fmt.Sprintf("engine boot failed: %s", e.Reason)
}

// totalMemory is swapped out in tests.
var totalMemory = func() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Total, nil
}

type Supervisor struct {
	docker DockerAPI
	engine HealthProber
	cfg    *config.Config
}

func New(docker DockerAPI, eng HealthProber, cfg *config.Config) *Supervisor {
	return &Supervisor{docker: docker, engine: eng, cfg: cfg}
}

// NewWithDefaultDocker builds a supervisor on the ambient Docker daemon.
func NewWithDefaultDocker(eng *engine.Client, cfg *config.Config) (*Supervisor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return New(cli, eng, cfg), nil
}

// Launch starts the engine container and blocks until it answers its
// health probe or the boot window elapses. Exactly one container exists
// per role on a host: any previous container with the same name is
// removed first, so calling Launch twice is safe.
func (s *Supervisor) Launch(ctx context.Context) error {
	name := s.cfg.Supervisor.ContainerName

	// Idempotent restart: clear out any previous incarnation.
	if err := s.removeContainer(ctx, name); err != nil {
		log.Warn().Err(err).Str("container", name).Msg("removing previous container failed, continuing")
	}

	profile := s.resourceProfile()
	id, err := s.createContainer(ctx, name, profile)
	if err != nil {
		return &BootFailure{Reason: fmt.Sprintf("create container: %v", err)}
	}
	if err := s.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return &BootFailure{Reason: fmt.Sprintf("start container: %v", err)}
	}
	log.Info().
		Str("container", name).
		Str("image", s.cfg.Supervisor.Image).
		Int64("memory_limit", profile.Limit).
		Int64("memory_reservation", profile.Reservation).
		Msg("engine container started, waiting for healthy")

	return s.awaitHealthy(ctx, id, name)
}

// LaunchWithRetry retries once on a failed boot before giving up; a
// transient image pull or daemon hiccup should not cost the whole VM.
func (s *Supervisor) LaunchWithRetry(ctx context.Context) error {
	if err := s.Launch(ctx); err != nil {
		log.Warn().Err(err).Msg("first boot attempt failed, retrying once")
		return s.Launch(ctx)
	}
	return nil
}

// Running reports whether the expected engine container is currently up.
func (s *Supervisor) Running(ctx context.Context) (bool, error) {
	info, err := s.docker.ContainerInspect(ctx, s.cfg.Supervisor.ContainerName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container: %w", err)
	}
	return info.State != nil && info.State.Running, nil
}

// StopAndRemove stops the engine container and deletes it. Not found is
// not an error.
func (s *Supervisor) StopAndRemove(ctx context.Context, grace time.Duration) error {
	name := s.cfg.Supervisor.ContainerName
	secs := int(grace.Seconds())
	if err := s.docker.ContainerStop(ctx, name, container.StopOptions{Timeout: &secs}); err != nil && !errdefs.IsNotFound(err) {
		log.Warn().Err(err).Str("container", name).Msg("container stop failed, removing anyway")
	}
	return s.removeContainer(ctx, name)
}

// RemoveComposeProject force-removes every container belonging to the
// node's compose project, for hosts deployed via compose rather than a
// bare container.
func (s *Supervisor) RemoveComposeProject(ctx context.Context, project string) error {
	list, err := s.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", "com.docker.compose.project="+project)),
	})
	if err != nil {
		return fmt.Errorf("list compose containers: %w", err)
	}
	for _, c := range list {
		if err := s.docker.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			log.Warn().Err(err).Str("container", c.ID).Msg("compose container remove failed")
		}
	}
	return nil
}

func (s *Supervisor) removeContainer(ctx context.Context, name string) error {
	err := s.docker.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (s *Supervisor) resourceProfile() ResourceProfile {
	total, err := totalMemory()
	if err != nil {
		log.Warn().Err(err).Msg("reading host memory failed, launching unconstrained")
		return ResourceProfile{}
	}
	return ComputeResourceProfile(total)
}

func (s *Supervisor) createContainer(ctx context.Context, name string, profile ResourceProfile) (string, error) {
	cfg := s.cfg
	port := nat.Port(fmt.Sprintf("%d/tcp", cfg.Engine.Port))

	containerCfg := &container.Config{
		Image: cfg.Supervisor.Image,
		Env: []string{
			"DATABASE_TYPE=" + cfg.Engine.DatabaseType,
			"NODE_TYPE=" + cfg.Engine.NodeType,
			"ENGINE_PORT=" + strconv.Itoa(cfg.Engine.Port),
			"INSTANCE_ID=" + cfg.Instance.ID,
			"INSTANCE_TIER=" + cfg.Instance.Tier,
		},
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Healthcheck: &container.HealthConfig{
			Test: []string{"CMD-SHELL",
				fmt.Sprintf("curl -sf http://127.0.0.1:%d/health || exit 1", cfg.Engine.Port)},
			Interval: 10 * time.Second,
			Timeout:  5 * time.Second,
			Retries:  3,
		},
		Labels: map[string]string{
			"robosystems.node-type":   cfg.Engine.NodeType,
			"robosystems.engine":      cfg.Engine.DatabaseType,
			"robosystems.instance-id": cfg.Instance.ID,
		},
	}

	hostCfg := &container.HostConfig{
		Binds: cfg.Supervisor.Binds,
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(cfg.Engine.Port)}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		LogConfig: container.LogConfig{
			Type: "awslogs",
			Config: map[string]string{
				"awslogs-region": cfg.Registry.Region,
				"awslogs-group":  cfg.Supervisor.LogGroup,
				// one stream per node type and instance under the shared group
				"awslogs-stream": fmt.Sprintf("%s/%s", cfg.Engine.NodeType, cfg.Instance.ID),
			},
		},
	}
	if !profile.Unconstrained() {
		hostCfg.Resources = container.Resources{
			Memory:            profile.Limit,
			MemoryReservation: profile.Reservation,
		}
	}

	resp, err := s.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// awaitHealthy polls the engine health endpoint inside the boot window,
// aborting early if the container exits.
func (s *Supervisor) awaitHealthy(ctx context.Context, id, name string) error {
	window := s.cfg.Supervisor.BootWindow(s.cfg.Engine.NodeType)
	var exited bool
	err := poll.Until(ctx, s.cfg.Supervisor.BootInterval, window, func(ctx context.Context) (bool, error) {
		info, ierr := s.docker.ContainerInspect(ctx, id)
		if ierr != nil {
			return false, fmt.Errorf("inspect during boot: %w", ierr)
		}
		if info.State == nil || !info.State.Running {
			exited = true
			return false, fmt.Errorf("container exited during boot")
		}
		if herr := s.engine.Health(ctx); herr != nil {
			log.Debug().Err(herr).Str("container", name).Msg("engine not healthy yet")
			return false, nil
		}
		return true, nil
	})
	if err == nil {
		log.Info().Str("container", name).Msg("engine reported healthy")
		return nil
	}

	reason := "health probe never succeeded within boot window"
	if exited {
		reason = "container exited before becoming healthy"
	} else if err != poll.ErrTimedOut {
		reason = err.Error()
	}
	return &BootFailure{Reason: reason, Logs: s.tailLogs(ctx, id)}
}

func (s *Supervisor) tailLogs(ctx context.Context, id string) string {
	rc, err := s.docker.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "100",
	})
	if err != nil {
		return ""
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, 64*1024))
	if err != nil {
		return ""
	}
	return string(data)
}

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/RoboFinSystems/robosystems-sub001/internal/config"
)

type notFoundErr struct{}

func (notFoundErr) Error() string { return "no such container" }
func (notFoundErr) NotFound()     {}

type fakeContainer struct {
	id      string
	name    string
	running bool
}

type fakeDocker struct {
	containers     map[string]*fakeContainer // keyed by name
	createCalls    int
	removeCalls    []string
	exitAfterStart bool
	lastConfig     *container.Config
	lastHostConfig *container.HostConfig
	listResult     []types.Container
	removedIDs     []string
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{containers: map[string]*fakeContainer{}}
}

func (f *fakeDocker) lookup(ref string) *fakeContainer {
	if c, ok := f.containers[ref]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.id == ref {
			return c
		}
	}
	return nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	if _, exists := f.containers[name]; exists {
		return container.CreateResponse{}, fmt.Errorf("container name %q already in use", name)
	}
	f.createCalls++
	f.lastConfig = cfg
	f.lastHostConfig = hostCfg
	c := &fakeContainer{id: fmt.Sprintf("c%d", f.createCalls), name: name}
	f.containers[name] = c
	return container.CreateResponse{ID: c.id}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, ref string, _ container.StartOptions) error {
	c := f.lookup(ref)
	if c == nil {
		return notFoundErr{}
	}
	c.running = !f.exitAfterStart
	return nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, ref string, _ container.StopOptions) error {
	c := f.lookup(ref)
	if c == nil {
		return notFoundErr{}
	}
	c.running = false
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, ref string, _ container.RemoveOptions) error {
	f.removeCalls = append(f.removeCalls, ref)
	c := f.lookup(ref)
	if c == nil {
		f.removedIDs = append(f.removedIDs, ref)
		return notFoundErr{}
	}
	delete(f.containers, c.name)
	f.removedIDs = append(f.removedIDs, c.id)
	return nil
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, ref string) (types.ContainerJSON, error) {
	c := f.lookup(ref)
	if c == nil {
		return types.ContainerJSON{}, notFoundErr{}
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    c.id,
			Name:  "/" + c.name,
			State: &types.ContainerState{Running: c.running},
		},
	}, nil
}

func (f *fakeDocker) ContainerList(ctx context.Context, _ container.ListOptions) ([]types.Container, error) {
	return f.listResult, nil
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, ref string, _ container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("engine crashed: out of disk")), nil
}

type fakeProber struct{ err error }

func (p *fakeProber) Health(ctx context.Context) error { return p.err }

func testConfig() *config.Config {
	return &config.Config{
		Instance: config.InstanceConfig{ID: "i-1234", Tier: "standard"},
		Engine:   config.EngineConfig{DatabaseType: "kuzu", NodeType: "writer", Port: 8001},
		Registry: config.RegistryConfig{Region: "us-east-1", InstanceTable: "instances", GraphTable: "graphs"},
		Supervisor: config.SupervisorConfig{
			Image:           "robosystems/graph-engine:latest",
			ContainerName:   "graph-engine",
			Binds:           []string{"/data:/var/lib/graph"},
			LogGroup:        "/robosystems/writers",
			BootInterval:    5 * time.Millisecond,
			BootTimeout:     100 * time.Millisecond,
			SharedBootExtra: 50 * time.Millisecond,
		},
	}
}

func withTotalMemory(t *testing.T, total uint64) {
	t.Helper()
	prev := totalMemory
	totalMemory = func() (uint64, error) { return total, nil }
	t.Cleanup(func() { totalMemory = prev })
}

func TestLaunch_IdempotentRestart(t *testing.T) {
	withTotalMemory(t, 16*gib)
	docker := newFakeDocker()
	s := New(docker, &fakeProber{}, testConfig())
	ctx := context.Background()

	if err := s.Launch(ctx); err != nil {
		t.Fatalf("first Launch() = %v, want nil", err)
	}
	if err := s.Launch(ctx); err != nil {
		t.Fatalf("second Launch() = %v, want nil", err)
	}

	// exactly one container with the expected name, no duplicates
	if len(docker.containers) != 1 {
		t.Fatalf("%d containers exist, want 1", len(docker.containers))
	}
	c, ok := docker.containers["graph-engine"]
	if !ok || !c.running {
		t.Fatalf("expected a running graph-engine container, got %+v", docker.containers)
	}
	if docker.createCalls != 2 {
		t.Errorf("createCalls = %d, want 2", docker.createCalls)
	}
}

func TestLaunch_AppliesResourceAndLogFlags(t *testing.T) {
	withTotalMemory(t, 16*gib)
	docker := newFakeDocker()
	s := New(docker, &fakeProber{}, testConfig())

	if err := s.Launch(context.Background()); err != nil {
		t.Fatalf("Launch() = %v, want nil", err)
	}

	res := docker.lastHostConfig.Resources
	if res.Memory != 14*gib {
		t.Errorf("Memory = %d, want %d", res.Memory, int64(14*gib))
	}
	if res.MemoryReservation != 14*gib-512*mib {
		t.Errorf("MemoryReservation = %d, want %d", res.MemoryReservation, int64(14*gib-512*mib))
	}

	lc := docker.lastHostConfig.LogConfig
	if lc.Type != "awslogs" {
		t.Errorf("log driver = %q, want awslogs", lc.Type)
	}
	if got, want := lc.Config["awslogs-stream"], "writer/i-1234"; got != want {
		t.Errorf("awslogs-stream = %q, want %q", got, want)
	}
	if got, want := lc.Config["awslogs-group"], "/robosystems/writers"; got != want {
		t.Errorf("awslogs-group = %q, want %q", got, want)
	}
	if docker.lastConfig.Healthcheck == nil || len(docker.lastConfig.Healthcheck.Test) == 0 {
		t.Error("container created without a health check")
	}
}

func TestLaunch_SmallHostUnconstrained(t *testing.T) {
	withTotalMemory(t, 2*gib)
	docker := newFakeDocker()
	s := New(docker, &fakeProber{}, testConfig())

	if err := s.Launch(context.Background()); err != nil {
		t.Fatalf("Launch() = %v, want nil", err)
	}
	res := docker.lastHostConfig.Resources
	if res.Memory != 0 || res.MemoryReservation != 0 {
		t.Errorf("small host got memory flags %+v, want none", res)
	}
}

func TestLaunch_ContainerExitIsBootFailure(t *testing.T) {
	withTotalMemory(t, 16*gib)
	docker := newFakeDocker()
	docker.exitAfterStart = true
	s := New(docker, &fakeProber{err: errors.New("connection refused")}, testConfig())

	err := s.Launch(context.Background())
	var boot *BootFailure
	if !errors.As(err, &boot) {
		t.Fatalf("Launch() = %v, want *BootFailure", err)
	}
	if !strings.Contains(boot.Reason, "exited") {
		t.Errorf("Reason = %q, want mention of container exit", boot.Reason)
	}
	if !strings.Contains(boot.Logs, "engine crashed") {
		t.Errorf("Logs = %q, want captured container output", boot.Logs)
	}
}

func TestLaunch_UnhealthyTimeoutIsBootFailure(t *testing.T) {
	withTotalMemory(t, 16*gib)
	docker := newFakeDocker()
	s := New(docker, &fakeProber{err: errors.New("connection refused")}, testConfig())

	err := s.Launch(context.Background())
	var boot *BootFailure
	if !errors.As(err, &boot) {
		t.Fatalf("Launch() = %v, want *BootFailure", err)
	}
	if !strings.Contains(boot.Reason, "boot window") {
		t.Errorf("Reason = %q, want boot window timeout", boot.Reason)
	}
}

func TestRunning(t *testing.T) {
	docker := newFakeDocker()
	s := New(docker, &fakeProber{}, testConfig())
	ctx := context.Background()

	running, err := s.Running(ctx)
	if err != nil {
		t.Fatalf("Running() with no container: %v", err)
	}
	if running {
		t.Error("Running() = true with no container")
	}

	docker.containers["graph-engine"] = &fakeContainer{id: "c1", name: "graph-engine", running: true}
	running, err = s.Running(ctx)
	if err != nil {
		t.Fatalf("Running() = %v", err)
	}
	if !running {
		t.Error("Running() = false with a running container")
	}
}

func TestStopAndRemove(t *testing.T) {
	docker := newFakeDocker()
	docker.containers["graph-engine"] = &fakeContainer{id: "c1", name: "graph-engine", running: true}
	s := New(docker, &fakeProber{}, testConfig())

	if err := s.StopAndRemove(context.Background(), time.Second); err != nil {
		t.Fatalf("StopAndRemove() = %v", err)
	}
	if len(docker.containers) != 0 {
		t.Errorf("container still present after StopAndRemove: %+v", docker.containers)
	}
	// removing again must not error
	if err := s.StopAndRemove(context.Background(), time.Second); err != nil {
		t.Fatalf("second StopAndRemove() = %v", err)
	}
}

func TestRemoveComposeProject(t *testing.T) {
	docker := newFakeDocker()
	docker.containers["graph-engine"] = &fakeContainer{id: "c1", name: "graph-engine"}
	docker.containers["graph-engine-sidecar"] = &fakeContainer{id: "c2", name: "graph-engine-sidecar"}
	docker.listResult = []types.Container{{ID: "c1"}, {ID: "c2"}}
	s := New(docker, &fakeProber{}, testConfig())

	if err := s.RemoveComposeProject(context.Background(), "graph-engine"); err != nil {
		t.Fatalf("RemoveComposeProject() = %v", err)
	}
	if len(docker.removedIDs) != 2 {
		t.Errorf("removed %v, want both compose containers", docker.removedIDs)
	}
}

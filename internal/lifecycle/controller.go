// Package lifecycle runs the ordered shutdown protocol for a writer
// node: drain, mark hosted graphs for migration, snapshot, stop, and
// acknowledge the scale-in hook.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/RoboFinSystems/robosystems-sub001/internal/config"
	"github.com/RoboFinSystems/robosystems-sub001/internal/metrics"
	"github.com/RoboFinSystems/robosystems-sub001/internal/poll"
	"github.com/RoboFinSystems/robosystems-sub001/internal/registry"
)

// State is the controller's position in the shutdown protocol. States
// advance one way and are never revisited.
type State string

const (
	StateRunning      State = "running"
	StateDraining     State = "draining"
	StateMigrating    State = "migrating"
	StateStopping     State = "stopping"
	StateSnapshotting State = "snapshotting"
	StateTerminated   State = "terminated"
)

// Registry is the slice of the registry client the controller needs.
type Registry interface {
	MarkTerminating(ctx context.Context, instanceID string, at time.Time) error
	MarkTerminated(ctx context.Context, instanceID string, at time.Time) error
	QueryDatabasesByInstance(ctx context.Context, instanceID string) ([]registry.DatabaseRecord, error)
	MarkDatabaseForMigration(ctx context.Context, graphID, sourceInstance, backendType string) error
}

// Engine is the admin surface of the local database process.
type Engine interface {
	Drain(ctx context.Context) error
	SetReadOnly(ctx context.Context) error
	ActiveConnections(ctx context.Context) (int, error)
}

// Snapshots preserves the data volume before the instance goes away.
type Snapshots interface {
	FindDataVolume(ctx context.Context, instanceID string) (string, error)
	CreateFinalSnapshot(ctx context.Context, volumeID, instanceID, engineType string) (string, error)
}

// Containers stops the engine container and any compose deployment.
type Containers interface {
	StopAndRemove(ctx context.Context, grace time.Duration) error
	RemoveComposeProject(ctx context.Context, project string) error
}

// HookAck acknowledges the orchestrator's scale-in lifecycle hook.
type HookAck interface {
	Complete(ctx context.Context, hookName, asgName, token string) error
}

type Deps struct {
	Registry   Registry
	Engine     Engine
	Snapshots  Snapshots
	Containers Containers
	Hook       HookAck
}

type Controller struct {
	deps Deps
	cfg  *config.Config
	now  func() time.Time

	mu    sync.Mutex
	state State
	once  sync.Once
}

func New(deps Deps, cfg *config.Config) *Controller {
	return &Controller{deps: deps, cfg: cfg, now: time.Now, state: StateRunning}
}

// State returns the controller's current protocol position.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	log.Info().Str("state", string(s)).Msg("lifecycle state advanced")
}

// Terminate runs the shutdown protocol exactly once. Every step is
// best-effort: a failing step is logged with its context and the
// following steps still run, so shutdown makes forward progress even in
// a degraded cloud API environment. Once started it is not cancellable.
func (c *Controller) Terminate(ctx context.Context) {
	c.once.Do(func() { c.terminate(ctx) })
}

func (c *Controller) terminate(ctx context.Context) {
	instanceID := c.cfg.Instance.ID
	log.Info().Str("instance", instanceID).Msg("termination requested, beginning shutdown protocol")

	// 1. Mark terminating. The termination itself is the source of truth;
	// a failed write here is advisory only.
	c.step("mark-terminating", func() error {
		return c.deps.Registry.MarkTerminating(ctx, instanceID, c.now())
	})

	// 2. Drain, falling back to the read-only toggle.
	c.setState(StateDraining)
	c.step("drain", func() error { return c.drain(ctx) })

	// 3. Enumerate hosted graphs and flag each for migration.
	c.setState(StateMigrating)
	c.step("mark-migrations", func() error { return c.markMigrations(ctx, instanceID) })

	// 4. Bounded wait for connections to close.
	c.step("drain-wait", func() error { return c.awaitDrained(ctx) })

	// 5. Engine-specific graceful stop. The embedded engine has no
	// separate control plane beyond closing connections, so this is a
	// short grace pause for in-flight writes to settle.
	c.setState(StateStopping)
	c.step("engine-stop-grace", func() error {
		select {
		case <-time.After(c.cfg.Lifecycle.StopGrace):
		case <-ctx.Done():
		}
		return nil
	})

	// 6. Snapshot the data volume while the engine is quiescent but the
	// volume is still attached.
	c.setState(StateSnapshotting)
	c.step("snapshot", func() error { return c.snapshot(ctx, instanceID) })

	// 7. Stop and remove the container, plus any compose deployment.
	c.step("stop-container", func() error {
		if err := c.deps.Containers.StopAndRemove(ctx, c.cfg.Lifecycle.StopGrace); err != nil {
			return err
		}
		return c.deps.Containers.RemoveComposeProject(ctx, c.cfg.Supervisor.ContainerName)
	})

	// 8. Mark terminated only after the container is actually down.
	c.step("mark-terminated", func() error {
		return c.deps.Registry.MarkTerminated(ctx, instanceID, c.now())
	})
	c.setState(StateTerminated)

	// 9. Let the orchestrator proceed with instance removal.
	if c.cfg.Lifecycle.HookConfigured() {
		c.step("lifecycle-hook-ack", func() error {
			return c.deps.Hook.Complete(ctx,
				c.cfg.Lifecycle.HookName, c.cfg.Lifecycle.ASGName, c.cfg.Lifecycle.HookToken)
		})
	}

	log.Info().Str("instance", instanceID).Msg("shutdown protocol complete")
}

// step runs one shutdown step, logging and swallowing its error. The
// degrade-gracefully policy lives here so every call site gets it.
func (c *Controller) step(name string, fn func() error) {
	if err := fn(); err != nil {
		metrics.ShutdownStepFailures.WithLabelValues(name).Inc()
		log.Warn().Err(err).Str("step", name).Msg("shutdown step failed, continuing")
		return
	}
	log.Debug().Str("step", name).Msg("shutdown step complete")
}

func (c *Controller) drain(ctx context.Context) error {
	err := c.deps.Engine.Drain(ctx)
	if err == nil {
		return nil
	}
	log.Warn().Err(err).Msg("drain endpoint unreachable, trying read-only toggle")
	if err := c.deps.Engine.SetReadOnly(ctx); err != nil {
		log.Warn().Err(err).Msg("read-only toggle unavailable, proceeding without drain (degraded shutdown)")
		return nil
	}
	return nil
}

// markMigrations flags every active graph on this node. Each record is
// independent: the updates run concurrently and one failure never blocks
// the others.
func (c *Controller) markMigrations(ctx context.Context, instanceID string) error {
	records, err := c.deps.Registry.QueryDatabasesByInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		log.Info().Msg("no active graphs hosted here, nothing to mark")
		return nil
	}

	var wg sync.WaitGroup
	for _, rec := range records {
		wg.Add(1)
		go func(rec registry.DatabaseRecord) {
			defer wg.Done()
			err := c.deps.Registry.MarkDatabaseForMigration(ctx, rec.GraphID, instanceID, c.cfg.Engine.DatabaseType)
			if err != nil {
				log.Warn().Err(err).Str("graph", rec.GraphID).Msg("marking graph for migration failed")
				return
			}
			log.Info().Str("graph", rec.GraphID).Msg("graph marked for migration")
		}(rec)
	}
	wg.Wait()
	return nil
}

// awaitDrained polls the connection count until it reaches zero or the
// drain ceiling elapses. A ceiling timeout is a warning, not a failure:
// shutdown completes in bounded time even under a stuck client.
func (c *Controller) awaitDrained(ctx context.Context) error {
	err := poll.Until(ctx, c.cfg.Lifecycle.DrainInterval, c.cfg.Lifecycle.DrainTimeout,
		func(ctx context.Context) (bool, error) {
			n, cerr := c.deps.Engine.ActiveConnections(ctx)
			if cerr != nil {
				log.Warn().Err(cerr).Msg("connection count unavailable, treating as drained")
				return true, nil
			}
			if n > 0 {
				log.Debug().Int("active_connections", n).Msg("waiting for connections to close")
				return false, nil
			}
			return true, nil
		})
	if err == poll.ErrTimedOut {
		log.Warn().Dur("ceiling", c.cfg.Lifecycle.DrainTimeout).Msg("connections did not close within drain ceiling, proceeding")
		return nil
	}
	return err
}

func (c *Controller) snapshot(ctx context.Context, instanceID string) error {
	volumeID, err := c.deps.Snapshots.FindDataVolume(ctx, instanceID)
	if err != nil {
		return err
	}
	if volumeID == "" {
		log.Warn().Str("instance", instanceID).Msg("no data volume attached, nothing to snapshot")
		return nil
	}
	snapID, err := c.deps.Snapshots.CreateFinalSnapshot(ctx, volumeID, instanceID, c.cfg.Engine.DatabaseType)
	if err != nil {
		return err
	}
	log.Info().Str("volume", volumeID).Str("snapshot", snapID).Msg("final snapshot requested")
	return nil
}

// Package monitor runs the periodic node health evaluation and writes
// the verdict to the instance registry.
package monitor

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/RoboFinSystems/robosystems-sub001/internal/metrics"
	"github.com/RoboFinSystems/robosystems-sub001/internal/registry"
)

// Verdict is the outcome of one evaluation cycle. It lives only long
// enough to choose the status written to the registry.
type Verdict struct {
	Status registry.InstanceStatus
	Reason string
}

// OverrideCache looks up the ingestion-override flag. Presence of any
// non-empty value forces a healthy verdict.
type OverrideCache interface {
	Lookup(ctx context.Context, key string) (value string, present bool, err error)
}

// ContainerChecker reports whether the engine container is running.
type ContainerChecker interface {
	Running(ctx context.Context) (bool, error)
}

// Restarter relaunches the engine container as a self-heal attempt.
type Restarter interface {
	Launch(ctx context.Context) error
}

// StatusWriter records the verdict in the instance registry.
type StatusWriter interface {
	PutInstanceStatus(ctx context.Context, instanceID string, status registry.InstanceStatus, at time.Time) error
}

type Deps struct {
	Cache      OverrideCache
	Containers ContainerChecker
	Restarter  Restarter
	Registry   StatusWriter
}

type Monitor struct {
	deps        Deps
	instanceID  string
	overrideKey string
	interval    time.Duration
	now         func() time.Time
}

func New(deps Deps, instanceID, overrideKey string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Monitor{
		deps:        deps,
		instanceID:  instanceID,
		overrideKey: overrideKey,
		interval:    interval,
		now:         time.Now,
	}
}

// Run evaluates on a fixed period until ctx is canceled. Every cycle is
// independent; a failing cycle is logged and the next one proceeds.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	m.EvaluateOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.EvaluateOnce(ctx)
		}
	}
}

// EvaluateOnce runs a single health cycle: override lookup, container
// liveness, registry write, and at most one restart attempt. It never
// fails fatally; every dependency call is wrapped on its own so one
// broken dependency cannot block the rest.
func (m *Monitor) EvaluateOnce(ctx context.Context) Verdict {
	verdict := Verdict{Status: registry.StatusHealthy}
	restart := false

	if active, reason := m.overrideActive(ctx); active {
		// An in-progress bulk load must never be killed by a liveness
		// check, even when the engine is unresponsive to normal probes.
		verdict.Reason = reason
	} else {
		running, err := m.deps.Containers.Running(ctx)
		switch {
		case err != nil:
			// Unknown liveness is not health. Report unhealthy but skip
			// the restart: relaunching is only for a container known to
			// be down, not for a wedged Docker daemon.
			log.Error().Err(err).Msg("container liveness check failed")
			verdict.Status = registry.StatusUnhealthy
			verdict.Reason = "liveness check error"
		case running:
			verdict.Reason = "container running"
		default:
			verdict.Status = registry.StatusUnhealthy
			verdict.Reason = "container not running"
			restart = true
		}
	}

	metrics.HealthVerdicts.WithLabelValues(string(verdict.Status)).Inc()
	log.Info().
		Str("instance", m.instanceID).
		Str("status", string(verdict.Status)).
		Str("reason", verdict.Reason).
		Msg("health verdict")

	m.writeVerdict(ctx, verdict)

	if restart {
		m.attemptRestart(ctx)
	}
	return verdict
}

// overrideActive checks the ingestion-override flag. Presence gates the
// decision, not content: a payload that fails to parse still counts as
// an active override.
func (m *Monitor) overrideActive(ctx context.Context) (bool, string) {
	if m.deps.Cache == nil {
		return false, ""
	}
	value, present, err := m.deps.Cache.Lookup(ctx, m.overrideKey)
	if err != nil {
		log.Warn().Err(err).Str("key", m.overrideKey).Msg("override cache lookup failed")
		return false, ""
	}
	if !present || value == "" {
		return false, ""
	}
	reason := parseOverrideReason(value)
	log.Info().Str("key", m.overrideKey).Str("reason", reason).Msg("ingestion override active, forcing healthy")
	return true, reason
}

// writeVerdict is best-effort: the next cycle will try again.
func (m *Monitor) writeVerdict(ctx context.Context, v Verdict) {
	if m.deps.Registry == nil {
		return
	}
	if err := m.deps.Registry.PutInstanceStatus(ctx, m.instanceID, v.Status, m.now()); err != nil {
		if err == registry.ErrTerminalState {
			log.Info().Str("instance", m.instanceID).Msg("instance already terminating, skipping verdict write")
			return
		}
		log.Warn().Err(err).Str("instance", m.instanceID).Msg("registry verdict write failed")
	}
}

// attemptRestart issues exactly one relaunch. A second consecutive
// failure is left to the next scheduled cycle to avoid restart storms.
func (m *Monitor) attemptRestart(ctx context.Context) {
	if m.deps.Restarter == nil {
		return
	}
	metrics.RestartAttempts.Inc()
	log.Warn().Str("instance", m.instanceID).Msg("container not running, attempting self-heal restart")
	if err := m.deps.Restarter.Launch(ctx); err != nil {
		log.Error().Err(err).Msg("self-heal restart failed, deferring to next cycle")
		return
	}
	log.Info().Msg("self-heal restart succeeded")
}

// RedisCache adapts a redis/valkey client to the OverrideCache interface.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache { return &RedisCache{rdb: rdb} }

// NewRedisCacheFromURL parses a valkey/redis connection string. Returns
// nil when url is empty so the override lookup degrades to inactive.
func NewRedisCacheFromURL(url string) (*RedisCache, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisCache{rdb: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Lookup(ctx context.Context, key string) (string, bool, error) {
	if c == nil || c.rdb == nil {
		return "", false, nil
	}
	value, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, value != "", nil
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is built once at process start and handed to each component
// constructor. Business logic never reads the environment directly.
type Config struct {
	Instance   InstanceConfig   `json:"instance"`
	Engine     EngineConfig     `json:"engine"`
	Registry   RegistryConfig   `json:"registry"`
	Cache      CacheConfig      `json:"cache"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Monitor    MonitorConfig    `json:"monitor"`
	Lifecycle  LifecycleConfig  `json:"lifecycle"`
	Server     ServerConfig     `json:"server"`
	Logging    LoggingConfig    `json:"logging"`
}

// InstanceConfig identifies the VM this agent runs on. ID, AZ and Type may
// be left empty and resolved from instance metadata at startup.
type InstanceConfig struct {
	ID   string `json:"id"`
	IP   string `json:"ip"`
	AZ   string `json:"az"`
	Type string `json:"type"`
	Tier string `json:"tier"`
}

// EngineConfig describes the database-serving process hosted on this node.
type EngineConfig struct {
	DatabaseType string `json:"databaseType"` // engine tag, e.g. "kuzu"
	NodeType     string `json:"nodeType"`     // role, e.g. "writer", "shared"
	Port         int    `json:"port"`
}

type RegistryConfig struct {
	Region        string `json:"region"`
	InstanceTable string `json:"instanceTable"`
	GraphTable    string `json:"graphTable"`
}

type CacheConfig struct {
	// URL is a redis/valkey connection string. Empty disables the
	// ingestion-override lookup.
	URL string `json:"url"`
}

type SupervisorConfig struct {
	Image         string        `json:"image"`
	ContainerName string        `json:"containerName"`
	Binds         []string      `json:"binds"`
	LogGroup      string        `json:"logGroup"`
	BootInterval  time.Duration `json:"bootInterval"`
	BootTimeout   time.Duration `json:"bootTimeout"`

	// SharedBootExtra extends the boot window for shared-role nodes that
	// need additional warm-up.
	SharedBootExtra time.Duration `json:"sharedBootExtra"`

	// VolumeWaitTimeout bounds the boot-time wait for the data volume to
	// attach. Zero skips the wait, for hosts without persisted data.
	VolumeWaitTimeout  time.Duration `json:"volumeWaitTimeout"`
	VolumeWaitInterval time.Duration `json:"volumeWaitInterval"`
}

type MonitorConfig struct {
	Interval time.Duration `json:"interval"`
}

type LifecycleConfig struct {
	DrainInterval time.Duration `json:"drainInterval"`
	DrainTimeout  time.Duration `json:"drainTimeout"`
	StopGrace     time.Duration `json:"stopGrace"`
	HookName      string        `json:"hookName"`
	ASGName       string        `json:"asgName"`
	HookToken     string        `json:"hookToken"`
}

type ServerConfig struct {
	BindAddr string `json:"bindAddr"`
}

type LoggingConfig struct {
	Level string `json:"level"`
}

// Load builds the configuration from environment variables with an optional
// JSON file override, then validates required fields.
func Load(configFile string) (*Config, error) {
	cfg := &Config{
		Instance: InstanceConfig{
			ID:   getEnv("INSTANCE_ID", ""),
			IP:   getEnv("INSTANCE_IP", ""),
			AZ:   getEnv("AVAILABILITY_ZONE", ""),
			Type: getEnv("INSTANCE_TYPE", ""),
			Tier: getEnv("INSTANCE_TIER", "standard"),
		},
		Engine: EngineConfig{
			DatabaseType: getEnv("DATABASE_TYPE", ""),
			NodeType:     getEnv("NODE_TYPE", ""),
			Port:         getEnvInt("ENGINE_PORT", 8001),
		},
		Registry: RegistryConfig{
			Region:        getEnv("AWS_REGION", ""),
			InstanceTable: getEnv("INSTANCE_REGISTRY_TABLE", ""),
			GraphTable:    getEnv("GRAPH_REGISTRY_TABLE", ""),
		},
		Cache: CacheConfig{
			URL: getEnv("VALKEY_URL", ""),
		},
		Supervisor: SupervisorConfig{
			Image:              getEnv("ENGINE_IMAGE", ""),
			ContainerName:      getEnv("ENGINE_CONTAINER_NAME", "graph-engine"),
			Binds:              getEnvList("ENGINE_BINDS", []string{"/data:/var/lib/graph"}),
			LogGroup:           getEnv("ENGINE_LOG_GROUP", "/robosystems/writers"),
			BootInterval:       getEnvDuration("BOOT_POLL_INTERVAL", 5*time.Second),
			BootTimeout:        getEnvDuration("BOOT_TIMEOUT", 60*time.Second),
			SharedBootExtra:    getEnvDuration("SHARED_BOOT_EXTRA", 30*time.Second),
			VolumeWaitTimeout:  getEnvDuration("VOLUME_WAIT_TIMEOUT", 2*time.Minute),
			VolumeWaitInterval: getEnvDuration("VOLUME_WAIT_INTERVAL", 5*time.Second),
		},
		Monitor: MonitorConfig{
			Interval: getEnvDuration("HEALTHCHECK_INTERVAL", 5*time.Minute),
		},
		Lifecycle: LifecycleConfig{
			DrainInterval: getEnvDuration("DRAIN_POLL_INTERVAL", 10*time.Second),
			DrainTimeout:  getEnvDuration("DRAIN_TIMEOUT", 300*time.Second),
			StopGrace:     getEnvDuration("ENGINE_STOP_GRACE", 10*time.Second),
			HookName:      getEnv("LIFECYCLE_HOOK_NAME", ""),
			ASGName:       getEnv("ASG_NAME", ""),
			HookToken:     getEnv("LIFECYCLE_ACTION_TOKEN", ""),
		},
		Server: ServerConfig{
			BindAddr: getEnv("AGENT_BIND_ADDR", "127.0.0.1:7077"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first missing required field. Missing required
// configuration is fatal at startup.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"DATABASE_TYPE", c.Engine.DatabaseType},
		{"NODE_TYPE", c.Engine.NodeType},
		{"AWS_REGION", c.Registry.Region},
		{"INSTANCE_REGISTRY_TABLE", c.Registry.InstanceTable},
		{"GRAPH_REGISTRY_TABLE", c.Registry.GraphTable},
		{"ENGINE_IMAGE", c.Supervisor.Image},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("config: required variable %s is not set", r.name)
		}
	}
	if c.Engine.Port <= 0 || c.Engine.Port > 65535 {
		return fmt.Errorf("config: invalid engine port %d", c.Engine.Port)
	}
	return nil
}

// HookConfigured reports whether this termination runs under a managed
// scale-in event that must be acknowledged.
func (c *LifecycleConfig) HookConfigured() bool {
	return c.HookName != "" && c.ASGName != "" && c.HookToken != ""
}

// BootWindow returns the health-probe ceiling for the given node role.
func (c *SupervisorConfig) BootWindow(nodeType string) time.Duration {
	if nodeType == "shared" {
		return c.BootTimeout + c.SharedBootExtra
	}
	return c.BootTimeout
}

// OverrideKey is the ingestion-override cache key for this node.
func (c *Config) OverrideKey() string {
	return fmt.Sprintf("%s:ingestion:active:%s", c.Engine.DatabaseType, c.Instance.ID)
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

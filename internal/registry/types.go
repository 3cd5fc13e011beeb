package registry

import "time"

// InstanceStatus is the health/lifecycle state recorded for a writer node.
// Once a node reaches StatusTerminating the transition is one-way:
// health writes are rejected and StatusTerminated is terminal.
type InstanceStatus string

const (
	StatusHealthy     InstanceStatus = "healthy"
	StatusUnhealthy   InstanceStatus = "unhealthy"
	StatusTerminating InstanceStatus = "terminating"
	StatusTerminated  InstanceStatus = "terminated"
)

// Terminal reports whether s may never be overwritten by a health verdict.
func (s InstanceStatus) Terminal() bool {
	return s == StatusTerminating || s == StatusTerminated
}

// InstanceRecord is one row of the instance registry, keyed by instance id.
// Written only by the processes running on that instance.
type InstanceRecord struct {
	InstanceID       string         `dynamodbav:"instance_id" json:"instance_id"`
	Status           InstanceStatus `dynamodbav:"status" json:"status"`
	LastHealthCheck  time.Time      `dynamodbav:"last_health_check,unixtime" json:"last_health_check"`
	TerminatingAt    *time.Time     `dynamodbav:"terminating_at,unixtime,omitempty" json:"terminating_at,omitempty"`
	TerminatedAt     *time.Time     `dynamodbav:"terminated_at,unixtime,omitempty" json:"terminated_at,omitempty"`
	AvailabilityZone string         `dynamodbav:"availability_zone,omitempty" json:"availability_zone,omitempty"`
	NodeType         string         `dynamodbav:"node_type,omitempty" json:"node_type,omitempty"`
}

// DatabaseRecord is one row of the graph registry, keyed by graph id.
// Owned by the allocation layer; this subsystem only flags migration.
type DatabaseRecord struct {
	GraphID           string `dynamodbav:"graph_id" json:"graph_id"`
	InstanceID        string `dynamodbav:"instance_id" json:"instance_id"`
	Status            string `dynamodbav:"status" json:"status"`
	MigrationRequired bool   `dynamodbav:"migration_required" json:"migration_required"`
	MigrationSource   string `dynamodbav:"migration_source,omitempty" json:"migration_source,omitempty"`
	BackendType       string `dynamodbav:"backend_type,omitempty" json:"backend_type,omitempty"`
}

// DatabaseStatusActive marks a graph currently served to clients.
const DatabaseStatusActive = "active"

// Package project tracks the spec-driven projects the orchestrator works on.
// The registry maps project IDs to their filesystem roots.
package project

import (
	"time"
)

// ProjectStatus represents the health state of a project
type ProjectStatus string

const (
	// StatusHealthy indicates the project is fully operational
	StatusHealthy ProjectStatus = "healthy"
	// StatusDegraded indicates the project has no spec artifacts yet
	StatusDegraded ProjectStatus = "degraded"
	// StatusOffline indicates the project directory is not accessible
	StatusOffline ProjectStatus = "offline"
)

// String returns the string representation of the status
func (s ProjectStatus) String() string {
	return string(s)
}

// IsValid checks if the status is a valid value
func (s ProjectStatus) IsValid() bool {
	switch s {
	case StatusHealthy, StatusDegraded, StatusOffline:
		return true
	default:
		return false
	}
}

// Project represents a registered project
type Project struct {
	// ID is the unique identifier for the project (cryptographically random)
	ID string `yaml:"id" json:"id"`
	// Path is the absolute filesystem path to the project root
	Path string `yaml:"path" json:"path"`
	// Name is the human-readable name of the project
	Name string `yaml:"name" json:"name"`
	// LastAccessed is the timestamp of the last access to this project
	LastAccessed time.Time `yaml:"last_accessed" json:"last_accessed"`
	// Status indicates the current health state of the project
	Status ProjectStatus `yaml:"status" json:"status"`
	// StatusMessage provides additional context for non-healthy statuses
	StatusMessage string `yaml:"status_message,omitempty" json:"status_message,omitempty"`
	// CreatedAt is the timestamp when the project was registered
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	// Enabled controls whether the project is active. Disabled projects are
	// skipped by reconciliation and the watcher. Nil means enabled.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Clone creates a deep copy of the project
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Enabled != nil {
		v := *p.Enabled
		clone.Enabled = &v
	}
	return &clone
}

// IsEnabled returns true if the project is enabled.
func (p *Project) IsEnabled() bool {
	if p == nil {
		return false
	}
	return p.Enabled == nil || *p.Enabled
}

// IsHealthy returns true if the project status is healthy
func (p *Project) IsHealthy() bool {
	return p != nil && p.Status == StatusHealthy
}

// IsAccessible returns true if the project can be accessed (healthy or degraded)
func (p *Project) IsAccessible() bool {
	return p != nil && (p.Status == StatusHealthy || p.Status == StatusDegraded)
}

// RegistryConfig holds the persisted registry data
type RegistryConfig struct {
	// Version is the schema version of the registry file
	Version int `yaml:"version"`
	// DefaultProject is the ID used when a command names no project
	DefaultProject string `yaml:"default_project,omitempty"`
	// Projects is the list of all registered projects
	Projects []*Project `yaml:"projects"`
}

// AddProjectOptions provides options when adding a project
type AddProjectOptions struct {
	// Name is the custom name for the project (auto-generated from path if empty)
	Name string
}

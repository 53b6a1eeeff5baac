// Package service defines the lifecycle contract shared by the long running
// parts of txqueue and a registry that starts them in dependency order.
package service

import (
	"context"
)

// Status represents the current state of a service.
type Status string

const (
	// StatusStopped indicates the service is not running.
	StatusStopped Status = "STOPPED"
	// StatusStarting indicates the service is in the process of starting.
	StatusStarting Status = "STARTING"
	// StatusRunning indicates the service is running normally.
	StatusRunning Status = "RUNNING"
	// StatusStopping indicates the service is in the process of stopping.
	StatusStopping Status = "STOPPING"
	// StatusError indicates the service encountered an error.
	StatusError Status = "ERROR"
)

// Service is a component with a managed lifecycle.
type Service interface {
	// Name returns the service name. Names are unique within a Registry.
	Name() string

	// Start starts the service. It must not block; long running work belongs
	// in goroutines owned by the service.
	Start(ctx context.Context) error

	// Stop releases everything Start acquired.
	Stop(ctx context.Context) error

	Status() Status

	// Health returns nil while the service is able to do its job.
	Health() error

	// Dependencies names the services that must be running before this one starts.
	Dependencies() []string
}

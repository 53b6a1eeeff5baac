package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/cmatc13/txqueue/pkg/logging"
)

// Registry manages all services and their lifecycle
type Registry struct {
	services map[string]Service
	started  []string
	mutex    sync.RWMutex
	logger   *logging.Logger

	// HealthTimeout bounds how long StartAll waits for a started service to report healthy.
	HealthTimeout time.Duration
	// HealthInterval is the polling interval used while waiting.
	HealthInterval time.Duration
}

// NewRegistry creates a new service registry
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		services:       make(map[string]Service),
		logger:         logger,
		HealthTimeout:  30 * time.Second,
		HealthInterval: 100 * time.Millisecond,
	}
}

// Register adds a service to the registry
func (r *Registry) Register(service Service) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	name := service.Name()
	if _, exists := r.services[name]; exists {
		return fmt.Errorf("service %s is already registered", name)
	}

	r.services[name] = service
	r.logger.Debug("Service registered", "service", name)
	return nil
}

// Get returns a service by name
func (r *Registry) Get(name string) (Service, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	service, exists := r.services[name]
	if !exists {
		return nil, fmt.Errorf("service %s not found", name)
	}

	return service, nil
}

// StartAll starts all services in dependency order. If one fails, the
// services already started are stopped again before the error is returned.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	order, err := topologicalSort(buildDependencyGraph(r.services))
	if err != nil {
		return err
	}

	r.started = r.started[:0]
	for _, name := range order {
		service := r.services[name]
		r.logger.Info("Starting service", "service", name)

		err := service.Start(ctx)
		if err == nil {
			err = r.waitForHealth(ctx, service)
		}
		if err != nil {
			r.logger.Error("Failed to start service", "service", name, "error", err)
			startErr := fmt.Errorf("failed to start service %s: %w", name, err)
			return multierr.Append(startErr, r.stopStarted(ctx))
		}
		r.started = append(r.started, name)
	}

	return nil
}

// StopAll stops the started services in reverse dependency order. Every
// service is asked to stop; the errors are combined.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.stopStarted(ctx)
}

func (r *Registry) stopStarted(ctx context.Context) error {
	var errs error
	for i := len(r.started) - 1; i >= 0; i-- {
		name := r.started[i]
		r.logger.Info("Stopping service", "service", name)

		if err := r.services[name].Stop(ctx); err != nil {
			r.logger.Error("Error stopping service", "service", name, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("stopping service %s: %w", name, err))
		}
	}
	r.started = r.started[:0]
	return errs
}

// HealthCheck performs health checks on all services
func (r *Registry) HealthCheck() map[string]error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	results := make(map[string]error, len(r.services))
	for name, service := range r.services {
		results[name] = service.Health()
	}

	return results
}

func (r *Registry) waitForHealth(ctx context.Context, service Service) error {
	if service.Health() == nil {
		return nil
	}

	ticker := time.NewTicker(r.HealthInterval)
	defer ticker.Stop()

	timeout := time.NewTimer(r.HealthTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("timeout waiting for service %s to become healthy: %w", service.Name(), service.Health())
		case <-ticker.C:
			if service.Health() == nil {
				return nil
			}
		}
	}
}

func buildDependencyGraph(services map[string]Service) map[string][]string {
	graph := make(map[string][]string, len(services))
	for name, service := range services {
		graph[name] = service.Dependencies()
	}
	return graph
}

// topologicalSort orders the graph so that every service comes after its
// dependencies. Dependencies missing from the graph are ignored. Ties are
// broken by name so the order is stable.
func topologicalSort(graph map[string][]string) ([]string, error) {
	visited := make(map[string]bool, len(graph))
	onStack := make(map[string]bool)
	order := make([]string, 0, len(graph))

	var visit func(node string) error
	visit = func(node string) error {
		if onStack[node] {
			return fmt.Errorf("dependency cycle detected involving service %s", node)
		}
		if visited[node] {
			return nil
		}

		onStack[node] = true
		deps := append([]string(nil), graph[node]...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, exists := graph[dep]; !exists {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		onStack[node] = false
		visited[node] = true

		order = append(order, node)
		return nil
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	for _, node := range nodes {
		if err := visit(node); err != nil {
			return nil, err
		}
	}

	return order, nil
}

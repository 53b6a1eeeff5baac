// Package health provides health check capabilities for the application.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cmatc13/txqueue/pkg/logging"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusUp indicates the component is healthy.
	StatusUp Status = "UP"
	// StatusDown indicates the component is unhealthy.
	StatusDown Status = "DOWN"
	// StatusUnknown indicates the component's health is unknown.
	StatusUnknown Status = "UNKNOWN"
)

// DefaultTimeout bounds a single check run by the HTTP handler.
const DefaultTimeout = 3 * time.Second

// Check represents a health check for a component.
type Check struct {
	Name        string
	Status      Status
	Message     string
	LastChecked time.Time
	Error       error
}

// MarshalJSON implements the json.Marshaler interface.
func (c Check) MarshalJSON() ([]byte, error) {
	var errorStr string
	if c.Error != nil {
		errorStr = c.Error.Error()
	}

	return json.Marshal(struct {
		Name        string    `json:"name"`
		Status      Status    `json:"status"`
		Message     string    `json:"message,omitempty"`
		LastChecked time.Time `json:"last_checked"`
		Error       string    `json:"error,omitempty"`
	}{
		Name:        c.Name,
		Status:      c.Status,
		Message:     c.Message,
		LastChecked: c.LastChecked,
		Error:       errorStr,
	})
}

// Checker defines a function that performs a health check.
type Checker func(ctx context.Context) Check

// Report is the aggregated result of all registered checks.
type Report struct {
	Status    Status           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
}

// Registry manages health checks for the application.
type Registry struct {
	checks map[string]Checker
	mutex  sync.RWMutex
	logger *logging.Logger
}

// NewRegistry creates a new health check registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		checks: make(map[string]Checker),
		logger: logger,
	}
}

// Register adds a health check to the registry, replacing any check with the same name.
func (r *Registry) Register(name string, checker Checker) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.checks[name] = checker
	r.logger.Debug("Registered health check", "name", name)
}

// Unregister removes a health check from the registry.
func (r *Registry) Unregister(name string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.checks, name)
}

// Names returns the registered check names in sorted order.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunChecks runs all registered health checks.
func (r *Registry) RunChecks(ctx context.Context) Report {
	r.mutex.RLock()
	checkers := make(map[string]Checker, len(r.checks))
	for name, c := range r.checks {
		checkers[name] = c
	}
	r.mutex.RUnlock()

	report := Report{
		Status:    StatusUp,
		Timestamp: time.Now(),
		Checks:    make(map[string]Check, len(checkers)),
	}
	for name, checker := range checkers {
		check := checker(ctx)
		report.Checks[name] = check
		switch {
		case check.Status == StatusDown:
			report.Status = StatusDown
		case check.Status == StatusUnknown && report.Status != StatusDown:
			report.Status = StatusUnknown
		}
	}
	return report
}

// IsHealthy returns true if no check reports StatusDown.
func (r *Registry) IsHealthy(ctx context.Context) bool {
	return r.RunChecks(ctx).Status != StatusDown
}

// Handler returns an HTTP handler for health checks.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), DefaultTimeout)
		defer cancel()

		report := r.RunChecks(ctx)

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusDown {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		if err := json.NewEncoder(w).Encode(report); err != nil {
			r.logger.Error("Failed to encode health check response", "error", err)
		}
	})
}

func probe(name, subject string, checkFn func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Check {
		check := Check{
			Name:        name,
			LastChecked: time.Now(),
		}
		if err := checkFn(ctx); err != nil {
			check.Status = StatusDown
			check.Error = err
			check.Message = fmt.Sprintf("%s is unhealthy: %v", subject, err)
			return check
		}
		check.Status = StatusUp
		check.Message = fmt.Sprintf("%s is healthy", subject)
		return check
	}
}

// ServiceChecker creates a health check for a service.
func ServiceChecker(serviceName string, checkFn func(ctx context.Context) error) Checker {
	return probe(serviceName, "Service "+serviceName, checkFn)
}

// RedisChecker creates a health check for the Redis archive.
func RedisChecker(redisAddr string, pingFn func(ctx context.Context) error) Checker {
	return probe("redis", "Redis at "+redisAddr, pingFn)
}

// KafkaChecker creates a health check for the Kafka transport.
func KafkaChecker(kafkaBrokers string, checkFn func(ctx context.Context) error) Checker {
	return probe("kafka", "Kafka at "+kafkaBrokers, checkFn)
}

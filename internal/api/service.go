package api

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/cmatc13/txqueue/pkg/config"
	"github.com/cmatc13/txqueue/pkg/service"
)

// ServiceName is the registry name of the API.
const ServiceName = "api"

// APIService wraps the API server as a Service
type APIService struct {
	server       *Server
	dependencies []string
	status       atomic.String
	uptimeDone   chan struct{}
}

// NewAPIService creates a new API service. dependencies name the services
// that must run before requests are served.
func NewAPIService(cfg *config.Config, deps Deps, dependencies ...string) *APIService {
	s := &APIService{
		server:       NewServer(cfg, deps),
		dependencies: dependencies,
	}
	s.status.Store(string(service.StatusStopped))
	return s
}

// Server returns the wrapped server.
func (s *APIService) Server() *Server {
	return s.server
}

// Name returns the service name
func (s *APIService) Name() string {
	return ServiceName
}

// Start binds the listener and starts serving.
func (s *APIService) Start(ctx context.Context) error {
	s.status.Store(string(service.StatusStarting))
	if err := s.server.Start(); err != nil {
		s.status.Store(string(service.StatusError))
		return err
	}

	if m := s.server.metrics; m != nil {
		m.ServiceLastStarted.Set(float64(time.Now().Unix()))
	}
	s.uptimeDone = make(chan struct{})
	s.server.metrics.RecordUptime(s.uptimeDone)

	s.status.Store(string(service.StatusRunning))
	return nil
}

// Stop gracefully shuts down the service
func (s *APIService) Stop(ctx context.Context) error {
	s.status.Store(string(service.StatusStopping))
	if s.uptimeDone != nil {
		close(s.uptimeDone)
		s.uptimeDone = nil
	}
	err := s.server.Shutdown(ctx)
	s.status.Store(string(service.StatusStopped))
	return err
}

// Status returns the current service status
func (s *APIService) Status() service.Status {
	return service.Status(s.status.Load())
}

// Health performs a health check
func (s *APIService) Health() error {
	if st := s.Status(); st != service.StatusRunning {
		return fmt.Errorf("%s is %s", ServiceName, st)
	}
	return nil
}

// Dependencies returns a list of services this service depends on
func (s *APIService) Dependencies() []string {
	return s.dependencies
}

// Package registration keeps a service's Consul registration alive for the
// lifetime of the process, grounded on gateway/registry.go's
// ServiceRegistration — adapted to the discovery.Registry interface shared
// across all three saga services rather than the gateway's own copy.
package registration

import (
	"context"
	"log/slog"
	"time"

	"github.com/harborline/bookingsaga/internal/discovery"
)

// ServiceRegistration tracks one instance's Consul registration and its
// background TTL heartbeat.
type ServiceRegistration struct {
	registry    discovery.Registry
	instanceID  string
	serviceName string
	stopChan    chan struct{}
	log         *slog.Logger
}

// Register registers instanceID/serviceName at addr and starts a TTL
// heartbeat against registry. Pass a nil registry to run with service
// discovery disabled (returns a no-op registration).
func Register(ctx context.Context, registry discovery.Registry, instanceID, serviceName, addr string, log *slog.Logger) (*ServiceRegistration, error) {
	if registry == nil {
		return &ServiceRegistration{stopChan: make(chan struct{}), log: log}, nil
	}

	if err := registry.Register(ctx, instanceID, serviceName, addr); err != nil {
		return nil, err
	}

	sr := &ServiceRegistration{
		registry:    registry,
		instanceID:  instanceID,
		serviceName: serviceName,
		stopChan:    make(chan struct{}),
		log:         log,
	}
	go sr.heartbeat()
	return sr, nil
}

func (sr *ServiceRegistration) heartbeat() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sr.stopChan:
			return
		case <-ticker.C:
			if err := sr.registry.HealthCheck(sr.instanceID, sr.serviceName); err != nil {
				sr.log.Warn("health check heartbeat failed", slog.Any("error", err))
			}
		}
	}
}

// Deregister stops the heartbeat and removes the instance from Consul.
func (sr *ServiceRegistration) Deregister(ctx context.Context) error {
	close(sr.stopChan)
	if sr.registry == nil {
		return nil
	}
	return sr.registry.Deregister(ctx, sr.instanceID, sr.serviceName)
}

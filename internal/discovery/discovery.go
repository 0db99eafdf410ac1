// Package discovery declares the service-registry contract used for health
// registration. The saga itself never looks another service up to call it
// synchronously — coordination is broker-only — so this package exists only
// to register an instance and keep its TTL health check alive.
package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Registry registers a service instance and keeps its health check alive.
type Registry interface {
	Register(ctx context.Context, instanceID, serviceName, hostPort string) error
	Deregister(ctx context.Context, instanceID, serviceName string) error
	HealthCheck(instanceID, serviceName string) error
}

// GenerateInstanceID builds a unique instance ID for registration.
func GenerateInstanceID(serviceName string) string {
	return fmt.Sprintf("%s-%d", serviceName, rand.New(rand.NewSource(time.Now().UnixNano())).Int())
}

// Package loadbalance chooses which service instance a connection goes to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  instances of different capacity
//   - ConsistentHash:  key affinity, so every subscription on a key lands on
//     the same server
package loadbalance

import "muxrpc/registry"

// Balancer selects one instance from the available list. Implementations
// must be safe for concurrent use.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name is the strategy name, for logs and config.
	Name() string
}

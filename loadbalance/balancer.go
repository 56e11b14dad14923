// Package loadbalance picks one dedicated server among the instances found
// in the registry.
//
// Three strategies are implemented:
//   - RoundRobin:      spread controllers evenly across equal servers
//   - WeightedRandom:  favour servers with a higher registered weight
//   - ConsistentHash:  pin a controller key to the same server while the
//     set of servers is stable
package loadbalance

import (
	"errors"
	"fmt"

	"gbx-controller/registry"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Must be goroutine-safe.
	Pick(instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer called name: "round-robin", "weighted-random" or
// "consistent-hash". key is only used by consistent-hash.
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round-robin":
		return &RoundRobinBalancer{}, nil
	case "weighted-random":
		return &WeightedRandomBalancer{}, nil
	case "consistent-hash":
		if key == "" {
			return nil, errors.New("consistent-hash balancer needs a key")
		}
		return NewConsistentHashBalancer(key), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}

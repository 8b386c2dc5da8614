package loadbalance

import (
	"math/rand/v2"

	"muxrpc/registry"
)

// WeightedRandomBalancer picks an instance with probability proportional to
// its Weight. When no instance has a positive weight it picks uniformly.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, registry.ErrNoInstances
	}

	total := 0
	for _, inst := range instances {
		if inst.Weight > 0 {
			total += inst.Weight
		}
	}
	if total == 0 {
		return &instances[rand.IntN(len(instances))], nil
	}

	r := rand.IntN(total)
	for i := range instances {
		if instances[i].Weight <= 0 {
			continue
		}
		r -= instances[i].Weight
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

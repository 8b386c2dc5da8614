package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"strings"
	"sync"

	"muxrpc/registry"
)

// ConsistentHashBalancer maps keys to instances on a hash ring, so a key
// keeps landing on the same instance while the instance set is stable.
// Each instance is placed on the ring replicas times to even out the load.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu      sync.RWMutex
	ring    []uint32                            // sorted
	nodes   map[uint32]registry.ServiceInstance // ring point -> instance
	members string                              // sorted addresses the ring was built from
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.ServiceInstance),
	}
}

// Add places instance on the ring.
func (b *ConsistentHashBalancer) Add(instance registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
	b.members = ""
}

func (b *ConsistentHashBalancer) add(instance registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	slices.Sort(b.ring)
}

// Pick returns the instance owning key on the current ring.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.ServiceInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lookup(key)
}

func (b *ConsistentHashBalancer) lookup(key string) (*registry.ServiceInstance, error) {
	if len(b.ring) == 0 {
		return nil, registry.ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

// PickKey rebuilds the ring when instances differ from the last call, then
// returns the owner of key.
func (b *ConsistentHashBalancer) PickKey(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, registry.ErrNoInstances
	}
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	slices.Sort(addrs)
	members := strings.Join(addrs, ",")

	b.mu.RLock()
	if b.members == members {
		defer b.mu.RUnlock()
		return b.lookup(key)
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.members != members {
		b.ring = b.ring[:0]
		clear(b.nodes)
		for _, inst := range instances {
			b.add(inst)
		}
		b.members = members
	}
	return b.lookup(key)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

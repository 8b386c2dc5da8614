package registry

import (
	"context"
	"slices"
	"sync"
)

// MemoryRegistry is an in-process Registry for single-binary deployments and
// tests. TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string][]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

func (m *MemoryRegistry) Register(_ context.Context, serviceName string, inst ServiceInstance, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := slices.DeleteFunc(m.instances[serviceName], func(old ServiceInstance) bool {
		return old.Addr == inst.Addr
	})
	m.instances[serviceName] = append(insts, inst)
	m.notify(serviceName)
	return nil
}

func (m *MemoryRegistry) Deregister(_ context.Context, serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[serviceName] = slices.DeleteFunc(m.instances[serviceName], func(inst ServiceInstance) bool {
		return inst.Addr == addr
	})
	m.notify(serviceName)
	return nil
}

func (m *MemoryRegistry) Discover(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.instances[serviceName]), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	m.mu.Lock()
	m.watchers[serviceName] = append(m.watchers[serviceName], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		m.watchers[serviceName] = slices.DeleteFunc(m.watchers[serviceName], func(c chan []ServiceInstance) bool {
			return c == ch
		})
		close(ch)
	}()
	return ch
}

// notify hands watchers the latest list, replacing one they have not read.
// Caller holds m.mu.
func (m *MemoryRegistry) notify(serviceName string) {
	snapshot := slices.Clone(m.instances[serviceName])
	for _, ch := range m.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}

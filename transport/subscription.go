package transport

import (
	"context"
	"encoding/json"
	"io"
	"runtime"
	"sync"
)

// feed is the queue behind one subscription. The registry is its only
// producer; pushes never block, so a slow consumer grows the queue instead of
// stalling the shared reader.
type feed struct {
	key    SubscriptionKey
	mu     sync.Mutex
	items  []json.RawMessage
	closed bool
	notify chan struct{}
}

func newFeed(key SubscriptionKey) *feed {
	return &feed{key: key, notify: make(chan struct{}, 1)}
}

// push enqueues v. It reports false once the feed is closed.
func (f *feed) push(v json.RawMessage) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	f.items = append(f.items, v)
	f.mu.Unlock()
	f.wake()
	return true
}

// close ends the producer side. Buffered items stay readable.
func (f *feed) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.wake()
}

// discard closes the feed and drops whatever is buffered.
func (f *feed) discard() {
	f.mu.Lock()
	f.closed = true
	f.items = nil
	f.mu.Unlock()
	f.wake()
}

func (f *feed) wake() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// Subscription is the consuming end of one push feed. It has a single
// consumer; values arrive in the order the connection received them.
//
// Consumers should call Close when done. A Subscription that becomes
// unreachable without Close is removed from its registry by a runtime cleanup.
type Subscription struct {
	*feed
	release   func()
	closeOnce sync.Once
}

func (s *Subscription) Key() SubscriptionKey { return s.key }

// Recv returns the next value. After the feed is uninstalled (or the
// connection fails) and the buffer is drained it returns io.EOF.
func (s *Subscription) Recv(ctx context.Context) (json.RawMessage, error) {
	for {
		s.mu.Lock()
		if len(s.items) > 0 {
			v := s.items[0]
			s.items[0] = nil
			s.items = s.items[1:]
			s.mu.Unlock()
			return v, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Buffered returns the number of values waiting to be received.
func (s *Subscription) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Close drops the consumer side and frees the registry entry.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.release()
		s.discard()
	})
}

// Registry routes push payloads to subscriptions by key.
// Installs on different keys never wait on each other.
type Registry struct {
	mu     sync.RWMutex // write-held only while the registry shuts down
	closed error
	feeds  sync.Map // SubscriptionKey -> *feed
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Install creates a feed under key and returns its consuming end.
func (r *Registry) Install(key SubscriptionKey) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed != nil {
		return nil, &RegistryError{Op: "install", Key: key, Err: r.closed}
	}

	f := newFeed(key)
	if _, loaded := r.feeds.LoadOrStore(key, f); loaded {
		return nil, &RegistryError{Op: "install", Key: key, Err: ErrListenerExists}
	}

	sub := &Subscription{feed: f, release: func() { r.release(f) }}
	runtime.AddCleanup(sub, r.release, f)
	return sub, nil
}

// Uninstall removes the feed under key. Safe to call from any goroutine.
func (r *Registry) Uninstall(key SubscriptionKey) error {
	v, ok := r.feeds.LoadAndDelete(key)
	if !ok {
		return &RegistryError{Op: "uninstall", Key: key, Err: ErrListenerNotFound}
	}
	v.(*feed).close()
	return nil
}

// Deliver enqueues value on the feed under key. Values for keys nobody
// listens to are dropped; Deliver reports whether it was queued.
func (r *Registry) Deliver(key SubscriptionKey, value json.RawMessage) bool {
	v, ok := r.feeds.Load(key)
	if !ok {
		return false
	}
	f := v.(*feed)
	if !f.push(value) {
		// Consumer went away between Load and push.
		r.feeds.CompareAndDelete(key, f)
		return false
	}
	return true
}

// CloseAll ends every feed and refuses further installs with err.
func (r *Registry) CloseAll(err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed == nil {
		r.closed = err
	}
	n := 0
	r.feeds.Range(func(key, value any) bool {
		if _, ok := r.feeds.LoadAndDelete(key); ok {
			value.(*feed).close()
			n++
		}
		return true
	})
	return n
}

// Len returns the number of active feeds.
func (r *Registry) Len() int {
	n := 0
	r.feeds.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (r *Registry) release(f *feed) {
	r.feeds.CompareAndDelete(f.key, f)
}

package transport

import (
	"hash/fnv"
	"sync"

	"muxrpc/message"
)

const pendingShards = 16

// settlement is what a pending slot resolves to: a response or a transport failure.
type settlement struct {
	resp *message.Response
	err  error
}

// slot is the resolution point for one outstanding request. The channel is
// buffered so the reader never blocks on a caller that stopped listening.
type slot struct {
	method string
	ch     chan settlement
}

type pendingShard struct {
	mu     sync.Mutex
	slots  map[message.ID]*slot
	closed error
}

// pendingTable maps outstanding identifiers to their slots. It is sharded so
// callers on different identifiers rarely contend.
type pendingTable struct {
	shards [pendingShards]pendingShard
}

func newPendingTable() *pendingTable {
	t := &pendingTable{}
	for i := range t.shards {
		t.shards[i].slots = make(map[message.ID]*slot)
	}
	return t
}

func (t *pendingTable) shard(id message.ID) *pendingShard {
	if n, ok := id.Number(); ok {
		return &t.shards[n%pendingShards]
	}
	h := fnv.New32a()
	h.Write([]byte(id.String()))
	return &t.shards[h.Sum32()%pendingShards]
}

// insert registers a slot for id. It must happen before the request hits the
// wire, otherwise a fast response could arrive with nowhere to go.
func (t *pendingTable) insert(id message.ID, method string) (*slot, error) {
	sh := t.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.closed != nil {
		return nil, sh.closed
	}
	if _, exists := sh.slots[id]; exists {
		return nil, &TransportError{Op: "register " + id.String(), Err: ErrDuplicateID}
	}
	s := &slot{method: method, ch: make(chan settlement, 1)}
	sh.slots[id] = s
	return s, nil
}

// resolve hands resp to the slot waiting on its ID. It reports false when no
// caller is waiting (already cancelled, or never ours).
func (t *pendingTable) resolve(resp *message.Response) bool {
	sh := t.shard(resp.ID)
	sh.mu.Lock()
	s, ok := sh.slots[resp.ID]
	if ok {
		delete(sh.slots, resp.ID)
	}
	sh.mu.Unlock()
	if !ok {
		return false
	}
	s.ch <- settlement{resp: resp}
	return true
}

// remove frees the slot for id if it is still s.
func (t *pendingTable) remove(id message.ID, s *slot) {
	sh := t.shard(id)
	sh.mu.Lock()
	if cur, ok := sh.slots[id]; ok && cur == s {
		delete(sh.slots, id)
	}
	sh.mu.Unlock()
}

// failAll resolves every slot with err and refuses further inserts.
func (t *pendingTable) failAll(err error) int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		sh.closed = err
		for id, s := range sh.slots {
			s.ch <- settlement{err: err}
			delete(sh.slots, id)
			n++
		}
		sh.mu.Unlock()
	}
	return n
}

func (t *pendingTable) Len() int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		n += len(sh.slots)
		sh.mu.Unlock()
	}
	return n
}

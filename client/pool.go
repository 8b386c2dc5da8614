package client

import (
	"context"
	"errors"
	"sync"

	"muxrpc/transport"
)

// connPool keeps one multiplexed socket per server address. Sockets are
// created lazily and replaced once they fail; callers share them, so there is
// no borrow or return.
type connPool struct {
	dial func(ctx context.Context, addr string) (*transport.Socket, error)

	mu     sync.Mutex
	conns  map[string]*poolEntry
	closed bool
}

type poolEntry struct {
	mu   sync.Mutex // held while dialling, so one address is dialled once
	sock *transport.Socket
}

func newConnPool(dial func(ctx context.Context, addr string) (*transport.Socket, error)) *connPool {
	return &connPool{dial: dial, conns: make(map[string]*poolEntry)}
}

// get returns the live socket for addr, dialling a new one if there is none
// or the previous one has failed.
func (p *connPool) get(ctx context.Context, addr string) (*transport.Socket, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, transport.ErrClosed
	}
	entry, ok := p.conns[addr]
	if !ok {
		entry = &poolEntry{}
		p.conns[addr] = entry
	}
	p.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.sock != nil && entry.sock.Err() == nil {
		return entry.sock, nil
	}

	sock, err := p.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		sock.Close()
		return nil, transport.ErrClosed
	}
	entry.sock = sock
	return sock, nil
}

// size returns how many addresses have a live socket.
func (p *connPool) size() int {
	p.mu.Lock()
	entries := make([]*poolEntry, 0, len(p.conns))
	for _, e := range p.conns {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.sock != nil && e.sock.Err() == nil {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

func (p *connPool) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.conns
	p.conns = nil
	p.mu.Unlock()

	var errs []error
	for _, e := range entries {
		e.mu.Lock()
		if e.sock != nil {
			errs = append(errs, e.sock.Close())
		}
		e.mu.Unlock()
	}
	return errors.Join(errs...)
}

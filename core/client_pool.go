package core

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ClientType buckets sessions for the keepalive scan: clients that have
// spoken at least one frame carry a version, fresh connections do not.
type ClientType int

const (
	VersionlessClient ClientType = iota
	VersionedClient
)

// countKind selects which outstanding-work counter a pool operation moves.
type countKind int

const (
	countRequest countKind = iota
	countResponse
)

// ClientPool indexes live sessions by registration number. It is the one
// structure workers and the event loop share to resolve client handles, so
// every path that hands a session to a worker pins it here first and
// releases it when done; a session leaves the pool only with both counters
// at zero.
type ClientPool struct {
	mu           sync.RWMutex
	clients      map[uint64]*session
	shuttingDown atomic.Bool
}

func NewClientPool() *ClientPool {
	return &ClientPool{clients: make(map[uint64]*session)}
}

// InitiateShutdown stops the pool from accepting new sessions. Called once
// from the event loop when shutdown is requested.
func (p *ClientPool) InitiateShutdown() { p.shuttingDown.Store(true) }

func (p *ClientPool) ShutdownInitiated() bool { return p.shuttingDown.Load() }

// Add registers a freshly accepted session.
func (p *ClientPool) Add(s *session) error {
	if p.shuttingDown.Load() {
		return ErrShutdownInProgress
	}
	p.mu.Lock()
	p.clients[s.handle.Registration] = s
	p.mu.Unlock()
	return nil
}

// Remove deletes the session when nothing is outstanding against it and
// reports whether it did. Holding the map write lock excludes concurrent
// incrementors, which take the read lock, so the counters cannot move
// between the check and the delete.
func (p *ClientPool) Remove(s *session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.clients[s.handle.Registration]
	if !ok {
		return false
	}
	if cur != s {
		panic(fmt.Sprintf("core: registration %d maps to a different session", s.handle.Registration))
	}
	if s.counters.requests != 0 || s.counters.responses != 0 {
		return false
	}
	delete(p.clients, s.handle.Registration)
	return true
}

// IncreaseCount pins the session behind handle with one more outstanding
// request or response and returns it. It fails for handles the pool does
// not know (the client already disconnected) and for sessions marked to
// disconnect; a handle carrying a foreign server address is a logic
// violation and panics.
func (p *ClientPool) IncreaseCount(handle ClientHandle, kind countKind) (*session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.clients[handle.Registration]
	if !ok {
		return nil, ErrUnknownClient
	}
	if s.handle.ServerIPv4 != handle.ServerIPv4 {
		panic(fmt.Sprintf("core: count increase for registration %d addressed to server %s, session belongs to %s",
			handle.Registration, IPv4String(handle.ServerIPv4), IPv4String(s.handle.ServerIPv4)))
	}
	if s.markedToDisconnect() {
		return nil, ErrClientDisconnecting
	}

	s.counters.mu.Lock()
	if kind == countRequest {
		s.counters.requests++
	} else {
		s.counters.responses++
	}
	s.counters.lastActivity = time.Now()
	s.counters.mu.Unlock()

	return s, nil
}

// DecreaseCount releases one outstanding request or response. Unlike
// IncreaseCount it is unconditional: the work already happened, whatever
// state the session reached since. An imbalance is a logic violation.
func (p *ClientPool) DecreaseCount(s *session, kind countKind) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s.counters.mu.Lock()
	defer s.counters.mu.Unlock()

	if kind == countRequest {
		s.counters.requests--
		if s.counters.requests < 0 {
			panic(fmt.Sprintf("core: request count below zero for registration %d", s.handle.Registration))
		}
	} else {
		s.counters.responses--
		if s.counters.responses < 0 {
			panic(fmt.Sprintf("core: response count below zero for registration %d", s.handle.Registration))
		}
	}
	s.counters.lastActivity = time.Now()
}

// Len is the number of live sessions.
func (p *ClientPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// Clients snapshots the live sessions.
func (p *ClientPool) Clients() []*session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*session, 0, len(p.clients))
	for _, s := range p.clients {
		out = append(out, s)
	}
	return out
}

// IdleClients collects handles of sessions of the given type with nothing
// outstanding and no activity for at least idleAfter. Selected sessions
// have their activity stamped so the next scan skips them for a full
// interval again.
func (p *ClientPool) IdleClients(t ClientType, idleAfter time.Duration, now time.Time) []ClientHandle {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var handles []ClientHandle
	for _, s := range p.clients {
		s.counters.mu.Lock()
		idle := s.counters.requests+s.counters.responses == 0 &&
			now.Sub(s.counters.lastActivity) >= idleAfter
		if idle {
			st := VersionedClient
			if s.version == 0 {
				st = VersionlessClient
			}
			if st == t {
				handles = append(handles, s.handle)
				s.counters.lastActivity = now
			}
		}
		s.counters.mu.Unlock()
	}
	return handles
}

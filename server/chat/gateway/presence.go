package gateway

import (
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const presenceShards = 32

type userEntry struct {
	conns map[string]*Conn
	sub   io.Closer
	// ready is closed once sub is open. Entries whose open failed are
	// removed before ready is closed.
	ready chan struct{}
}

type presenceShard struct {
	mu    sync.Mutex
	users map[string]*userEntry
}

// Presence is the gateway-local registry of live connections per user. The
// first connection opens the user's subscription while later ones for the
// same user wait on it, so opening and the last connection closing it cannot
// interleave. The shard lock is never held across open.
type Presence struct {
	shards [presenceShards]presenceShard
}

func NewPresence() *Presence {
	p := &Presence{}
	for i := range p.shards {
		p.shards[i].users = make(map[string]*userEntry)
	}
	return p
}

func presenceKey(tenantID, userID string) string {
	return tenantID + ":" + userID
}

func (p *Presence) shard(key string) *presenceShard {
	return &p.shards[xxhash.Sum64String(key)%presenceShards]
}

// Add registers c for the user. When c is the user's first connection, open
// is called and its result is closed when the last connection leaves.
// Concurrent adds for the same user wait for that open to finish.
func (p *Presence) Add(tenantID, userID string, c *Conn, open func() (io.Closer, error)) (bool, error) {
	key := presenceKey(tenantID, userID)
	s := p.shard(key)
	for {
		s.mu.Lock()
		entry, ok := s.users[key]
		if !ok {
			entry = &userEntry{conns: make(map[string]*Conn), ready: make(chan struct{})}
			s.users[key] = entry
			s.mu.Unlock()
			return true, p.open(s, key, entry, c, open)
		}
		select {
		case <-entry.ready:
			entry.conns[c.id] = c
			s.mu.Unlock()
			return false, nil
		default:
		}
		s.mu.Unlock()
		<-entry.ready
	}
}

func (p *Presence) open(s *presenceShard, key string, entry *userEntry, c *Conn, open func() (io.Closer, error)) error {
	sub, err := open()

	s.mu.Lock()
	defer s.mu.Unlock()
	defer close(entry.ready)
	if err != nil {
		delete(s.users, key)
		return err
	}
	entry.sub = sub
	entry.conns[c.id] = c
	return nil
}

// Evict drops the user's entry when sub is still its subscription and
// returns the connections that were registered under it.
func (p *Presence) Evict(tenantID, userID string, sub io.Closer) []*Conn {
	key := presenceKey(tenantID, userID)
	s := p.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.users[key]
	if !ok || entry.sub != sub {
		return nil
	}
	delete(s.users, key)
	out := make([]*Conn, 0, len(entry.conns))
	for _, c := range entry.conns {
		out = append(out, c)
	}
	return out
}

// Remove drops the connection and reports whether it was the user's last.
func (p *Presence) Remove(tenantID, userID, connID string) bool {
	key := presenceKey(tenantID, userID)
	s := p.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.users[key]
	if !ok {
		return false
	}
	if _, ok := entry.conns[connID]; !ok {
		return false
	}
	delete(entry.conns, connID)
	if len(entry.conns) > 0 {
		return false
	}
	delete(s.users, key)
	if entry.sub != nil {
		_ = entry.sub.Close()
	}
	return true
}

// Conns returns a snapshot of the user's live connections.
func (p *Presence) Conns(tenantID, userID string) []*Conn {
	key := presenceKey(tenantID, userID)
	s := p.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.users[key]
	if !ok {
		return nil
	}
	out := make([]*Conn, 0, len(entry.conns))
	for _, c := range entry.conns {
		out = append(out, c)
	}
	return out
}

func (p *Presence) Online(tenantID, userID string) bool {
	return len(p.Conns(tenantID, userID)) > 0
}

// All returns every registered connection.
func (p *Presence) All() []*Conn {
	var out []*Conn
	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()
		for _, entry := range s.users {
			for _, c := range entry.conns {
				out = append(out, c)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Package upstream implements weighted round-robin selection over a named
// pool of servers, with background health checking.
package upstream

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoUpstream is returned when no viable server exists (no servers
// configured, or the weights of the servers that are up sum to zero). When
// every server is down, Select returns the least-recently-failed one instead.
var ErrNoUpstream = errors.New("upstream: no viable server")

// Server is one weighted backend.
type Server struct {
	Address string
	Weight  int

	mu         sync.Mutex
	down       bool
	lastFailed time.Time
}

func (s *Server) isDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

func (s *Server) markDown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = true
	s.lastFailed = time.Now()
}

func (s *Server) markUp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = false
}

// Selector performs weighted round-robin selection over one upstream's
// servers via an atomic cursor and a running-sum bracket walk, per
// SPEC_FULL.md section 4.5.
type Selector struct {
	Name    string
	servers []*Server
	cursor  atomic.Uint64
	cooldown time.Duration
}

// New builds a Selector for the given servers.
func New(name string, servers []*Server) *Selector {
	return &Selector{Name: name, servers: servers, cooldown: 60 * time.Second}
}

func (s *Selector) totalWeight(skipDown bool) int {
	total := 0
	for _, srv := range s.servers {
		if skipDown && srv.isDown() {
			continue
		}
		total += srv.Weight
	}
	return total
}

// Select returns the next server by weighted round-robin. Down servers are
// skipped; if all weights among up servers sum to zero or no servers exist,
// ErrNoUpstream is returned unless every server is down, in which case the
// least-recently-failed server is returned instead.
func (s *Selector) Select() (*Server, error) {
	if len(s.servers) == 0 {
		return nil, ErrNoUpstream
	}

	total := s.totalWeight(true)
	if total <= 0 {
		if allDown(s.servers) {
			return leastRecentlyFailed(s.servers), nil
		}
		return nil, ErrNoUpstream
	}

	idx := int(s.cursor.Add(1)-1) % total
	running := 0
	for _, srv := range s.servers {
		if srv.isDown() || srv.Weight <= 0 {
			continue
		}
		running += srv.Weight
		if idx < running {
			return srv, nil
		}
	}
	// Defensive: floating weight changes mid-walk. Fall back to the first
	// eligible server rather than returning a nil pointer.
	for _, srv := range s.servers {
		if !srv.isDown() && srv.Weight > 0 {
			return srv, nil
		}
	}
	return nil, ErrNoUpstream
}

func allDown(servers []*Server) bool {
	for _, s := range servers {
		if !s.isDown() {
			return false
		}
	}
	return len(servers) > 0
}

func leastRecentlyFailed(servers []*Server) *Server {
	best := servers[0]
	for _, s := range servers[1:] {
		s.mu.Lock()
		bestTime := best.lastFailed
		thisTime := s.lastFailed
		s.mu.Unlock()
		if thisTime.Before(bestTime) {
			best = s
		}
	}
	return best
}

// ServerCount reports the number of configured servers.
func (s *Selector) ServerCount() int { return len(s.servers) }

// Servers exposes the underlying server list for health checking.
func (s *Selector) Servers() []*Server { return s.servers }

package protocol

import (
	"sort"
	"sync"
)

// PeerSet tracks room membership as seen by one client. Joins and leaves are
// idempotent: adding a known peer or removing an unknown one is a no-op, not
// an error.
type PeerSet struct {
	mu    sync.Mutex
	peers map[string]struct{}
}

func NewPeerSet() *PeerSet {
	return &PeerSet{peers: make(map[string]struct{})}
}

// Add inserts a peer and reports whether it was new.
func (s *PeerSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[id]; ok {
		return false
	}
	s.peers[id] = struct{}{}
	return true
}

// Remove deletes a peer and reports whether it was present.
func (s *PeerSet) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[id]; !ok {
		return false
	}
	delete(s.peers, id)
	return true
}

// Reset replaces the membership with a snapshot from a room-joined message.
func (s *PeerSet) Reset(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s.peers[id] = struct{}{}
	}
}

func (s *PeerSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[id]
	return ok
}

func (s *PeerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// List returns the membership sorted for stable display.
func (s *PeerSet) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

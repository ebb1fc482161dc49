// Package registry maintains the deduplicated table of currently reachable
// peers fed by discovery events.
package registry

import (
	"sync"

	"filedrop/models"
)

// Registry holds current peer membership. It keeps no history: entries exist
// only between an appeared and a disappeared event.
type Registry struct {
	mu sync.RWMutex
	// byName preserves insertion for stable discovery-order listing.
	byName map[string]int
	peers  []models.Peer
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byName: make(map[string]int),
	}
}

// OnPeerAppeared inserts or replaces the entry for peer.Name.
//
// A peer whose host already belongs to a different live name is treated as a
// duplicate advertisement and dropped; the first-registered name for a host
// wins until it disappears. Returns false when the peer was suppressed.
func (r *Registry) OnPeerAppeared(peer models.Peer) bool {
	if peer.Name == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// The host-conflict scan runs on every appearance, including re-announces
	// under a known name that moved to an already-claimed host.
	if peer.Host != "" {
		for _, existing := range r.peers {
			if existing.Host == peer.Host && existing.Name != peer.Name {
				return false
			}
		}
	}

	if idx, exists := r.byName[peer.Name]; exists {
		r.peers[idx] = peer
		return true
	}

	r.byName[peer.Name] = len(r.peers)
	r.peers = append(r.peers, peer)
	return true
}

// OnPeerDisappeared removes the entry if present; absent entries are a no-op.
//
// Once the first-registered name for a host is gone, a later advertisement
// from that host under another name is accepted again.
func (r *Registry) OnPeerDisappeared(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, exists := r.byName[name]
	if !exists {
		return
	}

	delete(r.byName, name)
	r.peers = append(r.peers[:idx], r.peers[idx+1:]...)
	for i := idx; i < len(r.peers); i++ {
		r.byName[r.peers[i].Name] = i
	}
}

// ListPeers returns an immutable snapshot in discovery order.
func (r *Registry) ListPeers() []models.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Peer, len(r.peers))
	for i, peer := range r.peers {
		copied := peer
		copied.Addresses = append([]string(nil), peer.Addresses...)
		out[i] = copied
	}
	return out
}

// GetPeer returns the entry for a name and whether it exists.
func (r *Registry) GetPeer(name string) (models.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, exists := r.byName[name]
	if !exists {
		return models.Peer{}, false
	}
	peer := r.peers[idx]
	peer.Addresses = append([]string(nil), peer.Addresses...)
	return peer, true
}

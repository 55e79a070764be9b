package tunnel

import "sync"

// Registry is the process-wide hostname to peer mapping. Lookups happen on
// every public request and vastly outnumber binds, so reads take the shared
// lock only.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Peer)}
}

// Bind associates the hostname with the peer. A previously bound peer is
// closed first, failing its in-flight dispatches, and returned so the caller
// can report the eviction.
func (r *Registry) Bind(hostname string, p *Peer) (evicted *Peer) {
	r.mu.Lock()
	evicted = r.peers[hostname]
	if evicted != nil {
		evicted.Close()
	}
	r.peers[hostname] = p
	r.mu.Unlock()
	return evicted
}

// Lookup returns the peer bound to the hostname.
func (r *Registry) Lookup(hostname string) (*Peer, bool) {
	r.mu.RLock()
	p, ok := r.peers[hostname]
	r.mu.RUnlock()
	return p, ok
}

// Unbind removes the entry only if it still points at the given peer, so a
// disconnect racing a fresh reconnection cannot tear down the new binding.
func (r *Registry) Unbind(hostname string, p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.peers[hostname] != p {
		return false
	}
	delete(r.peers, hostname)
	return true
}

// Len returns the number of bound hostnames.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// each calls fn for every bound peer. Used on shutdown.
func (r *Registry) each(fn func(*Peer)) {
	r.mu.RLock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.RUnlock()

	for _, p := range peers {
		fn(p)
	}
}

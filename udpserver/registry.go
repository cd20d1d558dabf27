package udpserver

import "sync"

// registry maps conv to its live connection. Mutation happens on the loop;
// the lock lets ConnectionCount and RemoteAddr read from other goroutines.
type registry struct {
	mu    sync.RWMutex
	conns map[uint32]*connection
	gen   uint64
}

func newRegistry() *registry {
	return &registry{conns: make(map[uint32]*connection)}
}

func (r *registry) nextGeneration() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	return r.gen
}

func (r *registry) add(c *connection) {
	r.mu.Lock()
	r.conns[c.conv] = c
	r.mu.Unlock()
}

func (r *registry) remove(c *connection) {
	r.mu.Lock()
	if cur, ok := r.conns[c.conv]; ok && cur == c {
		delete(r.conns, c.conv)
	}
	r.mu.Unlock()
}

func (r *registry) byConv(conv uint32) (*connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[conv]
	return c, ok
}

// get resolves h, failing for stale handles.
func (r *registry) get(h Handle) (*connection, bool) {
	c, ok := r.byConv(h.Conv)
	if !ok || c.handle.Generation != h.Generation {
		return nil, false
	}
	return c, true
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// each calls fn for every connection. fn must not add or remove entries.
func (r *registry) each(fn func(*connection)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		fn(c)
	}
}

func (r *registry) snapshot() []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

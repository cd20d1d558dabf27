// Package convpool allocates KCP conversation ids for server-side
// connections. Released ids are recycled so the live id space stays dense.
package convpool

import "sync"

// Pool hands out uint32 conv ids in the range [1, limit]. Id 0 is never
// issued because a zero conv means "no connection" on the wire.
//
// CreateID prefers the most recently released id over growing the maximum.
// Releasing the current maximum shrinks it instead of adding it to the free
// list. Pool is safe for concurrent use.
type Pool struct {
	mu    sync.Mutex
	limit uint32
	max   uint32
	free  []uint32
	freed map[uint32]struct{}
}

// NewPool creates a Pool issuing at most limit concurrent ids. A limit of 0
// means the full uint32 range.
//
// Parameters:
//   - limit: Maximum id value the pool may issue
//
// Returns:
//   - A new, empty Pool
func NewPool(limit uint32) *Pool {
	if limit == 0 {
		limit = ^uint32(0)
	}

	return &Pool{
		limit: limit,
		freed: make(map[uint32]struct{}),
	}
}

// CreateID returns an unused id.
//
// Returns:
//   - The id and true, or 0 and false when every id up to the limit is live
func (p *Pool) CreateID() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		delete(p.freed, id)
		return id, true
	}

	if p.max >= p.limit {
		return 0, false
	}

	p.max++
	return p.max, true
}

// ReleaseID returns id to the pool. Releasing an id that is not live is a
// no-op.
//
// Parameters:
//   - id: A value previously returned by CreateID
func (p *Pool) ReleaseID(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id == 0 || id > p.max {
		return
	}

	if _, dup := p.freed[id]; dup {
		return
	}

	if id != p.max {
		p.free = append(p.free, id)
		p.freed[id] = struct{}{}
		return
	}

	p.max--
	for p.max > 0 {
		if _, ok := p.freed[p.max]; !ok {
			break
		}

		p.removeFree(p.max)
		p.max--
	}
}

// Max returns the highest id currently accounted for.
func (p *Pool) Max() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max
}

// Live returns the number of ids currently issued.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.max) - len(p.free)
}

func (p *Pool) removeFree(id uint32) {
	delete(p.freed, id)
	for i, v := range p.free {
		if v == id {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return
		}
	}
}

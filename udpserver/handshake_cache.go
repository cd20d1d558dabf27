package udpserver

import (
	"net/netip"
	"time"

	"github.com/patrickmn/go-cache"
)

type grant struct {
	session int32
	conv    uint32
}

// handshakeCache remembers the grant issued to each remote address so a
// retransmitted request gets the same answer instead of a second connection.
type handshakeCache struct {
	c *cache.Cache
}

// newHandshakeCache creates a cache whose entries expire after ttl. Entries
// are deleted when their connection closes, so no janitor is started.
func newHandshakeCache(ttl time.Duration) *handshakeCache {
	return &handshakeCache{c: cache.New(ttl, 0)}
}

func (h *handshakeCache) remember(from netip.AddrPort, g grant) {
	h.c.Set(from.String(), g, cache.DefaultExpiration)
}

func (h *handshakeCache) lookup(from netip.AddrPort) (grant, bool) {
	v, ok := h.c.Get(from.String())
	if !ok {
		return grant{}, false
	}
	g, ok := v.(grant)
	return g, ok
}

// forget drops the entry for from if it still refers to g.
func (h *handshakeCache) forget(from netip.AddrPort, g grant) {
	if cur, ok := h.lookup(from); ok && cur == g {
		h.c.Delete(from.String())
	}
}

func (h *handshakeCache) len() int {
	return h.c.ItemCount()
}

package relay

import (
	"github.com/cyberinferno/go-relay/safemap"
	"github.com/cyberinferno/go-relay/transport"
)

// Registry maps transport handles to live connections. All methods are safe
// for concurrent use.
type Registry struct {
	conns *safemap.SafeMap[transport.Handle, *Connection]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: safemap.NewSafeMap[transport.Handle, *Connection]()}
}

// Insert stores c unless its handle is already registered.
//
// Returns:
//   - true if c was stored, false if another connection holds the handle
func (r *Registry) Insert(c *Connection) bool {
	_, loaded := r.conns.LoadOrStore(c.Handle(), c)
	return !loaded
}

// Replace stores c and returns the connection it displaced, if any.
func (r *Registry) Replace(c *Connection) (*Connection, bool) {
	return r.conns.Swap(c.Handle(), c)
}

// Get returns the connection registered for h.
func (r *Registry) Get(h transport.Handle) (*Connection, bool) {
	return r.conns.Load(h)
}

// Remove deletes h and returns the connection it held. Of several concurrent
// callers only one receives the connection.
func (r *Registry) Remove(h transport.Handle) (*Connection, bool) {
	return r.conns.LoadAndDelete(h)
}

// Snapshot returns the registered connections at one point in time.
func (r *Registry) Snapshot() []*Connection {
	return r.conns.Values()
}

// Handles returns the registered handles.
func (r *Registry) Handles() []transport.Handle {
	return r.conns.Keys()
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return r.conns.Len()
}

// Clear removes every connection and returns the removed ones. A connection
// removed concurrently by Remove is returned by exactly one of the two calls.
func (r *Registry) Clear() []*Connection {
	var removed []*Connection
	for _, h := range r.conns.Keys() {
		if c, ok := r.conns.LoadAndDelete(h); ok {
			removed = append(removed, c)
		}
	}

	return removed
}

package core

import (
	"sync"

	"github.com/rs/xid"
)

// Registry tracks the master and the slaves. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	master *Client
	slaves map[ClientID]Client
	order  []ClientID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{slaves: make(map[ClientID]Client)}
}

// NewClientID returns a fresh, sortable client identifier.
func NewClientID() ClientID {
	return ClientID(xid.New().String())
}

// Register adds c. A second master is rejected without side effects.
func (r *Registry) Register(c Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.Role == RoleMaster {
		if r.master != nil {
			return duplicateMaster(r.master.ID)
		}
		r.master = &c
		return nil
	}
	r.slaves[c.ID] = c
	r.order = append(r.order, c.ID)
	return nil
}

// Deregister removes id. Unknown ids report false.
func (r *Registry) Deregister(id ClientID) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.master != nil && r.master.ID == id {
		c := *r.master
		r.master = nil
		return c, true
	}
	c, ok := r.slaves[id]
	if !ok {
		return Client{}, false
	}
	delete(r.slaves, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return c, true
}

// Lookup returns the client registered under id.
func (r *Registry) Lookup(id ClientID) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.master != nil && r.master.ID == id {
		return *r.master, true
	}
	c, ok := r.slaves[id]
	return c, ok
}

// Master returns the current master, if any.
func (r *Registry) Master() (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.master == nil {
		return Client{}, false
	}
	return *r.master, true
}

// MatchingSlaves returns the slaves taking part in a cycle for scope, in
// registration order.
func (r *Registry) MatchingSlaves(scope Scope) []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Client, 0, len(r.order))
	for _, id := range r.order {
		c := r.slaves[id]
		if c.Scope.Receives(scope) {
			out = append(out, c)
		}
	}
	return out
}

// Slaves returns every registered slave in registration order.
func (r *Registry) Slaves() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Client, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.slaves[id])
	}
	return out
}

// Counts reports registered masters and slaves.
func (r *Registry) Counts() (masters, slaves int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.master != nil {
		masters = 1
	}
	return masters, len(r.slaves)
}

// Package registry holds the set of known client processes and the
// capability filters and flags the dispatch engine consults.
//
// The registry is not safe for concurrent use; the dispatch engine mutates
// it only from its own loop.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mattjoyce/switchboard/internal/channel"
)

var (
	ErrDuplicateClient   = errors.New("registry: client already registered with different filters")
	ErrInvalidDescriptor = errors.New("registry: invalid client descriptor")
)

// Registry holds registered clients indexed by name.
type Registry struct {
	clients map[string]*Client
	seq     uint64
	now     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		now:     time.Now,
	}
}

// Register adds a client. Registering the same name with an identical
// descriptor returns the existing client and created=false.
func (r *Registry) Register(desc Descriptor) (c *Client, created bool, err error) {
	if err := desc.Validate(); err != nil {
		return nil, false, err
	}
	fp, err := desc.fingerprint()
	if err != nil {
		return nil, false, err
	}

	if existing, ok := r.clients[desc.Name]; ok {
		if existing.Fingerprint == fp {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("%w: %q", ErrDuplicateClient, desc.Name)
	}

	r.seq++
	c = &Client{
		Descriptor:   desc,
		Seq:          r.seq,
		Fingerprint:  fp,
		RegisteredAt: r.now(),
	}
	r.clients[desc.Name] = c
	return c, true, nil
}

// Deregister removes a client. It reports the removed client, if any.
func (r *Registry) Deregister(name string) (*Client, bool) {
	c, ok := r.clients[name]
	if !ok {
		return nil, false
	}
	delete(r.clients, name)
	return c, true
}

// Get retrieves a client by name.
func (r *Registry) Get(name string) (*Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

// All returns every client in registration order.
func (r *Registry) All() []*Client {
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	return len(r.clients)
}

// Candidates returns every client of role whose filter for that role
// matches props, in registration order.
func (r *Registry) Candidates(role Role, props channel.Properties) []*Client {
	var out []*Client
	for _, c := range r.All() {
		if _, ok := channel.BestMatch(c.FiltersFor(role), props); ok {
			out = append(out, c)
		}
	}
	return out
}

// Interested returns every client of role that is a candidate for at least
// one channel of b, in registration order. Observers and approvers are
// selected this way.
func (r *Registry) Interested(role Role, b *channel.Bundle) []*Client {
	seen := make(map[string]bool)
	for _, ch := range b.Channels {
		for _, c := range r.Candidates(role, ch.Properties) {
			seen[c.Name] = true
		}
	}
	var out []*Client
	for _, c := range r.All() {
		if seen[c.Name] {
			out = append(out, c)
		}
	}
	return out
}

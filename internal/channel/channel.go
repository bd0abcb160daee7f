// Package channel defines the channel and bundle value types the dispatch
// engine moves between connections and clients, plus the property-filter
// matching every client capability check is built on.
package channel

import (
	"fmt"
	"maps"
	"sort"
	"strings"
)

// Well-known immutable property names.
const (
	PropChannelType = "ChannelType"
	PropTargetID    = "TargetID"
	PropInitiatorID = "InitiatorID"
	PropRequested   = "Requested"
)

// Properties is a channel's property mapping.
type Properties map[string]any

// Clone returns a shallow copy.
func (p Properties) Clone() Properties {
	if p == nil {
		return Properties{}
	}
	return maps.Clone(p)
}

// String renders properties in key order, for logs.
func (p Properties) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Channel is a single communication stream owned by one connection.
// Properties are fixed at creation.
type Channel struct {
	ID         string     `json:"id"`
	Connection string     `json:"connection"`
	Account    string     `json:"account"`
	Properties Properties `json:"properties"`
}

// Requested reports whether the channel was created on local request.
func (c *Channel) Requested() bool {
	v, _ := c.Properties[PropRequested].(bool)
	return v
}

// Type returns the channel type property, if set.
func (c *Channel) Type() string {
	v, _ := c.Properties[PropChannelType].(string)
	return v
}

// Target returns the target identifier property, if set.
func (c *Channel) Target() string {
	v, _ := c.Properties[PropTargetID].(string)
	return v
}

// Bundle is a non-empty set of channels dispatched together. All members
// share a connection and the same Requested provenance.
type Bundle struct {
	Connection string     `json:"connection"`
	Account    string     `json:"account"`
	Requested  bool       `json:"requested"`
	Channels   []*Channel `json:"channels"`
}

// IDs returns the channel IDs in bundle order.
func (b *Bundle) IDs() []string {
	ids := make([]string, 0, len(b.Channels))
	for _, ch := range b.Channels {
		ids = append(ids, ch.ID)
	}
	return ids
}

// Explode splits an announcement into bundles of shared provenance,
// preserving announcement order within each bundle. Unrequested channels
// come first.
func Explode(connection, account string, chans []*Channel) []*Bundle {
	var unrequested, requested *Bundle
	for _, ch := range chans {
		if ch == nil {
			continue
		}
		if ch.Requested() {
			if requested == nil {
				requested = &Bundle{Connection: connection, Account: account, Requested: true}
			}
			requested.Channels = append(requested.Channels, ch)
			continue
		}
		if unrequested == nil {
			unrequested = &Bundle{Connection: connection, Account: account}
		}
		unrequested.Channels = append(unrequested.Channels, ch)
	}

	var out []*Bundle
	if unrequested != nil {
		out = append(out, unrequested)
	}
	if requested != nil {
		out = append(out, requested)
	}
	return out
}

package registry

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/switchboard/internal/channel"
)

// Role is one of the three pipeline roles a client can take.
type Role string

const (
	RoleObserver Role = "observer"
	RoleApprover Role = "approver"
	RoleHandler  Role = "handler"
)

func (r Role) valid() bool {
	return r == RoleObserver || r == RoleApprover || r == RoleHandler
}

// Roles is a list of roles.
//
// Accepted YAML formats:
//   - sequence: roles: [observer, handler]
//   - scalar:   roles: handler
type Roles []Role

func (rs *Roles) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*rs = nil
		return nil
	}
	switch n.Kind {
	case yaml.ScalarNode:
		*rs = Roles{Role(strings.ToLower(strings.TrimSpace(n.Value)))}
		return nil
	case yaml.SequenceNode:
		out := make(Roles, 0, len(n.Content))
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("roles entries must be strings")
			}
			out = append(out, Role(strings.ToLower(strings.TrimSpace(item.Value))))
		}
		*rs = out
		return nil
	}
	return fmt.Errorf("roles must be a string or a sequence")
}

// Descriptor is everything a client declares about itself when it
// registers: its roles, one filter list per role, and its flags.
type Descriptor struct {
	Name       string                   `yaml:"name" json:"name"`
	Entrypoint string                   `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	Roles      Roles                    `yaml:"roles" json:"roles"`
	Filters    map[Role][]channel.Filter `yaml:"filters,omitempty" json:"filters,omitempty"`

	// Handler flags.
	BypassApproval  bool `yaml:"bypass_approval,omitempty" json:"bypass_approval,omitempty"`
	BypassObservers bool `yaml:"bypass_observers,omitempty" json:"bypass_observers,omitempty"`

	// Observer flags.
	DelayApprovers bool `yaml:"delay_approvers,omitempty" json:"delay_approvers,omitempty"`
	WantsRecovery  bool `yaml:"wants_recovery,omitempty" json:"wants_recovery,omitempty"`
}

// Validate checks the descriptor is well formed.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: client name is empty", ErrInvalidDescriptor)
	}
	if len(d.Roles) == 0 {
		return fmt.Errorf("%w: client %q declares no roles", ErrInvalidDescriptor, d.Name)
	}
	for _, r := range d.Roles {
		if !r.valid() {
			return fmt.Errorf("%w: client %q has unknown role %q", ErrInvalidDescriptor, d.Name, r)
		}
	}
	for r, fs := range d.Filters {
		if !slices.Contains(d.Roles, r) {
			return fmt.Errorf("%w: client %q has filters for undeclared role %q", ErrInvalidDescriptor, d.Name, r)
		}
		for i, f := range fs {
			for k := range f {
				if strings.TrimSpace(k) == "" {
					return fmt.Errorf("%w: client %q %s filter[%d] has an empty property name", ErrInvalidDescriptor, d.Name, r, i)
				}
			}
		}
	}
	return nil
}

// fingerprint is a BLAKE3 digest of everything but the name, so that
// re-registering an identical descriptor is recognised as a no-op.
func (d Descriptor) fingerprint() (string, error) {
	canon := d
	canon.Name = ""
	canon.Roles = slices.Clone(d.Roles)
	slices.Sort(canon.Roles)
	canon.Roles = slices.Compact(canon.Roles)

	data, err := json.Marshal(canon)
	if err != nil {
		return "", fmt.Errorf("encode descriptor: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Client is a registered client process.
type Client struct {
	Descriptor

	// Seq is the registration order. A client that vanishes and registers
	// again gets a fresh Seq.
	Seq          uint64
	Fingerprint  string
	RegisteredAt time.Time
}

// Has reports whether the client takes role r.
func (c *Client) Has(r Role) bool {
	return slices.Contains(c.Roles, r)
}

// FiltersFor returns the client's filters for role r, or nil if it does not
// take that role.
func (c *Client) FiltersFor(r Role) []channel.Filter {
	if !c.Has(r) {
		return nil
	}
	return c.Filters[r]
}

// MatchesAny reports whether any channel in b matches one of the client's
// filters for role r.
func (c *Client) MatchesAny(r Role, b *channel.Bundle) bool {
	fs := c.FiltersFor(r)
	for _, ch := range b.Channels {
		if _, ok := channel.BestMatch(fs, ch.Properties); ok {
			return true
		}
	}
	return false
}

// MatchesAll reports whether every channel in b matches one of the client's
// filters for role r, and returns the summed specificity of the best
// matches.
func (c *Client) MatchesAll(r Role, b *channel.Bundle) (int, bool) {
	fs := c.FiltersFor(r)
	if len(fs) == 0 || len(b.Channels) == 0 {
		return 0, false
	}
	total := 0
	for _, ch := range b.Channels {
		spec, ok := channel.BestMatch(fs, ch.Properties)
		if !ok {
			return 0, false
		}
		total += spec
	}
	return total, true
}

package registry

import (
	"slices"
	"sort"

	"github.com/mattjoyce/switchboard/internal/channel"
)

type rankedHandler struct {
	client      *Client
	specificity int
}

// Rank orders the handlers able to take every channel of b:
//
//  1. bypass-approval handlers, in registration order;
//  2. handlers named in preferred (first mention first), if they match;
//  3. the rest, most specific filter first, ties by registration order.
func Rank(r *Registry, b *channel.Bundle, preferred []string) []*Client {
	var bypass, rest []rankedHandler
	for _, c := range r.All() {
		spec, ok := c.MatchesAll(RoleHandler, b)
		if !ok {
			continue
		}
		h := rankedHandler{client: c, specificity: spec}
		if c.BypassApproval {
			bypass = append(bypass, h)
		} else {
			rest = append(rest, h)
		}
	}

	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].specificity != rest[j].specificity {
			return rest[i].specificity > rest[j].specificity
		}
		return rest[i].client.Seq < rest[j].client.Seq
	})

	out := make([]*Client, 0, len(bypass)+len(rest))
	for _, h := range bypass {
		out = append(out, h.client)
	}

	var promoted []*Client
	for _, name := range preferred {
		idx := slices.IndexFunc(rest, func(h rankedHandler) bool { return h.client.Name == name })
		if idx < 0 {
			continue
		}
		promoted = append(promoted, rest[idx].client)
		rest = slices.Delete(rest, idx, idx+1)
	}
	out = append(out, promoted...)
	for _, h := range rest {
		out = append(out, h.client)
	}
	return out
}

// Names returns the client names of cs in order.
func Names(cs []*Client) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Name)
	}
	return out
}

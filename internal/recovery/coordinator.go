// Package recovery keeps dispatched channels alive across client crashes
// and restarts.
//
// When a handler vanishes, each channel it was handling is reassigned to the
// best remaining handler whose filter matches, or closed when there is none.
// When an observer that asked for recovery registers again, every handled
// channel matching its observer filters is re-presented to it with the
// recovering flag set. Neither path creates a dispatch operation.
package recovery

import (
	"cmp"
	"log/slog"
	"slices"

	"github.com/hashicorp/go-metrics"

	"github.com/mattjoyce/switchboard/internal/channel"
	"github.com/mattjoyce/switchboard/internal/dispatch"
	"github.com/mattjoyce/switchboard/internal/log"
	"github.com/mattjoyce/switchboard/internal/registry"
)

var (
	MetricReassigned = []string{"switchboard", "recovery", "reassigned", "count"}
	MetricClosed     = []string{"switchboard", "recovery", "closed", "count"}
)

// Coordinator is a dispatch.LifecycleHook.
type Coordinator struct {
	logger *slog.Logger
	msink  metrics.MetricSink
}

var _ dispatch.LifecycleHook = (*Coordinator)(nil)

func New(sink metrics.MetricSink) *Coordinator {
	if sink == nil {
		sink = metrics.Default()
	}
	return &Coordinator{
		logger: log.WithComponent("recovery"),
		msink:  sink,
	}
}

// ClientRegistered re-presents handled channels to a recovering observer.
func (c *Coordinator) ClientRegistered(v dispatch.View, client *registry.Client) {
	if !client.Has(registry.RoleObserver) || !client.WantsRecovery {
		return
	}
	var matched []*channel.Channel
	for _, hc := range v.Handled() {
		b := &channel.Bundle{Channels: []*channel.Channel{hc.Channel}}
		if client.MatchesAny(registry.RoleObserver, b) {
			matched = append(matched, hc.Channel)
		}
	}
	if len(matched) == 0 {
		c.logger.Debug("nothing to recover for observer", "client", client.Name)
		return
	}
	bundles := group(matched)
	c.logger.Info("recovering observer", "client", client.Name, "channels", len(matched), "bundles", len(bundles))
	for _, b := range bundles {
		v.ObserveRecovering(client.Name, b)
	}
}

// ClientVanished moves the vanished handler's channels to a surviving
// handler, closing the ones nobody else can take.
func (c *Coordinator) ClientVanished(v dispatch.View, client *registry.Client) {
	if !client.Has(registry.RoleHandler) {
		return
	}
	for _, hc := range v.Handled() {
		if hc.Handler != client.Name {
			continue
		}
		logger := c.logger.With("channel", hc.Channel.ID, "from", client.Name)
		b := &channel.Bundle{
			Connection: hc.Channel.Connection,
			Account:    hc.Channel.Account,
			Requested:  hc.Channel.Requested(),
			Channels:   []*channel.Channel{hc.Channel},
		}
		candidates := registry.Rank(v.Registry(), b, nil)
		if len(candidates) > 0 {
			to := candidates[0].Name
			if err := v.Reassign(hc.Channel.ID, to); err != nil {
				logger.Warn("reassign failed", "to", to, "error", err)
				continue
			}
			c.msink.IncrCounterWithLabels(MetricReassigned, 1, []metrics.Label{{Name: "handler", Value: to}})
			continue
		}
		logger.Info("no surviving handler, closing channel")
		if err := v.CloseChannel(hc.Channel.ID); err != nil {
			logger.Warn("close failed", "error", err)
			continue
		}
		c.msink.IncrCounter(MetricClosed, 1)
	}
}

// group splits channels into bundles sharing connection and provenance,
// ordered by connection then first channel ID.
func group(chans []*channel.Channel) []*channel.Bundle {
	type key struct {
		conn      string
		requested bool
	}
	byKey := make(map[key]*channel.Bundle)
	var out []*channel.Bundle
	for _, ch := range chans {
		k := key{conn: ch.Connection, requested: ch.Requested()}
		b, ok := byKey[k]
		if !ok {
			b = &channel.Bundle{Connection: ch.Connection, Account: ch.Account, Requested: k.requested}
			byKey[k] = b
			out = append(out, b)
		}
		b.Channels = append(b.Channels, ch)
	}
	slices.SortStableFunc(out, func(a, b *channel.Bundle) int {
		if c := cmp.Compare(a.Connection, b.Connection); c != 0 {
			return c
		}
		return cmp.Compare(a.Channels[0].ID, b.Channels[0].ID)
	})
	return out
}

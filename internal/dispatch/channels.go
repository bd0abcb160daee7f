package dispatch

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/mattjoyce/switchboard/internal/channel"
	"github.com/mattjoyce/switchboard/internal/registry"
)

// channelRecord tracks a channel from announcement until it closes. While
// dispatch is running op is set; afterwards handler names the client
// holding it.
type channelRecord struct {
	ch      *channel.Channel
	op      string
	handler string
}

// ChannelLostEvent is the payload of dispatch.channel_lost.
type ChannelLostEvent struct {
	Operation    string `json:"dispatch_operation"`
	Channel      string `json:"channel"`
	ErrorName    string `json:"error"`
	ErrorMessage string `json:"message"`
}

// ReassignedEvent is the payload of channel.reassigned.
type ReassignedEvent struct {
	Channel string `json:"channel"`
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
}

// LifecycleHook is told about client registrations and disappearances.
// Hooks run on the engine loop and must not block; work is done through v.
type LifecycleHook interface {
	ClientRegistered(v View, c *registry.Client)
	ClientVanished(v View, c *registry.Client)
}

// View exposes handled channels to lifecycle hooks. It is only valid for
// the duration of the hook call.
type View interface {
	// Registry is the live client registry. Hooks must not mutate it.
	Registry() *registry.Registry
	// Handled returns every dispatched channel with a current handler.
	Handled() []HandledChannel
	// Reassign makes handler the current handler of a dispatched channel.
	Reassign(channelID, handler string) error
	// CloseChannel asks the owning connection to close the channel.
	CloseChannel(channelID string) error
	// ObserveRecovering presents an already dispatched bundle to an
	// observer with recovering set.
	ObserveRecovering(observer string, b *channel.Bundle)
}

// HandledChannel pairs a dispatched channel with its current handler.
type HandledChannel struct {
	Channel *channel.Channel `json:"channel"`
	Handler string           `json:"handler"`
}

func (e *Engine) announce(connection string, chans []*channel.Channel) ([]string, error) {
	if _, ok := e.conns.Connection(connection); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connection)
	}
	fresh := make([]*channel.Channel, 0, len(chans))
	for _, ch := range chans {
		if ch == nil || ch.ID == "" {
			return nil, fmt.Errorf("%w: channel without an ID", ErrInvalidAnnouncement)
		}
		if ch.Connection != "" && ch.Connection != connection {
			return nil, fmt.Errorf("%w: channel %s belongs to %s", ErrInvalidAnnouncement, ch.ID, ch.Connection)
		}
		if _, known := e.channels[ch.ID]; known {
			e.logger.Debug("ignoring announcement of known channel", "channel", ch.ID)
			continue
		}
		ch.Connection = connection
		fresh = append(fresh, ch)
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	account := fresh[0].Account
	var ids []string
	for _, b := range channel.Explode(connection, account, fresh) {
		op := e.startOperation(b, nil, false)
		ids = append(ids, op.ID)
	}
	return ids, nil
}

func (e *Engine) channelClosed(id string) {
	rec, ok := e.channels[id]
	if !ok {
		e.logger.Debug("close of unknown channel", "channel", id)
		return
	}
	delete(e.channels, id)
	op, live := e.ops[rec.op]
	if !live {
		e.logger.Info("channel closed", "channel", id, "handler", rec.handler)
		return
	}
	if !op.removeChannel(id) {
		return
	}

	e.opLogger(op).Info("channel lost during dispatch", "channel", id, "state", op.State)
	e.publish("dispatch.channel_lost", ChannelLostEvent{
		Operation:    op.ID,
		Channel:      id,
		ErrorName:    ErrorNameTerminated,
		ErrorMessage: "channel closed before dispatch finished",
	})
	for _, r := range e.satisfiedRequests(op) {
		if ch := op.requestChannel[r.ID]; ch != nil && ch.ID == id {
			e.failRequest(r, ErrorNameTerminated, "channel closed before it was handled")
		}
	}

	if len(op.Bundle.Channels) == 0 && op.State != StateHandling {
		op.notifyWaiters(ErrChannelLost)
		e.finish(op, OutcomeLost)
	}
}

func (e *Engine) registerClient(desc registry.Descriptor) (*registry.Client, error) {
	c, created, err := e.reg.Register(desc)
	if err != nil {
		return nil, err
	}
	if !created {
		return c, nil
	}
	e.logger.Info("client registered", "client", c.Name, "roles", c.Roles, "seq", c.Seq)
	if c.Has(registry.RoleHandler) {
		for _, op := range e.sortedOps() {
			if op.State != StateHandling {
				e.rerank(op)
			}
		}
	}
	for _, h := range e.hooks {
		h.ClientRegistered(loopView{e}, c)
	}
	e.publish("client.registered", c.Descriptor)
	return c, nil
}

func (e *Engine) clientVanished(name string) (*registry.Client, error) {
	c, ok := e.reg.Deregister(name)
	if !ok {
		e.logger.Info("vanished client was not registered", "client", name)
		return nil, nil
	}
	e.logger.Info("client vanished", "client", name, "seq", c.Seq)
	for _, op := range e.sortedOps() {
		op.dropCandidate(name)
	}
	for _, h := range e.hooks {
		h.ClientVanished(loopView{e}, c)
	}
	e.publish("client.vanished", c.Descriptor)
	return c, nil
}

func (e *Engine) sortedOps() []*Operation {
	out := make([]*Operation, 0, len(e.ops))
	for _, op := range e.ops {
		out = append(out, op)
	}
	slices.SortFunc(out, func(a, b *Operation) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// loopView implements View on top of the engine loop's state.
type loopView struct {
	e *Engine
}

func (v loopView) Registry() *registry.Registry {
	return v.e.reg
}

func (v loopView) Handled() []HandledChannel {
	e := v.e
	var out []HandledChannel
	for _, rec := range e.channels {
		if rec.op == "" && rec.handler != "" {
			out = append(out, HandledChannel{Channel: rec.ch, Handler: rec.handler})
		}
	}
	slices.SortFunc(out, func(a, b HandledChannel) int {
		return cmp.Compare(a.Channel.ID, b.Channel.ID)
	})
	return out
}

func (v loopView) Reassign(channelID, handler string) error {
	e := v.e
	rec, ok := e.channels[channelID]
	if !ok || rec.op != "" {
		return fmt.Errorf("%w: channel %s is not dispatched", ErrNotFound, channelID)
	}
	c, ok := e.reg.Get(handler)
	if !ok || !c.Has(registry.RoleHandler) {
		return fmt.Errorf("%w: %s", ErrUnknownHandler, handler)
	}
	from := rec.handler
	rec.handler = handler
	e.logger.Info("channel reassigned", "channel", channelID, "from", from, "to", handler)
	e.publish("channel.reassigned", ReassignedEvent{Channel: channelID, From: from, To: handler})
	return nil
}

func (v loopView) CloseChannel(channelID string) error {
	e := v.e
	rec, ok := e.channels[channelID]
	if !ok {
		return fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
	}
	conn, ok := e.conns.Connection(rec.ch.Connection)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, rec.ch.Connection)
	}
	rec.handler = ""
	e.call("CloseChannel", rec.ch.Connection, e.opts.ConnectionTimeout,
		func(ctx context.Context) error { return conn.CloseChannel(ctx, channelID) },
		func(err error) {
			if err != nil {
				e.logger.Warn("failed to close channel", "channel", channelID, "error", err)
				return
			}
			e.channelClosed(channelID)
		},
	)
	return nil
}

func (v loopView) ObserveRecovering(observer string, b *channel.Bundle) {
	e := v.e
	call := ObserveCall{
		Account:    b.Account,
		Connection: b.Connection,
		Channels:   b.Channels,
		Recovering: true,
	}
	e.msink.IncrCounter(MetricRecoveryObserve, 1)
	e.logger.Info("re-presenting channels to recovering observer", "client", observer, "channels", b.IDs())
	e.call("ObserveChannels", observer, e.opts.ObserveTimeout,
		func(ctx context.Context) error { return e.caller.ObserveChannels(ctx, observer, call) },
		func(err error) {
			if err != nil {
				e.logger.Warn("recovering observer failed", "client", observer, "error", err)
			}
		},
	)
}

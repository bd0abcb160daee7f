package dispatch

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/mattjoyce/switchboard/internal/channel"
	"github.com/mattjoyce/switchboard/internal/registry"
	"github.com/mattjoyce/switchboard/internal/request"
)

// AnnounceChannels reports new channels on connection. Channels are split
// into bundles by provenance and each bundle gets its own dispatch
// operation. Already known channels are ignored. It returns the IDs of the
// operations started.
func (e *Engine) AnnounceChannels(connection string, chans []*channel.Channel) ([]string, error) {
	return query(e, func() ([]string, error) {
		return e.announce(connection, chans)
	})
}

// ChannelClosed reports that a channel has gone away.
func (e *Engine) ChannelClosed(id string) error {
	return e.exec(func() { e.channelClosed(id) })
}

// RegisterClient adds a client to the registry. Registering the same
// descriptor again is a no-op.
func (e *Engine) RegisterClient(desc registry.Descriptor) (registry.Descriptor, error) {
	return query(e, func() (registry.Descriptor, error) {
		c, err := e.registerClient(desc)
		if err != nil {
			return registry.Descriptor{}, err
		}
		return c.Descriptor, nil
	})
}

// ClientVanished removes a client whose process has gone away. Unknown
// names are ignored.
func (e *Engine) ClientVanished(name string) error {
	_, err := query(e, func() (struct{}, error) {
		_, err := e.clientVanished(name)
		return struct{}{}, err
	})
	return err
}

// ClientInfo describes a registered client.
type ClientInfo struct {
	registry.Descriptor
	Seq         uint64 `json:"seq"`
	Fingerprint string `json:"fingerprint"`
}

// Clients lists registered clients in registration order.
func (e *Engine) Clients() ([]ClientInfo, error) {
	return query(e, func() ([]ClientInfo, error) {
		all := e.reg.All()
		out := make([]ClientInfo, 0, len(all))
		for _, c := range all {
			out = append(out, ClientInfo{Descriptor: c.Descriptor, Seq: c.Seq, Fingerprint: c.Fingerprint})
		}
		return out, nil
	})
}

// Operations lists live dispatch operations, oldest first.
func (e *Engine) Operations() ([]OperationView, error) {
	return query(e, func() ([]OperationView, error) {
		ops := e.sortedOps()
		out := make([]OperationView, 0, len(ops))
		for _, op := range ops {
			out = append(out, op.view())
		}
		return out, nil
	})
}

// Operation returns a live dispatch operation.
func (e *Engine) Operation(id string) (OperationView, error) {
	return query(e, func() (OperationView, error) {
		op, ok := e.ops[id]
		if !ok {
			if _, done := e.finished[id]; done {
				return OperationView{}, fmt.Errorf("%w: %s", ErrAlreadyFinished, id)
			}
			return OperationView{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return op.view(), nil
	})
}

// chooseable returns op when a handler may still be chosen for it.
func (e *Engine) chooseable(id string) (*Operation, error) {
	op, ok := e.ops[id]
	if !ok {
		f, done := e.finished[id]
		switch {
		case done && f.outcome == OutcomeClaimed:
			return nil, fmt.Errorf("%w: %s", ErrAlreadyClaimed, id)
		case done:
			return nil, fmt.Errorf("%w: %s", ErrAlreadyFinished, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch op.State {
	case StateObserving:
		return nil, fmt.Errorf("%w: %s", ErrNotReady, id)
	case StateHandling:
		return nil, fmt.Errorf("%w: %s is being handled by %s", ErrAlreadyHandling, id, op.Handler)
	}
	return op, nil
}

// HandleWith chooses the handler for an operation awaiting approval. An
// empty handler means the first remaining candidate. It returns once the
// handler's HandleChannels call has returned; if the handler fails the
// operation keeps falling back to other candidates.
func (e *Engine) HandleWith(ctx context.Context, id, handler string) error {
	wait := make(chan error, 1)
	_, err := query(e, func() (struct{}, error) {
		op, err := e.chooseable(id)
		if err != nil {
			return struct{}{}, err
		}
		var h *registry.Client
		if handler == "" {
			if h = op.nextCandidate(); h == nil {
				e.exhaust(op)
				return struct{}{}, ErrNoHandler
			}
		} else {
			c, ok := e.reg.Get(handler)
			if !ok || !c.Has(registry.RoleHandler) {
				return struct{}{}, fmt.Errorf("%w: %s", ErrUnknownHandler, handler)
			}
			if op.hasFailed(handler) {
				return struct{}{}, fmt.Errorf("%w: %s already failed for %s", ErrUnknownHandler, handler, id)
			}
			h = c
		}
		e.opLogger(op).Info("handler chosen", "client", h.Name)
		op.waiters = append(op.waiters, wait)
		op.viaBypass = false
		e.handle(op, h)
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrShutdown
	}
}

// Claim takes the operation's channels for claimant, which must be a
// registered client. Satisfied requests succeed and the operation ends.
func (e *Engine) Claim(ctx context.Context, id, claimant string) error {
	_, err := query(e, func() (struct{}, error) {
		op, err := e.chooseable(id)
		if err != nil {
			return struct{}{}, err
		}
		if _, ok := e.reg.Get(claimant); !ok {
			return struct{}{}, fmt.Errorf("%w: %s", ErrUnknownClient, claimant)
		}
		op.Claimant = claimant
		op.Handler = claimant
		for _, ch := range op.Bundle.Channels {
			if rec, ok := e.channels[ch.ID]; ok {
				rec.handler = claimant
			}
		}
		e.opLogger(op).Info("dispatch operation claimed", "client", claimant)
		e.succeedRequests(op)
		e.finish(op, OutcomeClaimed)
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}
	return ctx.Err()
}

// SubmitRequest records a channel request. Nothing is created until
// ProceedRequest.
func (e *Engine) SubmitRequest(p request.SubmitParams) (RequestView, error) {
	return query(e, func() (RequestView, error) {
		if _, ok := e.conns.Connection(p.Connection); !ok {
			return RequestView{}, fmt.Errorf("%w: %s", ErrUnknownConnection, p.Connection)
		}
		r, err := e.reqs.Submit(p)
		if err != nil {
			return RequestView{}, err
		}
		reqLogger(r).Info("request submitted",
			"requester", r.Requester,
			"preferred_handler", r.PreferredHandler,
			"ensure", r.Ensure,
		)
		v := requestView(r)
		e.publish("request.created", v)
		return v, nil
	})
}

// ProceedRequest lets a pending request contact its connection. Calling it
// twice, or as anyone but the requester, fails with request.ErrNotYours.
func (e *Engine) ProceedRequest(id, caller string) (RequestView, error) {
	return query(e, func() (RequestView, error) {
		r, err := e.reqs.Proceed(id, caller)
		if err != nil {
			return RequestView{}, err
		}
		e.proceed(r)
		return requestView(r), nil
	})
}

// CancelRequest cancels a request that has not yet succeeded.
func (e *Engine) CancelRequest(id, caller string) (RequestView, error) {
	return query(e, func() (RequestView, error) {
		r, prev, err := e.reqs.Cancel(id, caller)
		if err != nil {
			return RequestView{}, err
		}
		e.cancel(r, prev)
		return requestView(r), nil
	})
}

// Request returns a tracked request.
func (e *Engine) Request(id string) (RequestView, error) {
	return query(e, func() (RequestView, error) {
		r, ok := e.reqs.Get(id)
		if !ok {
			return RequestView{}, fmt.Errorf("%w: %s", request.ErrNotFound, id)
		}
		return requestView(r), nil
	})
}

// Requests lists tracked requests, oldest first.
func (e *Engine) Requests() ([]RequestView, error) {
	return query(e, func() ([]RequestView, error) {
		all := e.reqs.All()
		slices.SortFunc(all, func(a, b *request.Request) int {
			if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})
		out := make([]RequestView, 0, len(all))
		for _, r := range all {
			out = append(out, requestView(r))
		}
		return out, nil
	})
}

// ChannelInfo describes a tracked channel.
type ChannelInfo struct {
	Channel   *channel.Channel `json:"channel"`
	Operation string           `json:"dispatch_operation,omitempty"`
	Handler   string           `json:"handler,omitempty"`
}

// Channels lists every channel the engine is tracking.
func (e *Engine) Channels() ([]ChannelInfo, error) {
	return query(e, func() ([]ChannelInfo, error) {
		out := make([]ChannelInfo, 0, len(e.channels))
		for _, rec := range e.channels {
			out = append(out, ChannelInfo{Channel: rec.ch, Operation: rec.op, Handler: rec.handler})
		}
		slices.SortFunc(out, func(a, b ChannelInfo) int {
			return cmp.Compare(a.Channel.ID, b.Channel.ID)
		})
		return out, nil
	})
}

// CloseChannel asks the owning connection to close a tracked channel. The
// engine forgets it once the connection confirms.
func (e *Engine) CloseChannel(id string) error {
	_, err := query(e, func() (struct{}, error) {
		return struct{}{}, loopView{e}.CloseChannel(id)
	})
	return err
}

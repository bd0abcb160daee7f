package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/mattjoyce/switchboard/internal/channel"
	"github.com/mattjoyce/switchboard/internal/log"
	"github.com/mattjoyce/switchboard/internal/registry"
	"github.com/mattjoyce/switchboard/internal/request"
)

// RequestView is the published, read-only form of a channel request.
type RequestView struct {
	ID               string             `json:"id"`
	Account          string             `json:"account"`
	Connection       string             `json:"connection"`
	Requester        string             `json:"requester,omitempty"`
	Requests         channel.Properties `json:"requests"`
	UserActionTime   time.Time          `json:"user_action_time"`
	PreferredHandler string             `json:"preferred_handler,omitempty"`
	Ensure           bool               `json:"ensure"`
	State            request.State      `json:"state"`
	Operation        string             `json:"dispatch_operation,omitempty"`
	Channel          *channel.Channel   `json:"channel,omitempty"`
	Error            string             `json:"error,omitempty"`
	ErrorMessage     string             `json:"error_message,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
}

func requestView(r *request.Request) RequestView {
	return RequestView{
		ID:               r.ID,
		Account:          r.Account,
		Connection:       r.Connection,
		Requester:        r.Requester,
		Requests:         r.Properties.Clone(),
		UserActionTime:   r.UserActionTime,
		PreferredHandler: r.PreferredHandler,
		Ensure:           r.Ensure,
		State:            r.State,
		Operation:        r.Operation,
		Channel:          r.Channel,
		Error:            r.ErrorName,
		ErrorMessage:     r.ErrorMessage,
		CreatedAt:        r.CreatedAt,
		CompletedAt:      r.CompletedAt,
	}
}

func reqLogger(r *request.Request) *slog.Logger {
	return log.WithRequest(r.ID).With("component", "dispatch", "connection", r.Connection)
}

// preferredHandlerOf returns the request's preferred handler when it is a
// registered handler.
func (e *Engine) preferredHandlerOf(r *request.Request) (*registry.Client, bool) {
	if r.PreferredHandler == "" {
		return nil, false
	}
	c, ok := e.reg.Get(r.PreferredHandler)
	if !ok || !c.Has(registry.RoleHandler) {
		return nil, false
	}
	return c, true
}

// proceed starts channel creation for an in-flight request.
func (e *Engine) proceed(r *request.Request) {
	logger := reqLogger(r)
	conn, ok := e.conns.Connection(r.Connection)
	if !ok {
		e.failRequest(r, request.ErrorNameDisconnected, fmt.Sprintf("connection %q is gone", r.Connection))
		return
	}

	if h, ok := e.preferredHandlerOf(r); ok {
		name := h.Name
		call := AddRequestCall{
			Request:          r.ID,
			Account:          r.Account,
			Properties:       r.Properties.Clone(),
			PreferredHandler: r.PreferredHandler,
			UserActionTime:   r.UserActionTime,
		}
		e.call("AddRequest", name, e.opts.HandleTimeout,
			func(ctx context.Context) error { return e.caller.AddRequest(ctx, name, call) },
			func(err error) {
				if err != nil {
					logger.Warn("AddRequest failed", "client", name, "error", err)
				}
			},
		)
	}

	id := r.ID
	props := r.Properties.Clone()
	var (
		yours = true
		ch    *channel.Channel
	)
	method := "CreateChannel"
	fn := func(ctx context.Context) error {
		var err error
		ch, err = conn.CreateChannel(ctx, props)
		return err
	}
	if r.Ensure {
		method = "EnsureChannel"
		fn = func(ctx context.Context) error {
			var err error
			yours, ch, err = conn.EnsureChannel(ctx, props)
			return err
		}
	}
	logger.Info("requesting channel", "method", method, "properties", props.String())
	e.call(method, r.Connection, e.opts.ConnectionTimeout, fn,
		func(err error) { e.creationReturned(id, yours, ch, err) },
	)
}

func (e *Engine) creationReturned(id string, yours bool, ch *channel.Channel, err error) {
	r, ok := e.reqs.Get(id)
	if !ok {
		return
	}
	logger := reqLogger(r)

	if r.State == request.StateCancelled {
		if err == nil && ch != nil && yours {
			logger.Info("request cancelled while in flight, destroying channel", "channel", ch.ID)
			e.destroyOrphan(r.Connection, ch.ID)
		}
		return
	}
	if r.State.Terminal() {
		return
	}
	if err != nil {
		e.failRequest(r, request.ErrorNameNotAvailable, err.Error())
		return
	}
	if ch == nil {
		e.failRequest(r, request.ErrorNameNotAvailable, "connection returned no channel")
		return
	}
	if ch.Connection == "" {
		ch.Connection = r.Connection
	}
	if ch.Account == "" {
		ch.Account = r.Account
	}

	if rec, known := e.channels[ch.ID]; known {
		if op, live := e.ops[rec.op]; live {
			e.coalesce(op, r, rec.ch, yours)
			return
		}
		if rec.handler != "" {
			e.reinvoke(rec, r)
			return
		}
	}

	// A channel we never saw, or one whose dispatch ended without a
	// handler. Ensuring an existing channel counts as approval.
	b := &channel.Bundle{
		Connection: ch.Connection,
		Account:    ch.Account,
		Requested:  ch.Requested(),
		Channels:   []*channel.Channel{ch},
	}
	e.startOperation(b, map[string]*channel.Channel{r.ID: ch}, !yours)
}

// coalesce attaches r to op, which already carries r's channel. A request
// joining an operation in Handling shares the outcome of the call already
// in flight.
func (e *Engine) coalesce(op *Operation, r *request.Request, ch *channel.Channel, yours bool) {
	reqLogger(r).Info("coalescing request into live dispatch operation",
		"dispatch_operation", op.ID,
		"state", op.State,
		"handler", op.Handler,
	)
	op.SatisfiedRequests = append(op.SatisfiedRequests, r.ID)
	op.requestChannel[r.ID] = ch
	e.reqs.Attach(r.ID, op.ID)
	if !yours {
		op.approved = true
	}
	if op.State == StateHandling {
		return
	}
	e.rerank(op)
	if op.approved && op.State == StateAwaitingHandlerChoice {
		e.handleNext(op)
	}
}

// reinvoke hands an already dispatched channel to its current handler on
// behalf of a new request.
func (e *Engine) reinvoke(rec *channelRecord, r *request.Request) {
	h, ok := e.reg.Get(rec.handler)
	if !ok || !h.Has(registry.RoleHandler) {
		reqLogger(r).Info("handler of existing channel is gone, dispatching again", "channel", rec.ch.ID, "client", rec.handler)
		rec.handler = ""
		b := &channel.Bundle{
			Connection: rec.ch.Connection,
			Account:    rec.ch.Account,
			Requested:  rec.ch.Requested(),
			Channels:   []*channel.Channel{rec.ch},
		}
		e.startOperation(b, map[string]*channel.Channel{r.ID: rec.ch}, true)
		return
	}
	reqLogger(r).Info("channel already handled, re-invoking handler", "channel", rec.ch.ID, "client", h.Name)
	e.handleRequestWith(h.Name, r, rec.ch)
}

// handleRequestWith calls HandleChannels on handler for a single request
// and settles the request on return.
func (e *Engine) handleRequestWith(handler string, r *request.Request, ch *channel.Channel) {
	id := r.ID
	call := HandleCall{
		Account:           ch.Account,
		Connection:        ch.Connection,
		Channels:          []*channel.Channel{ch},
		SatisfiedRequests: []string{id},
		UserActionTime:    r.UserActionTime,
		Hints:             r.Hints,
	}
	e.call("HandleChannels", handler, e.opts.HandleTimeout,
		func(ctx context.Context) error { return e.caller.HandleChannels(ctx, handler, call) },
		func(err error) {
			r, ok := e.reqs.Get(id)
			if !ok || r.State.Terminal() {
				return
			}
			if err != nil {
				e.msink.IncrCounterWithLabels(MetricHandlerFailed, 1, []metrics.Label{LabelClient.M(handler)})
				e.failRequest(r, request.ErrorNameNotAvailable, fmt.Sprintf("handler %s failed: %v", handler, err))
				return
			}
			if rec, ok := e.channels[ch.ID]; ok && rec.op == "" {
				rec.handler = handler
			}
			e.succeedRequest(r, ch)
		},
	)
}

func (e *Engine) destroyOrphan(connection, channelID string) {
	delete(e.channels, channelID)
	conn, ok := e.conns.Connection(connection)
	if !ok {
		return
	}
	e.call("DestroyChannel", connection, e.opts.ConnectionTimeout,
		func(ctx context.Context) error { return conn.DestroyChannel(ctx, channelID) },
		func(err error) {
			if err != nil {
				e.logger.Warn("failed to destroy channel", "channel", channelID, "error", err)
			}
		},
	)
}

func (e *Engine) succeedRequest(r *request.Request, ch *channel.Channel) {
	if _, err := e.reqs.Succeed(r.ID, ch); err != nil {
		reqLogger(r).Debug("request not succeeded", "error", err)
		return
	}
	reqLogger(r).Info("request succeeded", "channel", ch.ID)
	e.settled(r, "request.succeeded")
}

// failRequest fails r and tells its preferred handler the request is gone.
func (e *Engine) failRequest(r *request.Request, errName, msg string) {
	prev := r.State
	if _, err := e.reqs.Fail(r.ID, errName, msg); err != nil {
		reqLogger(r).Debug("request not failed", "error", err)
		return
	}
	e.detach(r)
	reqLogger(r).Warn("request failed", "error_name", errName, "message", msg)
	if prev == request.StateInFlight {
		e.removeRequest(r, errName)
	}
	e.settled(r, "request.failed")
}

func (e *Engine) settled(r *request.Request, eventType string) {
	e.msink.IncrCounterWithLabels(MetricRequestTerminal, 1, []metrics.Label{LabelState.M(string(r.State))})
	e.publish(eventType, requestView(r))
	e.recordRequest(r)
}

// detach removes r from the dispatch operation it was attached to.
func (e *Engine) detach(r *request.Request) *Operation {
	op, ok := e.ops[r.Operation]
	if !ok {
		return nil
	}
	op.detachRequest(r.ID)
	return op
}

func (e *Engine) removeRequest(r *request.Request, errName string) {
	h, ok := e.preferredHandlerOf(r)
	if !ok {
		return
	}
	name, id := h.Name, r.ID
	e.call("RemoveRequest", name, e.opts.HandleTimeout,
		func(ctx context.Context) error { return e.caller.RemoveRequest(ctx, name, id, errName) },
		func(err error) {
			if err != nil {
				e.logger.Warn("RemoveRequest failed", "client", name, "request_id", id, "error", err)
			}
		},
	)
}

// cancel handles a cancelled request. An operation left with no requests
// for channels that were only created on its behalf is torn down.
func (e *Engine) cancel(r *request.Request, prev request.State) {
	reqLogger(r).Info("request cancelled", "previous_state", prev)
	if op := e.detach(r); op != nil {
		if len(op.SatisfiedRequests) == 0 && op.Bundle.Requested && op.State != StateHandling {
			e.opLogger(op).Info("last request cancelled, destroying channels")
			e.destroyChannels(op)
			op.notifyWaiters(fmt.Errorf("%w: request cancelled", ErrChannelLost))
			e.finish(op, OutcomeCancelled)
		}
	}
	if prev == request.StateInFlight {
		e.removeRequest(r, request.ErrorNameCancelled)
	}
	e.settled(r, "request.cancelled")
}

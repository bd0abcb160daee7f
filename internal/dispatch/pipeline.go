package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/hashicorp/go-metrics"

	"github.com/mattjoyce/switchboard/internal/channel"
	"github.com/mattjoyce/switchboard/internal/log"
	"github.com/mattjoyce/switchboard/internal/registry"
	"github.com/mattjoyce/switchboard/internal/request"
)

// startOperation creates a dispatch operation for b and starts its
// pipeline. satisfied maps request IDs to the channel each asked for.
// Observers still see an approved operation; only approvers are skipped.
func (e *Engine) startOperation(b *channel.Bundle, satisfied map[string]*channel.Channel, approved bool) *Operation {
	op := &Operation{
		ID:             e.newID(),
		Bundle:         b,
		State:          StateObserving,
		CreatedAt:      e.now(),
		requestChannel: make(map[string]*channel.Channel),
		approved:       approved,
	}
	for _, ch := range b.Channels {
		e.channels[ch.ID] = &channelRecord{ch: ch, op: op.ID}
	}
	for _, id := range slices.Sorted(maps.Keys(satisfied)) {
		op.SatisfiedRequests = append(op.SatisfiedRequests, id)
		op.requestChannel[id] = satisfied[id]
		e.reqs.Attach(id, op.ID)
	}
	op.PossibleHandlers = registry.Rank(e.reg, b, e.preferredHandlers(op))
	e.ops[op.ID] = op

	e.opLogger(op).Info("dispatch operation started",
		"channels", b.IDs(),
		"requested", b.Requested,
		"possible_handlers", registry.Names(op.PossibleHandlers),
		"satisfied_requests", op.SatisfiedRequests,
	)
	e.msink.IncrCounter(MetricOperationStarted, 1)
	e.publish("dispatch.started", op.view())

	first := op.nextCandidate()
	if first == nil {
		e.exhaust(op)
		return op
	}
	if first.BypassApproval && first.BypassObservers {
		op.viaBypass = true
		op.skippedObservers = true
		e.handle(op, first)
		return op
	}
	e.observe(op)
	return op
}

func (e *Engine) opLogger(op *Operation) *slog.Logger {
	return log.WithOperation(op.ID).With("component", "dispatch", "connection", op.Bundle.Connection)
}

// preferredHandlers lists the preferred handlers of op's live requests.
func (e *Engine) preferredHandlers(op *Operation) []string {
	var out []string
	for _, r := range e.satisfiedRequests(op) {
		if r.PreferredHandler != "" && !slices.Contains(out, r.PreferredHandler) {
			out = append(out, r.PreferredHandler)
		}
	}
	return out
}

func (e *Engine) satisfiedRequests(op *Operation) []*request.Request {
	out := make([]*request.Request, 0, len(op.SatisfiedRequests))
	for _, id := range op.SatisfiedRequests {
		if r, ok := e.reqs.Get(id); ok && !r.State.Terminal() {
			out = append(out, r)
		}
	}
	return out
}

// rerank recomputes the candidate list, keeping handlers that already
// failed out of it.
func (e *Engine) rerank(op *Operation) {
	ranked := registry.Rank(e.reg, op.Bundle, e.preferredHandlers(op))
	op.PossibleHandlers = slices.DeleteFunc(ranked, func(c *registry.Client) bool {
		return op.hasFailed(c.Name)
	})
}

func (e *Engine) observe(op *Operation) {
	observers := e.reg.Interested(registry.RoleObserver, op.Bundle)
	for _, o := range observers {
		name, delays := o.Name, o.DelayApprovers
		op.pendingObservers++
		if delays {
			op.pendingDelayers++
		}
		call := ObserveCall{
			Account:           op.Bundle.Account,
			Connection:        op.Bundle.Connection,
			Channels:          slices.Clone(op.Bundle.Channels),
			Operation:         op.ID,
			SatisfiedRequests: slices.Clone(op.SatisfiedRequests),
		}
		e.call("ObserveChannels", name, e.opts.ObserveTimeout,
			func(ctx context.Context) error { return e.caller.ObserveChannels(ctx, name, call) },
			func(err error) { e.observerReturned(op, name, delays, err) },
		)
	}
	e.maybeApprove(op)
}

func (e *Engine) observerReturned(op *Operation, observer string, delays bool, err error) {
	op.pendingObservers--
	if delays {
		op.pendingDelayers--
	}
	if err != nil {
		e.opLogger(op).Warn("observer failed", "client", observer, "error", err)
	}
	if !op.live() {
		return
	}
	e.maybeApprove(op)
}

func (e *Engine) maybeApprove(op *Operation) {
	if op.State != StateObserving {
		return
	}
	gate := op.pendingObservers
	if e.opts.RelaxedObserverJoin {
		gate = op.pendingDelayers
	}
	if gate > 0 {
		return
	}
	e.approve(op)
}

// approve runs the approval stage, or skips it for a bypass candidate or an
// operation that is already approved.
func (e *Engine) approve(op *Operation) {
	if op.approved {
		e.handleNext(op)
		return
	}
	first := op.nextCandidate()
	if first == nil {
		e.exhaust(op)
		return
	}
	if first.BypassApproval && !op.bypassFailed {
		op.viaBypass = true
		e.handle(op, first)
		return
	}

	approvers := e.reg.Interested(registry.RoleApprover, op.Bundle)
	op.State = StateApproving
	if len(approvers) == 0 {
		e.opLogger(op).Debug("no approvers, approving automatically")
		e.handleNext(op)
		return
	}

	for _, a := range approvers {
		name := a.Name
		op.pendingApprovers++
		call := ApproveCall{
			Operation:        op.ID,
			Account:          op.Bundle.Account,
			Connection:       op.Bundle.Connection,
			Channels:         slices.Clone(op.Bundle.Channels),
			PossibleHandlers: registry.Names(op.PossibleHandlers),
		}
		e.call("AddDispatchOperation", name, e.opts.ApproveTimeout,
			func(ctx context.Context) error { return e.caller.AddDispatchOperation(ctx, name, call) },
			func(err error) { e.approverReturned(op, name, err) },
		)
	}
}

func (e *Engine) approverReturned(op *Operation, approver string, err error) {
	op.pendingApprovers--
	if err != nil {
		e.opLogger(op).Warn("approver failed", "client", approver, "error", err)
	} else {
		op.approverAccepted++
	}
	if !op.live() || op.State != StateApproving || op.pendingApprovers > 0 {
		return
	}
	if op.approved || op.approverAccepted == 0 {
		e.opLogger(op).Debug("approving automatically", "approvers_accepted", op.approverAccepted)
		e.handleNext(op)
		return
	}
	op.State = StateAwaitingHandlerChoice
	e.opLogger(op).Info("awaiting handler choice", "possible_handlers", registry.Names(op.PossibleHandlers))
	e.publish("dispatch.ready", op.view())
}

func (e *Engine) handleNext(op *Operation) {
	next := op.nextCandidate()
	if next == nil {
		e.exhaust(op)
		return
	}
	op.viaBypass = false
	e.handle(op, next)
}

// handle invokes HandleChannels on h for op's remaining channels.
func (e *Engine) handle(op *Operation, h *registry.Client) {
	op.State = StateHandling
	op.Handler = h.Name
	name := h.Name

	reqs := e.satisfiedRequests(op)
	hints := make(map[string]any)
	for _, r := range reqs {
		maps.Copy(hints, r.Hints)
	}
	call := HandleCall{
		Account:           op.Bundle.Account,
		Connection:        op.Bundle.Connection,
		Channels:          slices.Clone(op.Bundle.Channels),
		SatisfiedRequests: slices.Clone(op.SatisfiedRequests),
		UserActionTime:    request.LatestUserAction(reqs),
		Hints:             hints,
	}
	e.opLogger(op).Info("handling channels", "client", name, "bypass", op.viaBypass)
	e.call("HandleChannels", name, e.opts.HandleTimeout,
		func(ctx context.Context) error { return e.caller.HandleChannels(ctx, name, call) },
		func(err error) { e.handlerReturned(op, name, err) },
	)
}

func (e *Engine) handlerReturned(op *Operation, handler string, err error) {
	if !op.live() {
		return
	}
	logger := e.opLogger(op).With("client", handler)

	if err == nil {
		if len(op.Bundle.Channels) == 0 {
			logger.Info("handler accepted but every channel was lost")
			op.notifyWaiters(ErrChannelLost)
			e.finish(op, OutcomeLost)
			return
		}
		for _, ch := range op.Bundle.Channels {
			if rec, ok := e.channels[ch.ID]; ok {
				rec.handler = handler
			}
		}
		e.succeedRequests(op)
		logger.Info("channels handled")
		op.notifyWaiters(nil)
		e.finish(op, OutcomeHandled)
		return
	}

	logger.Warn("handler failed", "error", err)
	e.msink.IncrCounterWithLabels(MetricHandlerFailed, 1, []metrics.Label{LabelClient.M(handler)})
	op.failed = append(op.failed, handler)
	op.dropCandidate(handler)
	op.Handler = ""
	op.notifyWaiters(fmt.Errorf("%w: %s: %v", ErrHandlerFailed, handler, err))

	if len(op.Bundle.Channels) == 0 {
		e.finish(op, OutcomeLost)
		return
	}
	if op.viaBypass {
		op.viaBypass = false
		op.bypassFailed = true
		if op.skippedObservers {
			op.skippedObservers = false
			op.State = StateObserving
			e.observe(op)
			return
		}
		e.approve(op)
		return
	}
	e.handleNext(op)
}

// exhaust gives up on op: channels are destroyed and requests fail.
func (e *Engine) exhaust(op *Operation) {
	e.opLogger(op).Warn("no handler available, destroying channels",
		"channels", op.Bundle.IDs(),
		"failed_handlers", op.failed,
	)
	e.destroyChannels(op)
	for _, r := range e.satisfiedRequests(op) {
		e.failRequest(r, ErrorNameNotAvailable, "no handler available for the requested channel")
	}
	op.notifyWaiters(ErrNoHandler)
	e.finish(op, OutcomeNoHandler)
}

func (e *Engine) destroyChannels(op *Operation) {
	conn, ok := e.conns.Connection(op.Bundle.Connection)
	for _, ch := range op.Bundle.Channels {
		delete(e.channels, ch.ID)
		if !ok {
			continue
		}
		id := ch.ID
		e.call("DestroyChannel", op.Bundle.Connection, e.opts.ConnectionTimeout,
			func(ctx context.Context) error { return conn.DestroyChannel(ctx, id) },
			func(err error) {
				if err != nil {
					e.logger.Warn("failed to destroy channel", "channel", id, "error", err)
				}
			},
		)
	}
	if !ok {
		e.opLogger(op).Warn("connection gone, channels not destroyed")
	}
}

func (e *Engine) succeedRequests(op *Operation) {
	for _, r := range e.satisfiedRequests(op) {
		ch := op.requestChannel[r.ID]
		if ch == nil && len(op.Bundle.Channels) > 0 {
			ch = op.Bundle.Channels[0]
		}
		e.succeedRequest(r, ch)
	}
}

func (e *Engine) finish(op *Operation, outcome string) {
	op.State = StateFinished
	delete(e.ops, op.ID)
	now := e.now()
	e.finished[op.ID] = finishedEntry{at: now, outcome: outcome}
	for _, ch := range op.Bundle.Channels {
		if rec, ok := e.channels[ch.ID]; ok && rec.op == op.ID {
			rec.op = ""
		}
	}

	e.opLogger(op).Info("dispatch operation finished", "outcome", outcome, "handler", op.Handler)
	e.msink.IncrCounterWithLabels(MetricOperationFinished, 1, []metrics.Label{LabelOutcome.M(outcome)})
	e.publish("dispatch.finished", FinishedEvent{Operation: op.view(), Outcome: outcome})
	e.recordOperation(op.record(outcome, now))
}

// FinishedEvent is the payload of dispatch.finished.
type FinishedEvent struct {
	Operation OperationView `json:"operation"`
	Outcome   string        `json:"outcome"`
}

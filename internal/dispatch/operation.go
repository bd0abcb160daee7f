package dispatch

import (
	"slices"
	"time"

	"github.com/mattjoyce/switchboard/internal/channel"
	"github.com/mattjoyce/switchboard/internal/registry"
)

type State string

const (
	StateObserving             State = "observing"
	StateApproving             State = "approving"
	StateAwaitingHandlerChoice State = "awaiting_handler_choice"
	StateHandling              State = "handling"
	StateFinished              State = "finished"
)

// InterfaceDispatchOperation is the interface name published on every
// dispatch operation.
const InterfaceDispatchOperation = "org.freedesktop.Telepathy.ChannelDispatchOperation"

// Outcomes recorded when an operation finishes.
const (
	OutcomeHandled   = "handled"
	OutcomeClaimed   = "claimed"
	OutcomeNoHandler = "no_handler"
	OutcomeLost      = "lost"
	OutcomeCancelled = "cancelled"
	OutcomeShutdown  = "shutdown"
)

// Operation is one attempt to find a handler for a bundle. It is owned by
// the engine loop and must not be touched outside it.
type Operation struct {
	ID     string
	Bundle *channel.Bundle
	State  State

	PossibleHandlers  []*registry.Client
	SatisfiedRequests []string
	Claimant          string
	Handler           string
	Lost              []string
	CreatedAt         time.Time

	// requestChannel maps a satisfied request to the channel it asked for.
	requestChannel map[string]*channel.Channel
	failed         []string

	pendingObservers int
	pendingDelayers  int
	pendingApprovers int
	approverAccepted int

	// viaBypass marks the current handling attempt as a bypass fast path.
	viaBypass    bool
	bypassFailed bool
	approved     bool
	// skippedObservers is set while observers are owed a call because the
	// first candidate bypassed them.
	skippedObservers bool

	// waiters are HandleWith callers waiting for the current attempt.
	waiters []chan error
}

func (op *Operation) live() bool {
	return op.State != StateFinished
}

func (op *Operation) hasFailed(name string) bool {
	return slices.Contains(op.failed, name)
}

// dropCandidate removes name from PossibleHandlers.
func (op *Operation) dropCandidate(name string) {
	op.PossibleHandlers = slices.DeleteFunc(op.PossibleHandlers, func(c *registry.Client) bool {
		return c.Name == name
	})
}

// nextCandidate is the first remaining handler that has not failed.
func (op *Operation) nextCandidate() *registry.Client {
	for _, c := range op.PossibleHandlers {
		if !op.hasFailed(c.Name) {
			return c
		}
	}
	return nil
}

func (op *Operation) removeChannel(id string) bool {
	before := len(op.Bundle.Channels)
	op.Bundle.Channels = slices.DeleteFunc(op.Bundle.Channels, func(ch *channel.Channel) bool {
		return ch.ID == id
	})
	if len(op.Bundle.Channels) == before {
		return false
	}
	op.Lost = append(op.Lost, id)
	return true
}

func (op *Operation) detachRequest(id string) bool {
	before := len(op.SatisfiedRequests)
	op.SatisfiedRequests = slices.DeleteFunc(op.SatisfiedRequests, func(r string) bool { return r == id })
	delete(op.requestChannel, id)
	return len(op.SatisfiedRequests) != before
}

func (op *Operation) notifyWaiters(err error) {
	for _, w := range op.waiters {
		w <- err
	}
	op.waiters = nil
}

// OperationView is the published, read-only form of a dispatch operation.
type OperationView struct {
	ID                string             `json:"id"`
	Account           string             `json:"account"`
	Connection        string             `json:"connection"`
	Channels          []*channel.Channel `json:"channels"`
	PossibleHandlers  []string           `json:"possible_handlers"`
	Interfaces        []string           `json:"interfaces"`
	State             State              `json:"state"`
	Claimant          string             `json:"claimant,omitempty"`
	Handler           string             `json:"handler,omitempty"`
	SatisfiedRequests []string           `json:"satisfied_requests,omitempty"`
	LostChannels      []string           `json:"lost_channels,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

func (op *Operation) view() OperationView {
	return OperationView{
		ID:                op.ID,
		Account:           op.Bundle.Account,
		Connection:        op.Bundle.Connection,
		Channels:          slices.Clone(op.Bundle.Channels),
		PossibleHandlers:  registry.Names(op.PossibleHandlers),
		Interfaces:        []string{InterfaceDispatchOperation},
		State:             op.State,
		Claimant:          op.Claimant,
		Handler:           op.Handler,
		SatisfiedRequests: slices.Clone(op.SatisfiedRequests),
		LostChannels:      slices.Clone(op.Lost),
		CreatedAt:         op.CreatedAt,
	}
}

func (op *Operation) record(outcome string, finishedAt time.Time) OperationRecord {
	return OperationRecord{
		ID:                op.ID,
		Account:           op.Bundle.Account,
		Connection:        op.Bundle.Connection,
		Channels:          op.Bundle.IDs(),
		LostChannels:      slices.Clone(op.Lost),
		Handler:           op.Handler,
		Claimant:          op.Claimant,
		FailedHandlers:    slices.Clone(op.failed),
		SatisfiedRequests: slices.Clone(op.SatisfiedRequests),
		Outcome:           outcome,
		CreatedAt:         op.CreatedAt,
		FinishedAt:        finishedAt,
	}
}

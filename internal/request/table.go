// Package request tracks channel requests from submission until they reach
// a terminal state.
//
// Lifecycle:
//
//	pending_proceed --Proceed--> in_flight --Succeed--> succeeded
//	       |                        |  \----Fail-----> failed
//	       \--------Cancel----------+------Cancel----> cancelled
//
// The table is not safe for concurrent use; the dispatch engine owns it.
package request

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/switchboard/internal/channel"
)

// Table owns every live and recently finished request.
type Table struct {
	reqs  map[string]*Request
	now   func() time.Time
	newID func() string
}

// NewTable creates an empty request table.
func NewTable() *Table {
	return &Table{
		reqs:  make(map[string]*Request),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Submit records a new request in pending_proceed. It does not contact the
// connection.
func (t *Table) Submit(p SubmitParams) (*Request, error) {
	if strings.TrimSpace(p.Connection) == "" {
		return nil, fmt.Errorf("%w: connection is empty", ErrInvalidArgument)
	}
	if len(p.Properties) == 0 {
		return nil, fmt.Errorf("%w: requested properties are empty", ErrInvalidArgument)
	}
	if ct, ok := p.Properties[channel.PropChannelType].(string); !ok || ct == "" {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidArgument, channel.PropChannelType)
	}

	uat := p.UserActionTime
	if uat.IsZero() {
		uat = t.now()
	}
	r := &Request{
		ID:               t.newID(),
		Account:          p.Account,
		Connection:       p.Connection,
		Requester:        p.Requester,
		Properties:       p.Properties.Clone(),
		PreferredHandler: p.PreferredHandler,
		UserActionTime:   uat,
		Ensure:           p.Ensure,
		Hints:            p.Hints,
		State:            StatePendingProceed,
		CreatedAt:        t.now(),
	}
	t.reqs[r.ID] = r
	return r, nil
}

// Get returns a request by ID.
func (t *Table) Get(id string) (*Request, bool) {
	r, ok := t.reqs[id]
	return r, ok
}

// All returns every tracked request.
func (t *Table) All() []*Request {
	out := make([]*Request, 0, len(t.reqs))
	for _, r := range t.reqs {
		out = append(out, r)
	}
	return out
}

// Proceed authorises the request to contact the connection. A second call,
// or a call from anyone but the requester, fails with ErrNotYours.
func (t *Table) Proceed(id, caller string) (*Request, error) {
	r, ok := t.reqs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.Requester != "" && caller != r.Requester {
		return nil, fmt.Errorf("%w: %s was submitted by %q", ErrNotYours, id, r.Requester)
	}
	if r.State != StatePendingProceed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotYours, id, r.State)
	}
	r.State = StateInFlight
	return r, nil
}

// Cancel moves a request that has not yet succeeded to cancelled and
// reports the state it was in.
func (t *Table) Cancel(id, caller string) (*Request, State, error) {
	r, ok := t.reqs[id]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.Requester != "" && caller != r.Requester {
		return nil, r.State, fmt.Errorf("%w: %s was submitted by %q", ErrNotYours, id, r.Requester)
	}
	if r.State.Terminal() {
		return nil, r.State, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, r.State)
	}
	prev := r.State
	t.finish(r, StateCancelled)
	r.ErrorName = ErrorNameCancelled
	r.ErrorMessage = "cancelled by requester"
	return r, prev, nil
}

// Attach records the dispatch operation carrying the request's channel.
func (t *Table) Attach(id, operation string) {
	if r, ok := t.reqs[id]; ok && !r.State.Terminal() {
		r.Operation = operation
	}
}

// Succeed marks the request satisfied by ch.
func (t *Table) Succeed(id string, ch *channel.Channel) (*Request, error) {
	r, ok := t.reqs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, r.State)
	}
	if ch == nil {
		return nil, fmt.Errorf("%w: success requires a channel", ErrInvalidArgument)
	}
	r.Channel = ch
	t.finish(r, StateSucceeded)
	return r, nil
}

// Fail marks the request failed with a D-Bus style error name.
func (t *Table) Fail(id, errName, msg string) (*Request, error) {
	r, ok := t.reqs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, r.State)
	}
	r.ErrorName = errName
	r.ErrorMessage = msg
	t.finish(r, StateFailed)
	return r, nil
}

// Prune forgets terminal requests that completed before cutoff.
func (t *Table) Prune(cutoff time.Time) int {
	n := 0
	for id, r := range t.reqs {
		if r.State.Terminal() && r.CompletedAt != nil && r.CompletedAt.Before(cutoff) {
			delete(t.reqs, id)
			n++
		}
	}
	return n
}

func (t *Table) finish(r *Request, s State) {
	now := t.now()
	r.State = s
	r.CompletedAt = &now
}

// LatestUserAction returns the latest user-action time among reqs.
func LatestUserAction(reqs []*Request) time.Time {
	var latest time.Time
	for _, r := range reqs {
		if r.UserActionTime.After(latest) {
			latest = r.UserActionTime
		}
	}
	return latest
}

package request

import (
	"errors"
	"time"

	"github.com/mattjoyce/switchboard/internal/channel"
)

type State string

const (
	StatePendingProceed State = "pending_proceed"
	StateInFlight       State = "in_flight"
	StateSucceeded      State = "succeeded"
	StateFailed         State = "failed"
	StateCancelled      State = "cancelled"
)

// Terminal reports whether s is one of the three final states.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

var (
	ErrNotFound        = errors.New("request: not found")
	ErrNotYours        = errors.New("request: not yours")
	ErrInvalidArgument = errors.New("request: invalid argument")
	ErrAlreadyTerminal = errors.New("request: already finished")
)

// Error names reported to requesters in Failed signals and RemoveRequest calls.
const (
	ErrorNameCancelled    = "org.freedesktop.Telepathy.Error.Cancelled"
	ErrorNameNotAvailable = "org.freedesktop.Telepathy.Error.NotAvailable"
	ErrorNameNotYours     = "org.freedesktop.Telepathy.Error.NotYours"
	ErrorNameDisconnected = "org.freedesktop.Telepathy.Error.Disconnected"
)

// Request is a client's intent to obtain a channel.
type Request struct {
	ID               string
	Account          string
	Connection       string
	Requester        string
	Properties       channel.Properties
	PreferredHandler string
	UserActionTime   time.Time
	Ensure           bool
	Hints            map[string]any

	State        State
	Channel      *channel.Channel
	Operation    string
	ErrorName    string
	ErrorMessage string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// SubmitParams are the inputs to Table.Submit.
type SubmitParams struct {
	Account          string
	Connection       string
	Requester        string
	Properties       channel.Properties
	PreferredHandler string
	UserActionTime   time.Time
	Ensure           bool
	Hints            map[string]any
}

package dispatch

import (
	"context"
	"time"

	"github.com/mattjoyce/switchboard/internal/channel"
	"github.com/mattjoyce/switchboard/internal/request"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/switchboard/internal/dispatch Caller,Connection

// ObserveCall is the argument of an ObserveChannels call.
type ObserveCall struct {
	Account           string             `json:"account"`
	Connection        string             `json:"connection"`
	Channels          []*channel.Channel `json:"channels"`
	Operation         string             `json:"dispatch_operation,omitempty"`
	SatisfiedRequests []string           `json:"satisfied_requests,omitempty"`
	Recovering        bool               `json:"recovering"`
}

// ApproveCall is the argument of an AddDispatchOperation call.
type ApproveCall struct {
	Operation        string             `json:"dispatch_operation"`
	Account          string             `json:"account"`
	Connection       string             `json:"connection"`
	Channels         []*channel.Channel `json:"channels"`
	PossibleHandlers []string           `json:"possible_handlers"`
}

// HandleCall is the argument of a HandleChannels call.
type HandleCall struct {
	Account           string             `json:"account"`
	Connection        string             `json:"connection"`
	Channels          []*channel.Channel `json:"channels"`
	SatisfiedRequests []string           `json:"satisfied_requests,omitempty"`
	UserActionTime    time.Time          `json:"user_action_time"`
	Hints             map[string]any     `json:"hints,omitempty"`
}

// AddRequestCall is the argument of an AddRequest call.
type AddRequestCall struct {
	Request          string             `json:"request"`
	Account          string             `json:"account"`
	Properties       channel.Properties `json:"properties"`
	PreferredHandler string             `json:"preferred_handler,omitempty"`
	UserActionTime   time.Time          `json:"user_action_time"`
}

// Caller performs outbound calls to client processes. Implementations must
// honour ctx cancellation; the engine applies a deadline to every call.
type Caller interface {
	ObserveChannels(ctx context.Context, client string, call ObserveCall) error
	AddDispatchOperation(ctx context.Context, client string, call ApproveCall) error
	HandleChannels(ctx context.Context, client string, call HandleCall) error
	AddRequest(ctx context.Context, client string, call AddRequestCall) error
	RemoveRequest(ctx context.Context, client string, requestID, errName string) error
}

// Connection is the channel factory owned by one connection.
type Connection interface {
	CreateChannel(ctx context.Context, props channel.Properties) (*channel.Channel, error)
	// EnsureChannel returns yours=false with an existing channel when one
	// with matching properties already exists.
	EnsureChannel(ctx context.Context, props channel.Properties) (yours bool, ch *channel.Channel, err error)
	CloseChannel(ctx context.Context, id string) error
	DestroyChannel(ctx context.Context, id string) error
}

// Connections resolves a connection by name.
type Connections interface {
	Connection(name string) (Connection, bool)
}

// Publisher receives the engine's signals (dispatch.finished,
// dispatch.channel_lost, request.succeeded, ...).
type Publisher interface {
	Publish(eventType string, data any)
}

// Journal records finished dispatch operations and terminal requests.
type Journal interface {
	RecordOperation(ctx context.Context, rec OperationRecord) error
	RecordRequest(ctx context.Context, r request.Request) error
}

// OperationRecord summarises a finished dispatch operation.
type OperationRecord struct {
	ID                string
	Account           string
	Connection        string
	Channels          []string
	LostChannels      []string
	Handler           string
	Claimant          string
	FailedHandlers    []string
	SatisfiedRequests []string
	Outcome           string
	CreatedAt         time.Time
	FinishedAt        time.Time
}

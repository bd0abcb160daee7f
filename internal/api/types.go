package api

import (
	"time"

	"github.com/mattjoyce/switchboard/internal/channel"
	"github.com/mattjoyce/switchboard/internal/dispatch"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Stats         dispatch.Stats `json:"stats"`
}

// HandleWithRequest is the body of POST /operations/{id}/handle-with. An
// empty handler picks the first remaining candidate.
type HandleWithRequest struct {
	Handler string `json:"handler"`
}

// ClaimRequest is the body of POST /operations/{id}/claim.
type ClaimRequest struct {
	Claimant string `json:"claimant"`
}

// OperationResult is returned after a handle-with or claim.
type OperationResult struct {
	Operation string `json:"dispatch_operation"`
	Status    string `json:"status"`
	Client    string `json:"client,omitempty"`
}

// SubmitRequestBody is the body of POST /requests.
type SubmitRequestBody struct {
	Account          string             `json:"account,omitempty"`
	Connection       string             `json:"connection"`
	Requester        string             `json:"requester"`
	Properties       channel.Properties `json:"properties"`
	PreferredHandler string             `json:"preferred_handler,omitempty"`
	UserActionTime   *time.Time         `json:"user_action_time,omitempty"`
	Ensure           bool               `json:"ensure,omitempty"`
	Hints            map[string]any     `json:"hints,omitempty"`
}

// CallerRequest is the body of proceed and cancel calls.
type CallerRequest struct {
	Caller string `json:"caller"`
}

// IncomingRequest is the body of POST /connections/{conn}/incoming.
type IncomingRequest struct {
	Channels []channel.Properties `json:"channels"`
}

// IncomingResponse lists what an incoming announcement created.
type IncomingResponse struct {
	Channels   []*channel.Channel `json:"channels"`
	Operations []string           `json:"dispatch_operations"`
}

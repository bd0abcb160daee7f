package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the only envelope version clients speak.
const Version = 1

// Method names a client call.
type Method string

const (
	MethodObserveChannels      Method = "ObserveChannels"
	MethodAddDispatchOperation Method = "AddDispatchOperation"
	MethodHandleChannels       Method = "HandleChannels"
	MethodAddRequest           Method = "AddRequest"
	MethodRemoveRequest        Method = "RemoveRequest"
)

func (m Method) valid() bool {
	switch m {
	case MethodObserveChannels, MethodAddDispatchOperation, MethodHandleChannels,
		MethodAddRequest, MethodRemoveRequest:
		return true
	}
	return false
}

// Request is the call envelope written to a client's stdin.
type Request struct {
	Protocol   int             `json:"protocol"`
	CallID     string          `json:"call_id"`
	Client     string          `json:"client"`
	Method     Method          `json:"method"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DeadlineAt time.Time       `json:"deadline_at"`
}

// RemoveRequestPayload is the payload of a RemoveRequest call.
type RemoveRequestPayload struct {
	Request   string `json:"request"`
	ErrorName string `json:"error"`
}

// Response is the envelope a client writes to stdout.
type Response struct {
	Status    string     `json:"status"` // ok | error
	Error     string     `json:"error,omitempty"`
	ErrorName string     `json:"error_name,omitempty"`
	Logs      []LogEntry `json:"logs,omitempty"`
}

// LogEntry is a log line reported by a client.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// ClientError is a call the client answered with status=error.
type ClientError struct {
	Name    string
	Message string
}

func (e *ClientError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Err returns the client's error, or nil when the call succeeded.
func (r *Response) Err() error {
	if r.Status != "error" {
		return nil
	}
	return &ClientError{Name: r.ErrorName, Message: r.Error}
}

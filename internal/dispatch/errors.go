package dispatch

import (
	"errors"

	"github.com/mattjoyce/switchboard/internal/registry"
	"github.com/mattjoyce/switchboard/internal/request"
)

var (
	ErrShutdown            = errors.New("dispatch: engine is not running")
	ErrNotFound            = errors.New("dispatch: no such dispatch operation")
	ErrAlreadyFinished     = errors.New("dispatch: dispatch operation already finished")
	ErrAlreadyClaimed      = errors.New("dispatch: dispatch operation already claimed")
	ErrAlreadyHandling     = errors.New("dispatch: dispatch operation is already being handled")
	ErrNotReady            = errors.New("dispatch: dispatch operation is still observing")
	ErrUnknownHandler      = errors.New("dispatch: unknown handler")
	ErrUnknownClient       = errors.New("dispatch: unknown client")
	ErrUnknownConnection   = errors.New("dispatch: unknown connection")
	ErrHandlerFailed       = errors.New("dispatch: handler failed")
	ErrNoHandler           = errors.New("dispatch: no handler available")
	ErrChannelLost         = errors.New("dispatch: channels closed before dispatch finished")
	ErrInvalidAnnouncement = errors.New("dispatch: invalid channel announcement")
)

// Error names carried by ChannelLost signals and failed requests.
const (
	ErrorNameTerminated   = "org.freedesktop.Telepathy.Error.Terminated"
	ErrorNameNotAvailable = request.ErrorNameNotAvailable
	ErrorNameNotYours     = request.ErrorNameNotYours
)

// IsInvalidRequest reports whether err rejects a caller's request without
// any state change.
func IsInvalidRequest(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrAlreadyFinished, ErrAlreadyClaimed, ErrAlreadyHandling,
		ErrNotReady, ErrUnknownHandler, ErrUnknownClient, ErrUnknownConnection,
		ErrInvalidAnnouncement,
		request.ErrNotFound, request.ErrNotYours, request.ErrInvalidArgument, request.ErrAlreadyTerminal,
		registry.ErrDuplicateClient, registry.ErrInvalidDescriptor,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
